// Package index 实现了知识库共享的向量索引：精确的平方 L2 暴力检索、
// 原子落盘，以及读无锁、写串行的并发快照存储。
package index

import (
	"fmt"
	"sort"

	"travel-vault/internal/model"
)

// Hit 是一次检索命中的条目。Score 为平方 L2 距离。
type Hit struct {
	Position int
	Score    float64
	Metadata model.EntryMetadata
}

// Index 是内存中的扁平向量索引。维度在第一次 Add 时确定。
// 发布到 Store 之后的 Index 视为不可变。
type Index struct {
	dimension int
	entries   []model.IndexEntry
}

// New 返回一个空索引，维度为 0。
func New() *Index {
	return &Index{}
}

// Dimension 返回索引维度，空索引为 0。
func (idx *Index) Dimension() int { return idx.dimension }

// Len 返回条目数量。
func (idx *Index) Len() int { return len(idx.entries) }

// Entries 返回条目的只读视图。
func (idx *Index) Entries() []model.IndexEntry { return idx.entries }

// Add 追加一批条目。任何一条维度不一致时整批拒绝，索引保持不变。
func (idx *Index) Add(entries []model.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	dim := idx.dimension
	if dim == 0 {
		dim = len(entries[0].Vector)
		if dim == 0 {
			return fmt.Errorf("%w: empty vector", model.ErrInvalidArgument)
		}
	}
	for _, e := range entries {
		if len(e.Vector) != dim {
			return &model.DimensionMismatchError{Expected: dim, Actual: len(e.Vector)}
		}
	}
	idx.dimension = dim
	idx.entries = append(idx.entries, entries...)
	return nil
}

// Search 返回与 query 平方 L2 距离最小的 k 个条目，距离升序，
// 距离相同按插入顺序。
func (idx *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(idx.entries) == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if len(query) != idx.dimension {
		return nil, &model.DimensionMismatchError{Expected: idx.dimension, Actual: len(query)}
	}

	hits := make([]Hit, len(idx.entries))
	for i, e := range idx.entries {
		hits[i] = Hit{Position: i, Score: squaredL2(query, e.Vector), Metadata: e.Metadata}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score < hits[b].Score
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// RemoveDocument 删除属于 (userID, documentID) 的全部条目，返回删除数量。
func (idx *Index) RemoveDocument(userID, documentID string) int {
	kept := idx.entries[:0:0]
	removed := 0
	for _, e := range idx.entries {
		if e.Metadata.UserID == userID && e.Metadata.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		idx.entries = kept
	}
	return removed
}

// HasDocument 判断索引中是否已有该文档的条目。
func (idx *Index) HasDocument(userID, documentID string) bool {
	for _, e := range idx.entries {
		if e.Metadata.UserID == userID && e.Metadata.DocumentID == documentID {
			return true
		}
	}
	return false
}

// Clone 复制条目切片。向量本身在发布后不再修改，因此共享底层数组。
func (idx *Index) Clone() *Index {
	entries := make([]model.IndexEntry, len(idx.entries))
	copy(entries, idx.entries)
	return &Index{dimension: idx.dimension, entries: entries}
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
