package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"travel-vault/pkg/log"
)

// Store 是整个部署共享的索引。读操作在不可变快照上进行，从不加锁；
// 写操作串行执行：复制当前快照、修改、落盘，成功后才发布新快照。
// 每次写入的代价与索引大小成正比。
type Store struct {
	path    string
	current atomic.Pointer[Index]
	// writer 是容量为 1 的信号量，等待时可以响应 ctx 取消。
	writer chan struct{}
}

// OpenStore 在提供服务前完整加载 path 处的索引。
// 文件损坏时返回 model.ErrCorruptIndex，调用方不应降级为空索引。
func OpenStore(path string) (*Store, error) {
	start := time.Now()
	idx, err := LoadOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", path, err)
	}
	s := &Store{path: path, writer: make(chan struct{}, 1)}
	s.current.Store(idx)
	log.Infow("[Index] 向量索引已加载",
		"path", path, "entries", idx.Len(), "dimension", idx.Dimension(), "elapsed", time.Since(start))
	return s, nil
}

// Path 返回索引文件路径。
func (s *Store) Path() string { return s.path }

// Snapshot 返回当前已提交的索引。调用方不得修改它。
func (s *Store) Snapshot() *Index {
	return s.current.Load()
}

// Search 在当前快照上检索。
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Snapshot().Search(query, k)
}

// Apply 以单写者方式修改索引。fn 收到当前快照的副本；fn 出错或落盘失败时
// 旧快照保持发布状态，磁盘文件也不变。
func (s *Store) Apply(ctx context.Context, fn func(*Index) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.Snapshot().Clone()
	if err := fn(next); err != nil {
		return err
	}

	start := time.Now()
	if err := Save(next, s.path); err != nil {
		log.Error("[Index] 索引落盘失败, 保留旧快照", err)
		return fmt.Errorf("persist index: %w", err)
	}
	s.current.Store(next)
	log.Infow("[Index] 索引已提交", "entries", next.Len(), "elapsed", time.Since(start))
	return nil
}
