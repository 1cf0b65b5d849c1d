// Package service 提供了知识库的业务逻辑：入库、检索与问答。
package service

import (
	"context"
	"fmt"
	"strings"

	"travel-vault/internal/config"
	"travel-vault/internal/index"
	"travel-vault/internal/model"
	"travel-vault/pkg/embedding"
	"travel-vault/pkg/log"
)

// MinOverFetchFactor 是共享索引下过滤前的最小放大倍数。
const MinOverFetchFactor = 3

// RetrievalService 接口定义了按用户隔离的检索操作。
type RetrievalService interface {
	// Retrieve 返回至多 topK 个属于 userID 的分块，按相关度排序。
	Retrieve(ctx context.Context, query, userID string, topK int) ([]model.RetrievedChunk, error)
}

type retrievalService struct {
	embedder    embedding.Embedder
	store       *index.Store
	overFetch   int
	defaultTopK int
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(embedder embedding.Embedder, store *index.Store, cfg config.VaultConfig) RetrievalService {
	overFetch := cfg.OverFetchFactor
	if overFetch < MinOverFetchFactor {
		overFetch = MinOverFetchFactor
	}
	defaultTopK := cfg.DefaultTopK
	if defaultTopK <= 0 {
		defaultTopK = 3
	}
	return &retrievalService{
		embedder:    embedder,
		store:       store,
		overFetch:   overFetch,
		defaultTopK: defaultTopK,
	}
}

// Retrieve 先按 min(topK*overFetch, 索引大小) 检索共享索引，再过滤出调用者自己的条目并截断。
// 不会因为结果不足而再次检索。
func (s *retrievalService) Retrieve(ctx context.Context, query, userID string, topK int) ([]model.RetrievedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", model.ErrInvalidArgument)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidArgument)
	}
	if topK <= 0 {
		topK = s.defaultTopK
	}

	snap := s.store.Snapshot()
	if snap.Len() == 0 {
		return []model.RetrievedChunk{}, nil
	}

	// topK 来自请求，先按索引大小截断，候选数同样不超过索引大小，避免溢出。
	total := snap.Len()
	if topK > total {
		topK = total
	}
	candidates := total
	if topK <= total/s.overFetch {
		candidates = topK * s.overFetch
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := snap.Search(vec, candidates)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]model.RetrievedChunk, 0, topK)
	for _, hit := range hits {
		if hit.Metadata.UserID != userID {
			continue
		}
		results = append(results, model.RetrievedChunk{
			Text:           hit.Metadata.Text,
			Title:          hit.Metadata.Title,
			DocumentID:     hit.Metadata.DocumentID,
			ChunkIndex:     hit.Metadata.ChunkIndex,
			RelevanceScore: hit.Score,
		})
		if len(results) == topK {
			break
		}
	}
	log.Infof("[RetrievalService] 检索完成, user: %s, topK: %d, 候选: %d, 命中: %d", userID, topK, len(hits), len(results))
	return results, nil
}
