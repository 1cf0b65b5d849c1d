package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"travel-vault/internal/model"
)

const statusTTL = 24 * time.Hour

var timeNow = time.Now

// IngestStatusRepository 保存异步入库任务的状态。
type IngestStatusRepository interface {
	Set(ctx context.Context, status *model.IngestStatus) error
	Get(ctx context.Context, taskID string) (*model.IngestStatus, error)
}

type redisIngestStatusRepository struct {
	redisClient *redis.Client
}

// NewIngestStatusRepository 创建基于 Redis 的任务状态存储，状态保留 24 小时。
func NewIngestStatusRepository(redisClient *redis.Client) IngestStatusRepository {
	return &redisIngestStatusRepository{redisClient: redisClient}
}

func statusKey(taskID string) string {
	return "vault:ingest:" + taskID
}

func (r *redisIngestStatusRepository) Set(ctx context.Context, status *model.IngestStatus) error {
	status.UpdatedAt = timeNow()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, statusKey(status.TaskID), data, statusTTL).Err()
}

func (r *redisIngestStatusRepository) Get(ctx context.Context, taskID string) (*model.IngestStatus, error) {
	data, err := r.redisClient.Get(ctx, statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var status model.IngestStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type memoryIngestStatusRepository struct {
	mu       sync.RWMutex
	statuses map[string]model.IngestStatus
}

// NewMemoryIngestStatusRepository 创建进程内的任务状态存储。
func NewMemoryIngestStatusRepository() IngestStatusRepository {
	return &memoryIngestStatusRepository{statuses: make(map[string]model.IngestStatus)}
}

func (r *memoryIngestStatusRepository) Set(_ context.Context, status *model.IngestStatus) error {
	status.UpdatedAt = timeNow()
	r.mu.Lock()
	r.statuses[status.TaskID] = *status
	r.mu.Unlock()
	return nil
}

func (r *memoryIngestStatusRepository) Get(_ context.Context, taskID string) (*model.IngestStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.statuses[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, taskID)
	}
	return &status, nil
}
