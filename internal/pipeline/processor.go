// Package pipeline 定义了文件处理的核心流程：读取上传文件、提取文本、
// 分块、向量化，最后一次性写入共享索引。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"travel-vault/internal/chunker"
	"travel-vault/internal/extractor"
	"travel-vault/internal/index"
	"travel-vault/internal/model"
	"travel-vault/pkg/embedding"
	"travel-vault/pkg/log"
	"travel-vault/pkg/storage"
	"travel-vault/pkg/tasks"
)

// IngestedMessage 是入库成功时返回的提示语。
const IngestedMessage = "Document ingested and indexed."

// DefaultConcurrency 是未配置时的并发向量化数。
const DefaultConcurrency = 4

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	uploads     storage.UploadStore
	extractor   extractor.Extractor
	chunker     *chunker.Chunker
	embedder    embedding.Embedder
	store       *index.Store
	concurrency int
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	uploads storage.UploadStore,
	ext extractor.Extractor,
	chk *chunker.Chunker,
	embedder embedding.Embedder,
	store *index.Store,
	concurrency int,
) *Processor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Processor{
		uploads:     uploads,
		extractor:   ext,
		chunker:     chk,
		embedder:    embedder,
		store:       store,
		concurrency: concurrency,
	}
}

// Process 处理一个入库任务。任何一步失败都不会写入索引。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) (*model.IngestResult, error) {
	start := time.Now()
	log.Infof("[Processor] 开始处理文档, task: %s, doc: %s, user: %s, file: %s",
		task.TaskID, task.DocumentID, task.UserID, task.FileName)

	// 1. 读取已保存的原始文件
	data, err := p.uploads.Get(ctx, task.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("读取上传文件失败: %w", err)
	}

	// 2. 提取文本
	text, err := p.extractor.Extract(ctx, data, task.ContentType, task.FileName)
	if err != nil {
		log.Errorf("[Processor] 文本提取失败, file: %s, error: %v", task.FileName, err)
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		log.Warnf("[Processor] 提取的文本内容为空, 处理中止, file: %s", task.FileName)
		return nil, fmt.Errorf("%w: no text could be extracted from %q", model.ErrEmptyInput, task.FileName)
	}
	log.Infof("[Processor] 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 3. 文本分块
	chunks, err := p.chunker.Split(task.DocumentID, text)
	if err != nil {
		return nil, err
	}
	log.Infof("[Processor] 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 并发向量化，结果按分块顺序存放
	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	entries := make([]model.IndexEntry, len(chunks))
	for i, ch := range chunks {
		entries[i] = model.IndexEntry{
			Vector: vectors[i],
			Metadata: model.EntryMetadata{
				DocumentID: task.DocumentID,
				UserID:     task.UserID,
				ChunkIndex: ch.ChunkIndex,
				Title:      task.Title,
				Notes:      task.Notes,
				SourcePath: task.SourcePath,
				Text:       ch.Text,
			},
		}
	}

	// 5. 一次原子写入：替换时先移除旧分块
	replaced := 0
	err = p.store.Apply(ctx, func(idx *index.Index) error {
		if idx.HasDocument(task.UserID, task.DocumentID) {
			if !task.Replace {
				return fmt.Errorf("%w: %s", model.ErrDuplicateDocument, task.DocumentID)
			}
			replaced = idx.RemoveDocument(task.UserID, task.DocumentID)
		}
		return idx.Add(entries)
	})
	if err != nil {
		log.Errorf("[Processor] 写入索引失败, doc: %s, error: %v", task.DocumentID, err)
		return nil, err
	}

	log.Infof("[Processor] 文档处理成功完成, doc: %s, chunks: %d, replaced: %d, 耗时: %s",
		task.DocumentID, len(chunks), replaced, time.Since(start))
	return &model.IngestResult{
		DocumentID:    task.DocumentID,
		ChunkCount:    len(chunks),
		TokenEstimate: chunker.TokenEstimate(text),
		Message:       IngestedMessage,
	}, nil
}

func (p *Processor) embedChunks(ctx context.Context, chunks []model.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range chunks {
		i := i
		g.Go(func() error {
			vec, err := p.embedder.Embed(gctx, chunks[i].Text)
			if err != nil {
				return fmt.Errorf("块 %d 向量化失败: %w", chunks[i].ChunkIndex, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("[Processor] 向量化失败: %v", err)
		return nil, err
	}
	return vectors, nil
}
