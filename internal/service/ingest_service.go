package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"travel-vault/internal/index"
	"travel-vault/internal/model"
	"travel-vault/internal/pipeline"
	"travel-vault/internal/repository"
	"travel-vault/pkg/log"
	"travel-vault/pkg/storage"
	"travel-vault/pkg/tasks"
)

// TaskPublisher 把入库任务投递到异步队列。
type TaskPublisher interface {
	Publish(ctx context.Context, task tasks.IngestTask) error
}

// IngestService 接口定义了文档入库与管理操作。
type IngestService interface {
	Ingest(ctx context.Context, req model.IngestRequest) (*model.IngestResult, error)
	IngestAsync(ctx context.Context, req model.IngestRequest) (*model.AsyncIngestResult, error)
	// HandleTask 处理从队列消费到的任务，实现 kafka.TaskHandler。
	HandleTask(ctx context.Context, task tasks.IngestTask) error
	Status(ctx context.Context, userID, taskID string) (*model.IngestStatus, error)
	Delete(ctx context.Context, userID, documentID string) error
	List(ctx context.Context, userID string) ([]model.Document, error)
}

type ingestService struct {
	processor *pipeline.Processor
	store     *index.Store
	uploads   storage.UploadStore
	docRepo   repository.DocumentRepository
	statuses  repository.IngestStatusRepository
	publisher TaskPublisher
}

// NewIngestService 创建一个新的 IngestService 实例。publisher 为 nil 时不支持异步入库。
func NewIngestService(
	processor *pipeline.Processor,
	store *index.Store,
	uploads storage.UploadStore,
	docRepo repository.DocumentRepository,
	statuses repository.IngestStatusRepository,
	publisher TaskPublisher,
) IngestService {
	return &ingestService{
		processor: processor,
		store:     store,
		uploads:   uploads,
		docRepo:   docRepo,
		statuses:  statuses,
		publisher: publisher,
	}
}

// prepared 是入库前的准备结果：目录记录已置为 pending，原始文件已落盘。
type prepared struct {
	task       tasks.IngestTask
	doc        *model.Document
	prevStatus model.DocumentStatus
}

func validate(req model.IngestRequest) error {
	switch {
	case strings.TrimSpace(req.DocumentID) == "":
		return fmt.Errorf("%w: documentId is required", model.ErrInvalidArgument)
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: userId is required", model.ErrInvalidArgument)
	case strings.TrimSpace(req.Title) == "":
		return fmt.Errorf("%w: title is required", model.ErrInvalidArgument)
	case len(req.Data) == 0:
		return fmt.Errorf("%w: uploaded file is empty", model.ErrEmptyInput)
	}
	return nil
}

// prepare 校验请求、执行重复策略、登记目录并保存原始文件。
// 索引中已有该文档或目录记录仍有效时视为重复；failed 记录可直接覆盖。
// 目录记录先于原始文件写入：并发的同 id 新建请求只有一个能拿到记录。
func (s *ingestService) prepare(ctx context.Context, req model.IngestRequest) (*prepared, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	existing, err := s.docRepo.FindByOwner(req.UserID, req.DocumentID)
	if err != nil && !errors.Is(err, model.ErrDocumentNotFound) {
		return nil, fmt.Errorf("查询文档目录失败: %w", err)
	}
	indexed := s.store.Snapshot().HasDocument(req.UserID, req.DocumentID)
	active := existing != nil && existing.Status != model.DocumentFailed
	if (indexed || active) && !req.Replace {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateDocument, req.DocumentID)
	}

	key := storage.ObjectKey(req.UserID, req.DocumentID, req.FileName)
	p := &prepared{
		task: tasks.IngestTask{
			TaskID:      tasks.NewTaskID(),
			DocumentID:  req.DocumentID,
			UserID:      req.UserID,
			Title:       req.Title,
			Notes:       req.Notes,
			FileName:    req.FileName,
			ContentType: req.ContentType,
			ObjectKey:   key,
			Replace:     req.Replace,
			CreatedAt:   time.Now(),
		},
	}
	if indexed {
		p.prevStatus = model.DocumentIndexed
	}

	var prev *model.Document
	doc := existing
	if doc != nil {
		snapshot := *existing
		prev = &snapshot
		doc.Title = req.Title
		doc.Notes = req.Notes
		doc.FileName = req.FileName
		doc.SourceContentType = req.ContentType
		doc.Status = model.DocumentPending
		if err := s.docRepo.Save(doc); err != nil {
			return nil, fmt.Errorf("更新文档目录失败: %w", err)
		}
	} else {
		doc = &model.Document{
			DocumentID:        req.DocumentID,
			UserID:            req.UserID,
			Title:             req.Title,
			Notes:             req.Notes,
			FileName:          req.FileName,
			SourceContentType: req.ContentType,
			Status:            model.DocumentPending,
		}
		if err := s.docRepo.Create(doc); err != nil {
			if errors.Is(err, model.ErrDuplicateDocument) {
				return nil, fmt.Errorf("%w: %s", model.ErrDuplicateDocument, req.DocumentID)
			}
			return nil, fmt.Errorf("登记文档目录失败: %w", err)
		}
	}
	p.doc = doc

	sourcePath, err := s.uploads.Put(ctx, key, req.Data, req.ContentType)
	if err != nil {
		s.release(doc, prev)
		return nil, fmt.Errorf("保存上传文件失败: %w", err)
	}
	log.Infof("[IngestService] 原始文件已保存, doc: %s, path: %s", req.DocumentID, sourcePath)

	p.task.SourcePath = sourcePath
	doc.SourcePath = sourcePath
	if err := s.docRepo.Save(doc); err != nil {
		return nil, fmt.Errorf("更新文档目录失败: %w", err)
	}
	return p, nil
}

// release 在原始文件保存失败时撤销目录登记：新建的记录删除，已有记录恢复原样。
func (s *ingestService) release(doc, prev *model.Document) {
	var err error
	if prev == nil {
		err = s.docRepo.Delete(doc.UserID, doc.DocumentID)
	} else {
		err = s.docRepo.Save(prev)
	}
	if err != nil && !errors.Is(err, model.ErrDocumentNotFound) {
		log.Errorf("[IngestService] 撤销文档目录登记失败, doc: %s, error: %v", doc.DocumentID, err)
	}
}

// finish 根据处理结果更新目录。替换失败时旧分块仍在索引中，恢复原状态。
func (s *ingestService) finish(p *prepared, result *model.IngestResult, procErr error) {
	doc := p.doc
	if procErr != nil {
		if p.prevStatus == model.DocumentIndexed {
			doc.Status = model.DocumentIndexed
		} else {
			doc.Status = model.DocumentFailed
		}
	} else {
		doc.Status = model.DocumentIndexed
		doc.ChunkCount = result.ChunkCount
		doc.TokenEstimate = result.TokenEstimate
	}
	if err := s.docRepo.Save(doc); err != nil {
		log.Errorf("[IngestService] 更新文档目录状态失败, doc: %s, error: %v", doc.DocumentID, err)
	}
}

func (s *ingestService) Ingest(ctx context.Context, req model.IngestRequest) (*model.IngestResult, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := s.processor.Process(ctx, p.task)
	s.finish(p, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ingestService) IngestAsync(ctx context.Context, req model.IngestRequest) (*model.AsyncIngestResult, error) {
	if s.publisher == nil {
		return nil, fmt.Errorf("%w: async ingestion is not configured", model.ErrUnavailable)
	}
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	status := &model.IngestStatus{
		TaskID:     p.task.TaskID,
		DocumentID: p.task.DocumentID,
		UserID:     p.task.UserID,
		Status:     model.DocumentPending,
	}
	if err := s.statuses.Set(ctx, status); err != nil {
		log.Warnf("[IngestService] 记录任务状态失败, task: %s, error: %v", p.task.TaskID, err)
	}

	if err := s.publisher.Publish(ctx, p.task); err != nil {
		s.finish(p, nil, err)
		s.recordStatus(ctx, p.task, nil, err)
		return nil, err
	}
	log.Infof("[IngestService] 入库任务已投递, task: %s, doc: %s", p.task.TaskID, p.task.DocumentID)
	return &model.AsyncIngestResult{
		TaskID:     p.task.TaskID,
		DocumentID: p.task.DocumentID,
		Status:     model.DocumentPending,
		Message:    "Document accepted for ingestion.",
	}, nil
}

func (s *ingestService) HandleTask(ctx context.Context, task tasks.IngestTask) error {
	doc, err := s.docRepo.FindByOwner(task.UserID, task.DocumentID)
	if err != nil {
		s.recordStatus(ctx, task, nil, err)
		return err
	}
	p := &prepared{task: task, doc: doc}
	if task.Replace {
		// 替换任务失败时旧分块仍然有效。
		if snap := s.store.Snapshot(); snap.HasDocument(task.UserID, task.DocumentID) {
			p.prevStatus = model.DocumentIndexed
		}
	}

	result, err := s.processor.Process(ctx, task)
	s.finish(p, result, err)
	s.recordStatus(ctx, task, result, err)
	return err
}

func (s *ingestService) recordStatus(ctx context.Context, task tasks.IngestTask, result *model.IngestResult, procErr error) {
	status := &model.IngestStatus{
		TaskID:     task.TaskID,
		DocumentID: task.DocumentID,
		UserID:     task.UserID,
		Status:     model.DocumentIndexed,
	}
	if procErr != nil {
		status.Status = model.DocumentFailed
		status.Error = procErr.Error()
	} else if result != nil {
		status.ChunkCount = result.ChunkCount
		status.TokenEstimate = result.TokenEstimate
	}
	if err := s.statuses.Set(ctx, status); err != nil {
		log.Warnf("[IngestService] 记录任务状态失败, task: %s, error: %v", task.TaskID, err)
	}
}

// Status 只返回调用者自己的任务，其他用户的任务视为不存在。
func (s *ingestService) Status(ctx context.Context, userID, taskID string) (*model.IngestStatus, error) {
	status, err := s.statuses.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if status.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, taskID)
	}
	return status, nil
}

// Delete 原子地从索引中移除文档的全部分块，并删除目录记录与原始文件。
func (s *ingestService) Delete(ctx context.Context, userID, documentID string) error {
	if userID == "" || documentID == "" {
		return fmt.Errorf("%w: userId and documentId are required", model.ErrInvalidArgument)
	}

	doc, err := s.docRepo.FindByOwner(userID, documentID)
	if err != nil && !errors.Is(err, model.ErrDocumentNotFound) {
		return err
	}

	removed := 0
	if s.store.Snapshot().HasDocument(userID, documentID) {
		err := s.store.Apply(ctx, func(idx *index.Index) error {
			removed = idx.RemoveDocument(userID, documentID)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if doc == nil && removed == 0 {
		return fmt.Errorf("%w: %s", model.ErrDocumentNotFound, documentID)
	}

	if doc != nil {
		if err := s.docRepo.Delete(userID, documentID); err != nil && !errors.Is(err, model.ErrDocumentNotFound) {
			return err
		}
		if err := s.uploads.Delete(ctx, storage.ObjectKey(userID, documentID, doc.FileName)); err != nil {
			log.Warnf("[IngestService] 删除原始文件失败, doc: %s, error: %v", documentID, err)
		}
	}
	log.Infof("[IngestService] 文档已删除, user: %s, doc: %s, 移除分块: %d", userID, documentID, removed)
	return nil
}

func (s *ingestService) List(_ context.Context, userID string) ([]model.Document, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", model.ErrInvalidArgument)
	}
	return s.docRepo.ListByUser(userID)
}
