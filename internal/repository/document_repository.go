// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"

	"travel-vault/internal/model"
)

// DocumentRepository 是文档目录（vault_documents）的持久化接口。
type DocumentRepository interface {
	// Create 新建记录，(user_id, document_id) 已存在时返回 model.ErrDuplicateDocument。
	Create(doc *model.Document) error
	FindByOwner(userID, documentID string) (*model.Document, error)
	Save(doc *model.Document) error
	Delete(userID, documentID string) error
	ListByUser(userID string) ([]model.Document, error)
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(doc *model.Document) error {
	err := r.db.Create(doc).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return model.ErrDuplicateDocument
	}
	return err
}

func (r *documentRepository) FindByOwner(userID, documentID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND document_id = ?", userID, documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) Save(doc *model.Document) error {
	return r.db.Save(doc).Error
}

func (r *documentRepository) Delete(userID, documentID string) error {
	res := r.db.Where("user_id = ? AND document_id = ?", userID, documentID).Delete(&model.Document{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

func (r *documentRepository) ListByUser(userID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&docs).Error
	return docs, err
}

// memoryDocumentRepository 在未配置 MySQL 时使用，进程重启后丢失。
type memoryDocumentRepository struct {
	mu     sync.RWMutex
	nextID uint
	docs   map[string]model.Document
}

// NewMemoryDocumentRepository 创建进程内的文档目录。
func NewMemoryDocumentRepository() DocumentRepository {
	return &memoryDocumentRepository{docs: make(map[string]model.Document)}
}

func ownerKey(userID, documentID string) string {
	return userID + "\x00" + documentID
}

func (r *memoryDocumentRepository) Create(doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ownerKey(doc.UserID, doc.DocumentID)
	if _, ok := r.docs[key]; ok {
		return model.ErrDuplicateDocument
	}
	r.nextID++
	doc.ID = r.nextID
	now := timeNow()
	doc.CreatedAt, doc.UpdatedAt = now, now
	r.docs[key] = *doc
	return nil
}

func (r *memoryDocumentRepository) FindByOwner(userID, documentID string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[ownerKey(userID, documentID)]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	return &doc, nil
}

func (r *memoryDocumentRepository) Save(doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ownerKey(doc.UserID, doc.DocumentID)
	if doc.ID == 0 {
		r.nextID++
		doc.ID = r.nextID
		doc.CreatedAt = timeNow()
	}
	doc.UpdatedAt = timeNow()
	r.docs[key] = *doc
	return nil
}

func (r *memoryDocumentRepository) Delete(userID, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ownerKey(userID, documentID)
	if _, ok := r.docs[key]; !ok {
		return model.ErrDocumentNotFound
	}
	delete(r.docs, key)
	return nil
}

func (r *memoryDocumentRepository) ListByUser(userID string) ([]model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Document
	for _, doc := range r.docs {
		if doc.UserID == userID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
