// Package model 定义了知识库的数据模型。
package model

import "time"

// DocumentStatus 记录文档在入库流程中的状态。
type DocumentStatus string

const (
	DocumentPending DocumentStatus = "pending"
	DocumentIndexed DocumentStatus = "indexed"
	DocumentFailed  DocumentStatus = "failed"
)

// Document 对应 vault_documents 表，是用户上传文档的目录记录。
// (user_id, document_id) 唯一。
type Document struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID        string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_owner_doc" json:"documentId"`
	UserID            string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_owner_doc" json:"userId"`
	Title             string         `gorm:"type:varchar(255);not null" json:"title"`
	Notes             *string        `gorm:"type:text" json:"notes,omitempty"`
	FileName          string         `gorm:"type:varchar(255)" json:"fileName"`
	SourceContentType string         `gorm:"type:varchar(255)" json:"sourceContentType"`
	SourcePath        string         `gorm:"type:varchar(512)" json:"sourcePath"`
	ChunkCount        int            `gorm:"not null;default:0" json:"chunkCount"`
	TokenEstimate     int            `gorm:"not null;default:0" json:"tokenEstimate"`
	Status            DocumentStatus `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "vault_documents"
}

// Chunk 是文档文本中的一个片段。Start/End 是其在提取文本中的 rune 偏移。
type Chunk struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// EntryMetadata 是随向量一起保存的元数据。
type EntryMetadata struct {
	DocumentID string  `json:"document_id"`
	UserID     string  `json:"user_id"`
	ChunkIndex int     `json:"chunk_index"`
	Title      string  `json:"title"`
	Notes      *string `json:"notes,omitempty"`
	SourcePath string  `json:"source_path"`
	Text       string  `json:"text"`
}

// IndexEntry 是向量索引中存储的最小单元。
type IndexEntry struct {
	Vector   []float32
	Metadata EntryMetadata
}

// RetrievedChunk 是一次查询命中的分块，Score 为平方 L2 距离，越小越相关。
type RetrievedChunk struct {
	Text           string  `json:"text"`
	Title          string  `json:"title"`
	DocumentID     string  `json:"document_id"`
	ChunkIndex     int     `json:"chunk_index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Citation 标识一个为答案提供依据的来源文档。
type Citation struct {
	Title      string `json:"title"`
	DocumentID string `json:"document_id"`
}
