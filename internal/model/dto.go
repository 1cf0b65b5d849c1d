package model

import "time"

// IngestRequest 描述一次上传入库请求。
type IngestRequest struct {
	DocumentID  string
	UserID      string
	Title       string
	Notes       *string
	FileName    string
	ContentType string
	Data        []byte
	// Replace 为 true 时替换同一 document_id 的旧分块，否则重复 id 会被拒绝。
	Replace bool
}

// IngestResult 是入库成功后的响应体。
type IngestResult struct {
	DocumentID    string `json:"documentId"`
	ChunkCount    int    `json:"chunkCount"`
	TokenEstimate int    `json:"tokenEstimate"`
	Message       string `json:"message"`
}

// QueryRequest 是知识库问答的请求体。
type QueryRequest struct {
	Query  string `json:"query" binding:"required"`
	UserID string `json:"user_id"`
	TopK   int    `json:"top_k"`
}

// AnswerResult 是知识库问答的响应体。
type AnswerResult struct {
	Answer     string           `json:"answer"`
	Chunks     []RetrievedChunk `json:"chunks"`
	Citations  []Citation       `json:"citations"`
	TokensUsed *int             `json:"tokens_used,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// IngestStatus 记录一次异步入库任务的进度，保存在 Redis 中。
type IngestStatus struct {
	TaskID        string         `json:"taskId"`
	DocumentID    string         `json:"documentId"`
	UserID        string         `json:"userId"`
	Status        DocumentStatus `json:"status"`
	ChunkCount    int            `json:"chunkCount,omitempty"`
	TokenEstimate int            `json:"tokenEstimate,omitempty"`
	Error         string         `json:"error,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AsyncIngestResult 是异步上传被接受后的响应体。
type AsyncIngestResult struct {
	TaskID     string         `json:"taskId"`
	DocumentID string         `json:"documentId"`
	Status     DocumentStatus `json:"status"`
	Message    string         `json:"message"`
}
