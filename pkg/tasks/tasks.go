// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// IngestTask 描述一次待处理的入库任务。原始文件已保存在上传存储中，
// 任务只携带定位信息与元数据。
type IngestTask struct {
	TaskID      string    `json:"task_id"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Notes       *string   `json:"notes,omitempty"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	ObjectKey   string    `json:"object_key"`
	SourcePath  string    `json:"source_path"`
	Replace     bool      `json:"replace"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewTaskID returns a random task id.
func NewTaskID() string {
	return uuid.NewString()
}
