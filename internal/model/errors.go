package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrExtraction 表示解码器无法打开上传的文件。
	ErrExtraction = errors.New("text extraction failed")

	// ErrEmptyInput 表示没有可提取或可切分的文本。
	ErrEmptyInput = errors.New("no extractable text")

	// ErrDimensionMismatch 与所有 *DimensionMismatchError 匹配。
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorruptIndex 表示持久化的索引无法解码或内容不一致。
	ErrCorruptIndex = errors.New("vector index is corrupt")

	// ErrTimeout 表示外部调用超时。
	ErrTimeout = errors.New("external call timed out")

	// ErrProvider 表示向量化或生成调用因其他原因失败。
	ErrProvider = errors.New("provider call failed")

	// ErrDuplicateDocument 表示未指定 replace 时重复入库同一文档。
	ErrDuplicateDocument = errors.New("document already ingested")

	ErrDocumentNotFound = errors.New("document not found")
	ErrTaskNotFound     = errors.New("ingest task not found")
	ErrInvalidArgument  = errors.New("invalid argument")

	// ErrUnavailable 表示可选的后端（如异步队列）未配置或已停止。
	ErrUnavailable = errors.New("service unavailable")
)

// DimensionMismatchError 表示向量维度与索引维度不一致。
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// ClassifyCallError 把失败的向量化或生成调用归类为 ErrTimeout 或 ErrProvider。
// 调用方主动取消时原样返回。
func ClassifyCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProvider) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProvider, err)
}
