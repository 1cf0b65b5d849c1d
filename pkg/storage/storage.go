// Package storage 保存原始上传文件，以便提取前落盘、失败后可重放。
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"travel-vault/internal/config"
)

// ErrObjectNotFound 表示指定 key 的对象不存在。
var ErrObjectNotFound = errors.New("object not found")

// UploadStore 是原始上传文件的持久化接口。
type UploadStore interface {
	// Put 保存 data 并返回可记录在元数据里的 source path。
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeKeyChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// ObjectKey 生成 <user>/<document>/<file name> 形式的 key。
// user 与 document 段使用 base64url 编码，不同的 (user, document) 一定落在不同目录下；
// 文件名只做清洗，仅用于可读性。
func ObjectKey(userID, documentID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" {
		base = "upload"
	}
	return keySegment(userID) + "/" + keySegment(documentID) + "/" + sanitize(base)
}

func keySegment(id string) string {
	if id == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// New 根据配置创建上传存储。
func New(ctx context.Context, cfg config.Config) (UploadStore, error) {
	switch cfg.Storage.Driver {
	case "", "local":
		return NewLocalStore(cfg.Storage.LocalDir)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
