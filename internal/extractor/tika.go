package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"travel-vault/internal/config"
	"travel-vault/internal/model"
	"travel-vault/pkg/log"
)

// tikaExtensions 是内置解码器不认识、交给 Tika 的文件类型。
var tikaExtensions = map[string]bool{
	".doc":  true,
	".ppt":  true,
	".pptx": true,
	".xls":  true,
	".xlsx": true,
	".odt":  true,
	".rtf":  true,
	".epub": true,
	".html": true,
	".htm":  true,
}

// Tika 把 Office 等格式交给 Apache Tika 服务器提取，其余格式交给 fallback。
type Tika struct {
	serverURL string
	timeout   time.Duration
	client    *http.Client
	fallback  Extractor
}

// NewTika 创建一个新的 Tika 提取器。
func NewTika(cfg config.TikaConfig, fallback Extractor) *Tika {
	if fallback == nil {
		fallback = New()
	}
	return &Tika{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		timeout:   cfg.Timeout,
		client:    &http.Client{},
		fallback:  fallback,
	}
}

func (t *Tika) Extract(ctx context.Context, data []byte, contentType, fileName string) (string, error) {
	if !tikaExtensions[strings.ToLower(filepath.Ext(fileName))] {
		return t.fallback.Extract(ctx, data, contentType, fileName)
	}
	text, err := t.extractText(ctx, data, fileName)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Errorf("[Extractor] Tika 提取失败, file: %s, error: %v", fileName, err)
		return "", fmt.Errorf("%w: %v", model.ErrExtraction, err)
	}
	return strings.ToValidUTF8(text, "�"), nil
}

// extractText 根据文件后缀推断 MIME 类型，并调用 Tika 提取文本。
func (t *Tika) extractText(ctx context.Context, data []byte, fileName string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", detectMimeType(fileName))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return buf.String(), nil
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(fileName)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
