// Package extractor 把上传的文件转换为 UTF-8 纯文本。
package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"travel-vault/internal/model"
	"travel-vault/pkg/log"
)

// Format 是为上传文件选定的解码器。
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatText Format = "text"
)

// Extractor 把原始上传字节转换为文本。
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType, fileName string) (string, error)
}

// Default 按 content type 与扩展名选择内置解码器。
type Default struct{}

func New() *Default {
	return &Default{}
}

// DetectFormat 选择上传文件的解码器。
func DetectFormat(contentType, fileName string) Format {
	ct := strings.ToLower(contentType)
	ext := strings.ToLower(filepath.Ext(fileName))
	switch {
	case strings.Contains(ct, "pdf") || ext == ".pdf":
		return FormatPDF
	case strings.Contains(ct, "wordprocessingml") || ext == ".docx":
		return FormatDOCX
	default:
		return FormatText
	}
}

// Extract 返回 data 的文本。只有解码器完全无法打开文件时才返回 model.ErrExtraction。
func (d *Default) Extract(ctx context.Context, data []byte, contentType, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch DetectFormat(contentType, fileName) {
	case FormatPDF:
		return extractPDF(data)
	case FormatDOCX:
		return extractDOCX(data)
	default:
		return strings.ToValidUTF8(string(data), "�"), nil
	}
}

// extractPDF 用换行拼接各页文本，无文本或无法渲染的页面记为空串。
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", model.ErrExtraction, err)
	}

	pages := reader.NumPage()
	segments := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		segments = append(segments, pageText(reader, i))
	}
	return strings.Join(segments, "\n"), nil
}

func pageText(reader *pdf.Reader, num int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("[Extractor] PDF 第 %d 页解析失败, 按空页处理: %v", num, r)
			text = ""
		}
	}()
	page := reader.Page(num)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		log.Warnf("[Extractor] PDF 第 %d 页无法提取文本, 按空页处理: %v", num, err)
		return ""
	}
	return text
}

// documentXML 对应 word/document.xml 中承载文本的部分。
type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

// extractDOCX 用换行拼接段落文本。
func extractDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", model.ErrExtraction, err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("%w: open word/document.xml: %v", model.ErrExtraction, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: read word/document.xml: %v", model.ErrExtraction, err)
		}

		var doc documentXML
		if err := xml.Unmarshal(content, &doc); err != nil {
			return "", fmt.Errorf("%w: parse word/document.xml: %v", model.ErrExtraction, err)
		}
		lines := make([]string, 0, len(doc.Body.Paragraphs))
		for _, para := range doc.Body.Paragraphs {
			var b strings.Builder
			for _, r := range para.Runs {
				for _, t := range r.Text {
					b.WriteString(t.Content)
				}
			}
			lines = append(lines, b.String())
		}
		return strings.Join(lines, "\n"), nil
	}
	return "", fmt.Errorf("%w: docx has no word/document.xml", model.ErrExtraction)
}
