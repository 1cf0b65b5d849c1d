// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"travel-vault/internal/middleware"
	"travel-vault/internal/model"
	"travel-vault/internal/service"
	"travel-vault/pkg/log"
)

// VaultHandler 负责处理知识库的上传、问答与管理请求。
type VaultHandler struct {
	ingestService service.IngestService
	answerService service.AnswerService
	maxUploadSize int64
}

// NewVaultHandler 创建一个新的 VaultHandler 实例。maxUploadMB <= 0 表示不限制。
func NewVaultHandler(ingestService service.IngestService, answerService service.AnswerService, maxUploadMB int64) *VaultHandler {
	return &VaultHandler{
		ingestService: ingestService,
		answerService: answerService,
		maxUploadSize: maxUploadMB << 20,
	}
}

// Upload 处理同步入库：保存文件、提取、分块、向量化并写入索引后才返回。
func (h *VaultHandler) Upload(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
		return
	}
	log.Infof("[VaultHandler] 收到上传请求, user: %s, doc: %s, file: %s, size: %d",
		req.UserID, req.DocumentID, req.FileName, len(req.Data))

	result, err := h.ingestService.Ingest(c.Request.Context(), req)
	if err != nil {
		writeError(c, "Vault ingestion failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UploadAsync 保存文件并投递入库任务，立即返回任务 id。
func (h *VaultHandler) UploadAsync(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
		return
	}
	log.Infof("[VaultHandler] 收到异步上传请求, user: %s, doc: %s, file: %s",
		req.UserID, req.DocumentID, req.FileName)

	result, err := h.ingestService.IngestAsync(c.Request.Context(), req)
	if err != nil {
		writeError(c, "Vault ingestion failed", err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// bindUpload 解析 multipart 表单。失败时已写入响应。
func (h *VaultHandler) bindUpload(c *gin.Context) (model.IngestRequest, bool) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file is too large"})
			return model.IngestRequest{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return model.IngestRequest{}, false
	}

	var replace bool
	if raw := c.PostForm("replace"); raw != "" {
		replace, err = strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "replace must be a boolean"})
			return model.IngestRequest{}, false
		}
	}

	userID, ok := callerID(c, c.PostForm("userId"))
	if !ok {
		return model.IngestRequest{}, false
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传的文件"})
		return model.IngestRequest{}, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		log.Errorf("[VaultHandler] 读取上传文件失败: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传的文件"})
		return model.IngestRequest{}, false
	}

	req := model.IngestRequest{
		DocumentID:  strings.TrimSpace(c.PostForm("documentId")),
		UserID:      userID,
		Title:       strings.TrimSpace(c.PostForm("title")),
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
		Replace:     replace,
	}
	if notes, present := c.GetPostForm("notes"); present && notes != "" {
		req.Notes = &notes
	}
	return req, true
}

// Query 处理知识库问答请求。
func (h *VaultHandler) Query(c *gin.Context) {
	var req model.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	userID, ok := callerID(c, req.UserID)
	if !ok {
		return
	}
	log.Infof("[VaultHandler] 收到问答请求, user: %s, topK: %d", userID, req.TopK)

	result, err := h.answerService.Answer(c.Request.Context(), req.Query, userID, req.TopK)
	if err != nil {
		writeError(c, "Query failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// TaskStatus 查询异步入库任务的状态。
func (h *VaultHandler) TaskStatus(c *gin.Context) {
	userID, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}
	status, err := h.ingestService.Status(c.Request.Context(), userID, c.Param("taskId"))
	if err != nil {
		writeError(c, "Task lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": status, "message": "success"})
}

// ListDocuments 列出调用者的文档目录。
func (h *VaultHandler) ListDocuments(c *gin.Context) {
	userID, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}
	docs, err := h.ingestService.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, "List documents failed", err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": docs, "message": "success"})
}

// DeleteDocument 从索引与目录中删除调用者的一个文档。
func (h *VaultHandler) DeleteDocument(c *gin.Context) {
	userID, ok := callerID(c, c.Query("userId"))
	if !ok {
		return
	}
	documentID := c.Param("documentId")
	if err := h.ingestService.Delete(c.Request.Context(), userID, documentID); err != nil {
		writeError(c, "Delete document failed", err)
		return
	}
	log.Infof("[VaultHandler] 文档删除成功, user: %s, doc: %s", userID, documentID)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文档删除成功"})
}

// callerID 决定请求所属用户。启用认证时以 token 中的用户为准，
// 请求里显式给出的其他用户会被拒绝。
func callerID(c *gin.Context, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	authed := c.GetString(middleware.ContextUserIDKey)
	if authed == "" {
		return requested, true
	}
	if requested != "" && requested != authed {
		log.Warnf("[VaultHandler] 请求的 userId 与认证用户不一致, token: %s, request: %s", authed, requested)
		c.JSON(http.StatusForbidden, gin.H{"error": "userId does not match the authenticated user"})
		return "", false
	}
	return authed, true
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrExtraction),
		errors.Is(err, model.ErrEmptyInput),
		errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateDocument):
		return http.StatusConflict
	case errors.Is(err, model.ErrDocumentNotFound), errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 写入错误响应。500 只返回概要信息，细节记录在日志里。
func writeError(c *gin.Context, summary string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorf("[VaultHandler] %s: %v", summary, err)
		c.JSON(status, gin.H{"error": summary + "."})
		return
	}
	log.Warnf("[VaultHandler] %s (%d): %v", summary, status, err)
	c.JSON(status, gin.H{"error": err.Error()})
}
