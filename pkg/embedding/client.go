// Package embedding 提供把文本转换为向量的客户端。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"travel-vault/internal/config"
	"travel-vault/internal/model"
	"travel-vault/pkg/log"
)

// Embedder 把文本映射为固定维度的向量，实现必须并发安全。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewClient 根据配置中的 provider 创建 Embedder。
func NewClient(cfg config.EmbeddingConfig) Embedder {
	switch strings.ToLower(cfg.Provider) {
	case "hash":
		return NewHashEmbedder(cfg.Dimensions)
	default:
		return NewOpenAIClient(cfg, nil)
	}
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIClient 创建兼容 OpenAI /embeddings 接口的客户端，httpClient 可为 nil。
func NewOpenAIClient(cfg config.EmbeddingConfig, httpClient *http.Client) Embedder {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &openAICompatibleClient{cfg: cfg, client: httpClient}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed 在配置的超时内调用接口。超时返回 model.ErrTimeout，其他失败返回 model.ErrProvider。
func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, model.ClassifyCallError("embedding rate limit", err)
		}
	}

	start := time.Now()
	vec, err := c.call(ctx, text)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, model: %s, error: %v", c.cfg.Model, err)
		return nil, model.ClassifyCallError("embedding", err)
	}
	log.Infof("[EmbeddingClient] 成功获取向量, 维度: %d, input_len: %d, 耗时: %s", len(vec), len(text), time.Since(start))
	return vec, nil
}

func (c *openAICompatibleClient) call(ctx context.Context, text string) ([]float32, error) {
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding api returned non-200 status: %s, body: %s", resp.Status, string(body))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from api")
	}
	return embeddingResp.Data[0].Embedding, nil
}
