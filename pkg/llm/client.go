// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"travel-vault/internal/config"
	"travel-vault/internal/model"
	"travel-vault/pkg/log"
)

// Client defines the interface for an LLM client.
type Client interface {
	// Complete 以 system + user 两条消息调用聊天接口，返回完整回答。
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// Completion 是一次非流式调用的结果。TotalTokens 为 0 表示服务端未返回用量。
type Completion struct {
	Text        string
	TotalTokens int
}

type chatClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new OpenAI-compatible chat client. httpClient may be nil.
func NewClient(cfg config.LLMConfig, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &chatClient{cfg: cfg, client: httpClient}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *chatClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	// 从全局配置注入（若非零值）
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}

	start := time.Now()
	completion, err := c.call(ctx, reqBody)
	if err != nil {
		log.Errorf("[LLMClient] 调用 Chat API 失败, model: %s, error: %v", c.cfg.Model, err)
		return nil, model.ClassifyCallError("generation", err)
	}
	log.Infof("[LLMClient] 生成完成, tokens: %d, 耗时: %s", completion.TotalTokens, time.Since(start))
	return completion, nil
}

func (c *chatClient) call(ctx context.Context, reqBody chatRequest) (*Completion, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat api returned no choices")
	}

	completion := &Completion{Text: out.Choices[0].Message.Content}
	if out.Usage != nil {
		completion.TotalTokens = out.Usage.TotalTokens
	}
	return completion, nil
}
