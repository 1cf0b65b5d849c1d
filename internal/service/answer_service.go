package service

import (
	"context"
	"fmt"
	"strings"

	"travel-vault/internal/model"
	"travel-vault/pkg/llm"
	"travel-vault/pkg/log"
)

// DefaultNoDocumentsAnswer 是检索为空时返回的固定回答。
const DefaultNoDocumentsAnswer = "I don't have any documents in your Knowledge Vault yet. Please upload some travel guides or notes first!"

const systemPrompt = `You are a helpful travel assistant. Answer the user's question using only the context taken from their own Knowledge Vault documents.

Rules:
- Use only information from the context. If it does not contain the answer, say so.
- Reference sources with their tag, for example [Source 1].
- Be concise and practical.`

// AnswerService 接口定义了基于检索结果的问答。
type AnswerService interface {
	Answer(ctx context.Context, query, userID string, topK int) (*model.AnswerResult, error)
}

type answerService struct {
	retrieval         RetrievalService
	llmClient         llm.Client
	noDocumentsAnswer string
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(retrieval RetrievalService, llmClient llm.Client, noDocumentsAnswer string) AnswerService {
	if noDocumentsAnswer == "" {
		noDocumentsAnswer = DefaultNoDocumentsAnswer
	}
	return &answerService{
		retrieval:         retrieval,
		llmClient:         llmClient,
		noDocumentsAnswer: noDocumentsAnswer,
	}
}

// Answer 检索用户自己的分块并让模型仅依据这些分块作答。
// 检索为空时不调用模型；模型调用失败时返回降级回答而不是错误。
func (s *answerService) Answer(ctx context.Context, query, userID string, topK int) (*model.AnswerResult, error) {
	chunks, err := s.retrieval.Retrieve(ctx, query, userID, topK)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		log.Infof("[AnswerService] 用户 %s 没有可用文档, 返回固定回答", userID)
		return &model.AnswerResult{
			Answer:    s.noDocumentsAnswer,
			Chunks:    []model.RetrievedChunk{},
			Citations: []model.Citation{},
		}, nil
	}

	result := &model.AnswerResult{
		Chunks:    chunks,
		Citations: BuildCitations(chunks),
	}

	completion, err := s.llmClient.Complete(ctx, systemPrompt, buildUserPrompt(query, chunks))
	if err != nil {
		log.Warnf("[AnswerService] 生成回答失败, 返回降级回答: %v", err)
		result.Answer = fmt.Sprintf("Error generating answer: %v", err)
		result.Error = err.Error()
		return result, nil
	}

	result.Answer = completion.Text
	if completion.TotalTokens > 0 {
		tokens := completion.TotalTokens
		result.TokensUsed = &tokens
	}
	return result, nil
}

// BuildContext 按相关度顺序拼接分块，每段以 [Source N] 标注，N 从 1 开始。
func BuildContext(chunks []model.RetrievedChunk) string {
	parts := make([]string, len(chunks))
	for i, ch := range chunks {
		parts[i] = fmt.Sprintf("[Source %d] %s", i+1, ch.Text)
	}
	return strings.Join(parts, "\n\n")
}

func buildUserPrompt(query string, chunks []model.RetrievedChunk) string {
	return fmt.Sprintf("Context from the user's documents:\n%s\n\nQuestion: %s\n\nAnswer using only the context above and include [Source N] citations.",
		BuildContext(chunks), query)
}

// BuildCitations 按 (document_id, title) 去重，保持首次出现的顺序。
func BuildCitations(chunks []model.RetrievedChunk) []model.Citation {
	seen := make(map[model.Citation]struct{}, len(chunks))
	citations := make([]model.Citation, 0, len(chunks))
	for _, ch := range chunks {
		c := model.Citation{Title: ch.Title, DocumentID: ch.DocumentID}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		citations = append(citations, c)
	}
	return citations
}
