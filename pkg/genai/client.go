// Package genai provides a client for structured study-content generation.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"remevi-go/internal/config"
	"remevi-go/pkg/log"
	"strings"
)

// Flashcard 是一张正反面卡片。
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// MCQ 是一道单选题。
type MCQ struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
}

// FRQ 是一道简答题。
type FRQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// StudyContentResult 是单个分块的生成结果。
type StudyContentResult struct {
	Summary    string      `json:"summary"`
	Flashcards []Flashcard `json:"flashcards"`
	MCQs       []MCQ       `json:"mcqs"`
	FRQs       []FRQ       `json:"frqs"`
	Category   string      `json:"category"`
}

// IsEmpty 判断结果是否退化：三类题目全部为空即视为生成失败。
func (r *StudyContentResult) IsEmpty() bool {
	return len(r.Flashcards) == 0 && len(r.MCQs) == 0 && len(r.FRQs) == 0
}

// MindMapNode 是概念图中的一个节点。
type MindMapNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MindMapConnection 是概念图中的一条连线。
type MindMapConnection struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// MindMapResult 是富化阶段的生成结果。
type MindMapResult struct {
	Nodes       []MindMapNode       `json:"nodes"`
	Connections []MindMapConnection `json:"connections"`
	Category    string              `json:"category"`
}

// Client defines the interface for a generation client.
// 流水线通过该接口调用外部生成能力，测试中可注入确定性的假实现。
type Client interface {
	// GenerateStudyContent 基于分块文本与难度提示生成学习内容。
	GenerateStudyContent(ctx context.Context, text, difficultyPrompt, model string) (*StudyContentResult, error)
	// GenerateMindMap 基于全部已生成内容构建概念图。
	GenerateMindMap(ctx context.Context, content, model string) (*MindMapResult, error)
}

type openAICompatibleClient struct {
	cfg    config.AIConfig
	client *http.Client
}

// NewClient creates a new generation client based on the provider in the config.
func NewClient(cfg config.AIConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateStudyContent 调用 OpenAI 兼容接口生成结构化学习内容。
func (c *openAICompatibleClient) GenerateStudyContent(ctx context.Context, text, difficultyPrompt, model string) (*StudyContentResult, error) {
	content, err := c.complete(ctx, model, chunkSystemPrompt, buildChunkUserPrompt(difficultyPrompt, text))
	if err != nil {
		return nil, err
	}

	var result StudyContentResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("解析生成结果 JSON 失败: %w", err)
	}
	log.Infof("[GenAI] 生成完成: flashcards=%d, mcqs=%d, frqs=%d",
		len(result.Flashcards), len(result.MCQs), len(result.FRQs))
	return &result, nil
}

// GenerateMindMap 调用 OpenAI 兼容接口生成概念图。
func (c *openAICompatibleClient) GenerateMindMap(ctx context.Context, content, model string) (*MindMapResult, error) {
	raw, err := c.complete(ctx, model, mindMapSystemPrompt, buildMindMapUserPrompt(content))
	if err != nil {
		return nil, err
	}

	var result MindMapResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("解析概念图 JSON 失败: %w", err)
	}
	log.Infof("[GenAI] 概念图生成完成: nodes=%d, connections=%d", len(result.Nodes), len(result.Connections))
	return &result, nil
}

// complete 发送一次非流式 chat completion 请求并返回首个 choice 的内容。
func (c *openAICompatibleClient) complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if model == "" {
		model = c.cfg.Model
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	// 从全局配置注入生成参数（若非零值）
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

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	// 部分模型会把 JSON 包在 Markdown 代码块里，这里统一剥掉
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content), nil
}
