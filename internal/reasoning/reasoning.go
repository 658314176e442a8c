// Package reasoning 提供对大模型推理服务的同步调用封装。
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable 表示未配置推理服务。
	ErrUnavailable = errors.New("reasoning engine unavailable")
	// ErrMalformedResponse 表示推理服务返回了空内容或不符合约定的 JSON。
	ErrMalformedResponse = errors.New("reasoning engine returned a malformed response")
)

// Engine 是风险评估与修复建议依赖的推理能力。
type Engine interface {
	// Complete 返回自由文本，调用方只能把它当作不透明的叙述。
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteJSON 要求服务返回 JSON 对象并解码到 out。
	CompleteJSON(ctx context.Context, prompt string, out any) error
}

const systemPrompt = "You are a network security analyst. Answer concisely and only from the data provided."

// Options 控制 OpenAI 兼容客户端。
type Options struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	RateLimit float64
}

// OpenAI 通过 OpenAI 兼容接口实现 Engine，带每次调用超时与全局限速。
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewOpenAI 创建客户端。未提供 APIKey 时返回 ErrUnavailable。
func NewOpenAI(opts Options) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrUnavailable
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: opts.Timeout,
		limiter: limiter,
	}, nil
}

// Model 返回使用的模型名称。
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	return o.call(ctx, prompt, false)
}

func (o *OpenAI) CompleteJSON(ctx context.Context, prompt string, out any) error {
	text, err := o.call(ctx, prompt, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (o *OpenAI) call(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("reasoning rate limit: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("reasoning request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return content, nil
}
