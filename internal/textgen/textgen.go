// ABOUTME: Generator interface and the OpenAI chat completion implementation
// ABOUTME: Nop generator always reports ErrUnavailable so callers use templates

package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
	DefaultTimeout     = 15 * time.Second
)

var (
	// ErrUnavailable means no generator is configured.
	ErrUnavailable = errors.New("text generation unavailable")
	// ErrEmptyReply means the provider answered with no text.
	ErrEmptyReply = errors.New("text generation returned no content")
)

// Turn is one earlier exchange, oldest first in Request.History.
type Turn struct {
	User      string
	Assistant string
}

// Request is everything a generator needs for one reply.
type Request struct {
	SystemPrompt string
	History      []Turn
	Message      string
}

// Generator produces a single reply text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Nop never generates.
type Nop struct{}

// Generate always returns ErrUnavailable.
func (Nop) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// ChatClient is the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures an OpenAI generator.
type OpenAIConfig struct {
	Client      ChatClient
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Logger      *slog.Logger
}

// OpenAI generates replies with the Chat Completions API.
type OpenAI struct {
	client      ChatClient
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOpenAI builds a generator over cfg.Client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Client == nil {
		return nil, errors.New("openai client is required")
	}
	g := &OpenAI{
		client:      cfg.Client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.temperature == 0 {
		g.temperature = DefaultTemperature
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "textgen")
	return g, nil
}

// NewOpenAIFromKey builds a generator with the default go-openai HTTP client.
func NewOpenAIFromKey(apiKey string, cfg OpenAIConfig) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg.Client = openai.NewClient(apiKey)
	return NewOpenAI(cfg)
}

// Messages flattens a request into chat messages: system prompt, each
// history pair, then the current message.
func Messages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(req.History))
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Assistant},
		)
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
}

// Generate asks the model for a reply and returns its trimmed text.
func (g *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    Messages(req),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		g.logger.Warn("chat completion failed", "model", g.model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	g.logger.Debug("generated reply",
		"model", g.model,
		"tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
