package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/easeaico/persona-chat/internal/config"
	"github.com/easeaico/persona-chat/internal/types"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty model response")

// BreakerSettings 控制模型调用熔断。
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	HalfOpenMax uint32
}

// DefaultBreakerSettings trips after 3 consecutive failures and probes again after 30s.
var DefaultBreakerSettings = BreakerSettings{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMax: 2}

// ChatClient sends an ordered message list to a model and returns the reply text.
// It never retries; an open breaker fails fast.
type ChatClient struct {
	llm     model.LLM
	breaker *gobreaker.CircuitBreaker
	// Gemini rejects system turns inside contents.
	systemAsInstruction bool
}

// NewChatClient wraps an ADK model.
func NewChatClient(llm model.LLM, systemAsInstruction bool, settings BreakerSettings) *ChatClient {
	if settings.MaxFailures == 0 {
		settings = DefaultBreakerSettings
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        llm.Name(),
		MaxRequests: settings.HalfOpenMax,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("model circuit breaker state changed", "model", name, "from", from.String(), "to", to.String())
		},
	})
	return &ChatClient{llm: llm, breaker: breaker, systemAsInstruction: systemAsInstruction}
}

// New builds the ChatClient for the configured provider.
func New(ctx context.Context, cfg config.Config) (*ChatClient, error) {
	clientCfg := &genai.ClientConfig{APIKey: cfg.LLMAPIKey}

	var (
		llm                 model.LLM
		err                 error
		systemAsInstruction bool
	)
	switch cfg.LLMProvider {
	case "grok":
		llm, err = NewGrokModel(ctx, cfg.ChatModel, clientCfg)
	case "openrouter":
		llm, err = NewOpenRouterModel(ctx, cfg.ChatModel, clientCfg)
	case "gemini":
		llm, err = NewGeminiModel(ctx, cfg.ChatModel, clientCfg)
		systemAsInstruction = true
	default:
		llm, err = NewOpenAIModel(ctx, cfg.ChatModel, clientCfg, cfg.LLMBaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.LLMProvider, err)
	}
	return NewChatClient(llm, systemAsInstruction, DefaultBreakerSettings), nil
}

func (c *ChatClient) Name() string {
	return c.llm.Name()
}

// Send implements the language-model contract used by the chat core.
// maxTokens <= 0 leaves the provider default.
func (c *ChatClient) Send(ctx context.Context, messages []types.Message, temperature float64, maxTokens int) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to send")
	}
	req := c.buildRequest(messages, temperature, maxTokens)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("model %s temporarily unavailable: %w", c.llm.Name(), err)
		}
		return "", err
	}
	return out.(string), nil
}

func (c *ChatClient) generate(ctx context.Context, req *model.LLMRequest) (string, error) {
	var sb strings.Builder
	for resp, err := range c.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		if resp == nil || resp.Partial {
			continue
		}
		sb.WriteString(contentText(resp.Content))
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *ChatClient) buildRequest(messages []types.Message, temperature float64, maxTokens int) *model.LLMRequest {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	var instruction []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if !c.systemAsInstruction {
				contents = append(contents, genai.NewContentFromText(msg.Content, "system"))
			} else if len(contents) == 0 {
				instruction = append(instruction, genai.NewPartFromText(msg.Content))
			} else {
				contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
			}
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(instruction) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: instruction}
	}

	return &model.LLMRequest{
		Model:    c.llm.Name(),
		Contents: contents,
		Config:   cfg,
	}
}
