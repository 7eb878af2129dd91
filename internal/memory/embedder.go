// Package memory 实现角色记忆检索与对话摘要。
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Embedder 负责将文本转换为向量表示。
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingDimensions is the vector size stored by the semantic indexes.
const EmbeddingDimensions = 768

const (
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

type GenAIEmbedder struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	vectors *cache.Cache
}

// NewGenAIEmbedder 创建 GenAI 的向量化实现，rps 限制每秒请求数。
func NewGenAIEmbedder(ctx context.Context, apiKey, modelName string, rps float64) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is required for embeddings")
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	if rps <= 0 {
		rps = 5
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEmbedder{
		client:  client,
		model:   modelName,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		vectors: cache.New(10*time.Minute, 20*time.Minute),
	}, nil
}

func (e *GenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, taskRetrievalQuery)
}

func (e *GenAIEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, taskRetrievalDocument)
}

func (e *GenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.EmbedDocument(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vec)
	}
	return results, nil
}

func (e *GenAIEmbedder) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	key := taskType + "\x00" + text
	if cached, ok := e.vectors.Get(key); ok {
		return cached.([]float32), nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for embedding rate limit: %w", err)
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: genai.Ptr[int32](EmbeddingDimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("empty embedding response")
	}
	values := resp.Embeddings[0].Values
	if len(values) > EmbeddingDimensions {
		slog.Warn("embedding dimensions exceed target, truncating", "actual", len(values), "target", EmbeddingDimensions, "model", e.model)
		values = values[:EmbeddingDimensions]
	}
	if len(values) != EmbeddingDimensions {
		return nil, fmt.Errorf("embedding dimensions mismatch: got %d want %d", len(values), EmbeddingDimensions)
	}

	e.vectors.SetDefault(key, values)
	return values, nil
}

// LazyEmbedder 在首次使用时才创建底层 Embedder，并发的首次调用只会初始化一次。
// 初始化失败后保持失败状态，语义检索随之降级。
type LazyEmbedder struct {
	load func() (Embedder, error)
}

// NewLazyEmbedder 包装一个 Embedder 构造函数。
func NewLazyEmbedder(init func() (Embedder, error)) *LazyEmbedder {
	return &LazyEmbedder{
		load: sync.OnceValues(func() (Embedder, error) {
			e, err := init()
			if err != nil {
				slog.Error("failed to initialize embedder", "error", err.Error())
				return nil, err
			}
			return e, nil
		}),
	}
}

func (l *LazyEmbedder) get() (Embedder, error) {
	e, err := l.load()
	if err != nil {
		return nil, fmt.Errorf("embedder unavailable: %w", err)
	}
	return e, nil
}

func (l *LazyEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.EmbedQuery(ctx, text)
}

func (l *LazyEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.EmbedDocument(ctx, text)
}

func (l *LazyEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.EmbedDocuments(ctx, texts)
}
