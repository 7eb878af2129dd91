package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/easeaico/persona-chat/internal/agent"
	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/config"
	"github.com/easeaico/persona-chat/internal/memory"
	"github.com/easeaico/persona-chat/internal/models"
	"github.com/easeaico/persona-chat/internal/storage"
	"github.com/easeaico/persona-chat/internal/storage/sqlite"
)

// buildBot wires storage, embeddings, memory and the model into a ChatBot.
// The returned cleanup closes the database.
func buildBot(ctx context.Context, cfg config.Config, characters *character.Registry, characterID string) (*agent.ChatBot, func(), error) {
	llm, err := models.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var embedder memory.Embedder
	if cfg.SemanticIndexEnabled() {
		embedder = memory.NewLazyEmbedder(func() (memory.Embedder, error) {
			return memory.NewGenAIEmbedder(context.WithoutCancel(ctx), cfg.GoogleAPIKey, cfg.EmbeddingModel, cfg.EmbeddingRPS)
		})
	} else {
		slog.Info("GOOGLE_API_KEY not set, semantic memory disabled")
	}

	var (
		sessions agent.SessionStore
		index    memory.SemanticIndex
		cleanup  func()
	)
	if cfg.DatabaseURL != "" {
		store, err := storage.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sessions = store.Sessions
		if embedder != nil {
			index = storage.NewSemanticIndex(store.DB(), embedder)
		}
		cleanup = store.Close
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		sessions = store
		if embedder != nil {
			index = sqlite.NewSemanticIndex(store, embedder)
		}
		cleanup = func() { _ = store.Close() }
	}

	bot, err := agent.New(ctx, agent.Deps{
		LLM:        llm,
		Characters: characters,
		Store:      sessions,
		Resolver:   memory.NewResolver(characters, index, cfg.MemoryTopK, cfg.RelevanceThreshold),
		Summarizer: memory.NewSummarizer(llm, sessions, index, memory.SummarizerConfig{
			Interval:    cfg.SummaryInterval,
			Temperature: cfg.SummaryTemperature,
			MaxTokens:   cfg.SummaryMaxTokens,
		}),
		Index:       index,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, characterID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return bot, func() {
		bot.Wait()
		cleanup()
	}, nil
}
