// Package agent 编排一轮对话：记忆提示、提示词组装、模型调用与摘要。
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/conversation"
	"github.com/easeaico/persona-chat/internal/memory"
	"github.com/easeaico/persona-chat/internal/prompt"
	"github.com/easeaico/persona-chat/internal/types"
)

var (
	// ErrModelCall wraps any failure of the language model during a turn.
	ErrModelCall = errors.New("chat error")
	// ErrActiveSession is returned when deleting the session currently in use.
	ErrActiveSession = errors.New("cannot delete the active session")
)

// LLM is the language-model collaborator.
type LLM interface {
	Send(ctx context.Context, messages []types.Message, temperature float64, maxTokens int) (string, error)
}

// SessionStore is everything the chat bot needs from durable storage.
type SessionStore interface {
	conversation.SessionStore
	memory.SummaryStore
	GetSession(ctx context.Context, sessionID int64) (*types.SessionInfo, error)
	ListRecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID int64) (bool, error)
}

// Deps wires a ChatBot. Resolver, Summarizer and Index are optional.
type Deps struct {
	LLM         LLM
	Characters  memory.ProfileSource
	Store       SessionStore
	Resolver    *memory.Resolver
	Summarizer  *memory.Summarizer
	Index       memory.SemanticIndex
	Temperature float64
	MaxTokens   int
}

// ChatBot runs one conversation at a time; turns are processed strictly one after another.
type ChatBot struct {
	deps Deps

	mu      sync.Mutex
	profile *character.Profile
	state   *conversation.State

	background sync.WaitGroup
}

// New creates a ChatBot and loads characterID into a fresh session.
func New(ctx context.Context, deps Deps, characterID string) (*ChatBot, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm is required")
	}
	if deps.Characters == nil {
		return nil, fmt.Errorf("character source is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	b := &ChatBot{deps: deps}
	if err := b.LoadCharacter(ctx, characterID); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadCharacter switches to characterID with a new conversation and session.
func (b *ChatBot) LoadCharacter(ctx context.Context, characterID string) error {
	profile, err := b.deps.Characters.Get(characterID)
	if err != nil {
		return err
	}
	systemPrompt, err := prompt.BuildSystemPrompt(profile)
	if err != nil {
		return fmt.Errorf("failed to build system prompt for %s: %w", characterID, err)
	}
	state, err := conversation.New(ctx, b.deps.Store, profile.ID, systemPrompt)
	if err != nil {
		return err
	}
	b.ensureImported(ctx, profile)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.profile = profile
	b.state = state
	slog.Info("character loaded", "character_id", profile.ID, "session_id", state.SessionID())
	return nil
}

// Chat processes one user turn and returns the reply. Empty input is a no-op.
func (b *ChatBot) Chat(ctx context.Context, userText string) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	defer state.ClearContextHints()

	if b.deps.Resolver != nil {
		hints, err := b.deps.Resolver.Resolve(ctx, userText, state.CharacterID())
		if err != nil {
			slog.Warn("failed to resolve memories", "error", err.Error(), "character_id", state.CharacterID())
		} else if hints != "" {
			state.AddContextHint(hints)
		}
	}

	messageID, err := state.AppendMessage(ctx, types.RoleUser, userText)
	if err != nil {
		return "", err
	}
	b.indexUserMessage(ctx, state, messageID, userText)

	reply, err := b.deps.LLM.Send(ctx, state.MessagesWithContext(), b.deps.Temperature, b.deps.MaxTokens)
	if err != nil {
		slog.Error("failed to generate reply", "error", err.Error(), "session_id", state.SessionID())
		return "", fmt.Errorf("%w: %w", ErrModelCall, err)
	}

	if _, err := state.AppendMessage(ctx, types.RoleAssistant, reply); err != nil {
		return "", err
	}

	b.summarizeInBackground(ctx, state.SessionID(), state.Messages())
	return reply, nil
}

func (b *ChatBot) indexUserMessage(ctx context.Context, state *conversation.State, messageID int64, text string) {
	if b.deps.Index == nil || state.SessionID() == 0 {
		return
	}
	_, err := b.deps.Index.Add(ctx, types.Document{
		Class: types.ClassUserMessage,
		Text:  text,
		Metadata: types.DocumentMetadata{
			CharacterID: state.CharacterID(),
			SessionID:   state.SessionID(),
			MessageID:   messageID,
		},
	})
	if err != nil {
		slog.Warn("failed to index user message", "error", err.Error(), "session_id", state.SessionID())
	}
}

// summarizeInBackground 不阻塞回复；使用快照避免与下一轮竞争。
func (b *ChatBot) summarizeInBackground(ctx context.Context, sessionID int64, history []types.Message) {
	if b.deps.Summarizer == nil || !b.deps.Summarizer.Due(sessionID, history) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		b.deps.Summarizer.MaybeSummarize(ctx, sessionID, history)
	}()
}

// Wait blocks until background summaries finish.
func (b *ChatBot) Wait() {
	b.background.Wait()
}

// ClearHistory keeps the system prompt and starts a new session for the same character.
func (b *ChatBot) ClearHistory(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.ClearHistory(ctx)
}

// LoadSession resumes a stored session, switching character if it belongs to another one.
func (b *ChatBot) LoadSession(ctx context.Context, sessionID int64) error {
	info, err := b.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if info.CharacterID == b.profile.ID {
		return b.state.LoadSession(ctx, sessionID)
	}

	profile, err := b.deps.Characters.Get(info.CharacterID)
	if err != nil {
		return fmt.Errorf("session %d belongs to %s: %w", sessionID, info.CharacterID, err)
	}
	state, err := conversation.Resume(ctx, b.deps.Store, profile.ID, sessionID)
	if err != nil {
		return err
	}
	b.ensureImported(ctx, profile)
	b.profile = profile
	b.state = state
	slog.Info("session loaded", "character_id", profile.ID, "session_id", sessionID)
	return nil
}

func (b *ChatBot) ensureImported(ctx context.Context, profile *character.Profile) {
	if b.deps.Resolver == nil {
		return
	}
	if res := b.deps.Resolver.EnsureImported(ctx, profile); res.Err != nil {
		slog.Warn("semantic memories unavailable", "error", res.Err.Error(), "character_id", profile.ID)
	}
}

func (b *ChatBot) History() []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Messages()
}

func (b *ChatBot) CurrentCharacter() *character.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profile
}

func (b *ChatBot) SessionID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.SessionID()
}

func (b *ChatBot) RecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	return b.deps.Store.ListRecentSessions(ctx, limit)
}

// DeleteSession removes a stored session other than the active one.
func (b *ChatBot) DeleteSession(ctx context.Context, sessionID int64) (bool, error) {
	if sessionID == b.SessionID() {
		return false, ErrActiveSession
	}
	return b.deps.Store.DeleteSession(ctx, sessionID)
}

// Summary returns the latest stored summary of the active session, or generates one now.
// ok is false when the conversation is too short to summarize.
func (b *ChatBot) Summary(ctx context.Context) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionID := b.state.SessionID()
	text, ok, err := b.deps.Store.GetLatestSummary(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return text, true, nil
	}
	if b.deps.Summarizer == nil {
		return "", false, nil
	}
	res := b.deps.Summarizer.SummarizeNow(ctx, sessionID, b.state.Messages())
	if res == nil {
		return "", false, nil
	}
	return res.Text, true, nil
}
