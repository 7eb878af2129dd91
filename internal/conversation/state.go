// Package conversation keeps the ordered message log of one chat session.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/easeaico/persona-chat/internal/types"
)

// SessionStore is the durable side of a conversation.
type SessionStore interface {
	CreateSession(ctx context.Context, characterID string) (int64, error)
	AppendMessage(ctx context.Context, sessionID int64, role types.Role, content string) (int64, error)
	GetMessages(ctx context.Context, sessionID int64) ([]types.StoredMessage, error)
}

// State is the message log plus the transient context hints of one conversation.
// A nil store keeps the conversation in memory only.
type State struct {
	mu          sync.RWMutex
	store       SessionStore
	characterID string
	sessionID   int64
	messages    []types.Message
	hints       []string
}

// New creates a conversation bound to a fresh session whose first message is systemPrompt.
func New(ctx context.Context, store SessionStore, characterID, systemPrompt string) (*State, error) {
	s := &State{store: store, characterID: characterID}
	if store != nil {
		id, err := store.CreateSession(ctx, characterID)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		s.sessionID = id
	}
	if _, err := s.AppendMessage(ctx, types.RoleSystem, systemPrompt); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume creates a conversation bound to an existing session.
func Resume(ctx context.Context, store SessionStore, characterID string, sessionID int64) (*State, error) {
	s := &State{store: store, characterID: characterID}
	if err := s.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) CharacterID() string {
	return s.characterID
}

// SessionID returns the bound session id, 0 when unbound.
func (s *State) SessionID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// AppendMessage persists the message first when a session is bound, then appends it
// to the in-memory log. The returned id is 0 for unbound conversations.
func (s *State) AppendMessage(ctx context.Context, role types.Role, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	if s.store != nil && s.sessionID != 0 {
		var err error
		id, err = s.store.AppendMessage(ctx, s.sessionID, role, content)
		if err != nil {
			return 0, fmt.Errorf("failed to append %s message to session %d: %w", role, s.sessionID, err)
		}
	}
	s.messages = append(s.messages, types.Message{Role: role, Content: content})
	return id, nil
}

// Messages returns a copy of the durable message log.
func (s *State) Messages() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *State) AddContextHint(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, text)
}

func (s *State) ClearContextHints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = nil
}

// MessagesWithContext returns the log with one system message carrying all pending hints,
// placed right before the latest message.
func (s *State) MessagesWithContext() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.hints) == 0 {
		out := make([]types.Message, len(s.messages))
		copy(out, s.messages)
		return out
	}

	pos := len(s.messages) - 1
	if pos < 0 {
		pos = 0
	}
	hint := types.Message{Role: types.RoleSystem, Content: strings.Join(s.hints, "\n")}

	out := make([]types.Message, 0, len(s.messages)+1)
	out = append(out, s.messages[:pos]...)
	out = append(out, hint)
	out = append(out, s.messages[pos:]...)
	return out
}

// ClearHistory keeps only system messages and moves them into a new session.
// The previous session is left untouched in the store.
func (s *State) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []types.Message
	for _, msg := range s.messages {
		if msg.Role == types.RoleSystem {
			kept = append(kept, msg)
		}
	}

	var newID int64
	if s.store != nil {
		id, err := s.store.CreateSession(ctx, s.characterID)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		for _, msg := range kept {
			if _, err := s.store.AppendMessage(ctx, id, msg.Role, msg.Content); err != nil {
				return fmt.Errorf("failed to copy system message to session %d: %w", id, err)
			}
		}
		newID = id
	}

	s.sessionID = newID
	s.messages = kept
	s.hints = nil
	return nil
}

// LoadSession rebinds the conversation to sessionID and replaces the log with its messages.
func (s *State) LoadSession(ctx context.Context, sessionID int64) error {
	if s.store == nil {
		return fmt.Errorf("cannot load session %d without a session store", sessionID)
	}
	stored, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %d: %w", sessionID, err)
	}

	messages := make([]types.Message, 0, len(stored))
	for _, msg := range stored {
		messages = append(messages, types.Message{Role: msg.Role, Content: msg.Content})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.messages = messages
	s.hints = nil
	return nil
}
