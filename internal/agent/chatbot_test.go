package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/memory"
	"github.com/easeaico/persona-chat/internal/types"
)

var errBoom = errors.New("boom")

const summaryMaxTokens = 500

// fakeLLM answers chat turns with numbered replies and summary requests with a fixed text.
type fakeLLM struct {
	mu       sync.Mutex
	err      error
	calls    [][]types.Message
	turns    int
	summary  string
	summReqs int
}

func (f *fakeLLM) Send(ctx context.Context, messages []types.Message, temperature float64, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maxTokens == summaryMaxTokens {
		f.summReqs++
		return f.summary, nil
	}
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	f.turns++
	return fmt.Sprintf("reply-%d", f.turns), nil
}

func (f *fakeLLM) lastCall() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeSession struct {
	info      types.SessionInfo
	messages  []types.StoredMessage
	summaries []string
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*fakeSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[int64]*fakeSession{}}
}

func (s *fakeStore) CreateSession(ctx context.Context, characterID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	s.sessions[s.nextID] = &fakeSession{info: types.SessionInfo{
		ID: s.nextID, CharacterID: characterID, Name: types.SessionName(characterID, now), CreatedAt: now, UpdatedAt: now,
	}}
	return s.nextID, nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, sessionID int64, role types.Role, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, types.ErrSessionNotFound
	}
	s.nextID++
	sess.messages = append(sess.messages, types.StoredMessage{ID: s.nextID, SessionID: sessionID, Role: role, Content: content})
	sess.info.UpdatedAt = time.Now()
	return s.nextID, nil
}

func (s *fakeStore) GetMessages(ctx context.Context, sessionID int64) ([]types.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return append([]types.StoredMessage(nil), sess.messages...), nil
}

func (s *fakeStore) AddSummary(ctx context.Context, sessionID int64, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, types.ErrSessionNotFound
	}
	sess.summaries = append(sess.summaries, text)
	return int64(len(sess.summaries)), nil
}

func (s *fakeStore) GetLatestSummary(ctx context.Context, sessionID int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.summaries) == 0 {
		return "", false, nil
	}
	return sess.summaries[len(sess.summaries)-1], true, nil
}

func (s *fakeStore) GetSession(ctx context.Context, sessionID int64) (*types.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	info := sess.info
	info.MessageCount = len(sess.messages)
	return &info, nil
}

func (s *fakeStore) ListRecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SessionInfo
	for _, sess := range s.sessions {
		info := sess.info
		info.MessageCount = len(sess.messages)
		out = append(out, info)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, sessionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

// recordingIndex stores documents and never finds anything.
type recordingIndex struct {
	mu   sync.Mutex
	docs []types.Document
}

func (r *recordingIndex) Add(ctx context.Context, doc types.Document) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return types.NewDocumentID(doc, time.Now()), nil
}

func (r *recordingIndex) Query(ctx context.Context, q types.Query) ([]types.SearchResult, error) {
	return nil, nil
}

func (r *recordingIndex) byClass(class types.DocumentClass) []types.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Document
	for _, d := range r.docs {
		if d.Class == class {
			out = append(out, d)
		}
	}
	return out
}

func testCharacters(t *testing.T) *character.Registry {
	t.Helper()
	registry, err := character.NewRegistry(
		&character.Profile{
			ID:           "li_ming",
			Name:         "李明",
			SystemPrompt: "你是李明。",
			Memories: character.MemoryBook{
				{Type: "family_events", Items: []string{"爸爸的生日是五月"}},
				{Type: "daily_life", Items: []string{"每天早上打太极"}},
			},
			Keywords: character.DefaultKeywords(),
		},
		&character.Profile{
			ID:           "zhang_wei",
			Name:         "张伟",
			SystemPrompt: "你是张伟。",
			Keywords:     character.DefaultKeywords(),
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return registry
}

type harness struct {
	bot   *ChatBot
	llm   *fakeLLM
	store *fakeStore
	index *recordingIndex
}

func newHarness(t *testing.T, withIndex bool) *harness {
	t.Helper()
	h := &harness{llm: &fakeLLM{summary: "用户常提起家人。"}, store: newFakeStore()}
	characters := testCharacters(t)

	var index memory.SemanticIndex
	if withIndex {
		h.index = &recordingIndex{}
		index = h.index
	}
	deps := Deps{
		LLM:        h.llm,
		Characters: characters,
		Store:      h.store,
		Resolver:   memory.NewResolver(characters, index, 3, 0.5),
		Summarizer: memory.NewSummarizer(h.llm, h.store, index, memory.SummarizerConfig{
			Interval: 10, Temperature: 0.3, MaxTokens: summaryMaxTokens,
		}),
		Index:       index,
		Temperature: 0.7,
		MaxTokens:   2000,
	}

	bot, err := New(context.Background(), deps, "li_ming")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.bot = bot
	return h
}

func TestChatInjectsMemoryHintBeforeUserTurn(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	reply, err := h.bot.Chat(ctx, "我好想你")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply != "reply-1" {
		t.Fatalf("unexpected reply %q", reply)
	}

	sent := h.llm.lastCall()
	if len(sent) != 3 {
		t.Fatalf("expected system, hint, user; got %d messages", len(sent))
	}
	if sent[0].Role != types.RoleSystem || !strings.HasPrefix(sent[0].Content, "你是李明。") {
		t.Fatalf("first message must be the system prompt: %+v", sent[0])
	}
	if sent[1].Role != types.RoleSystem || sent[1].Content != "爸爸的生日是五月\n每天早上打太极" {
		t.Fatalf("unexpected hint message: %+v", sent[1])
	}
	if sent[2].Role != types.RoleUser || sent[2].Content != "我好想你" {
		t.Fatalf("unexpected last message: %+v", sent[2])
	}

	history := h.bot.History()
	if len(history) != 3 || history[2].Content != "reply-1" {
		t.Fatalf("hints must not be persisted; history %+v", history)
	}

	if _, err := h.bot.Chat(ctx, "今天天气不错"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	second := h.llm.lastCall()
	for _, msg := range second[1:] {
		if msg.Role == types.RoleSystem {
			t.Fatalf("hints from the previous turn leaked: %+v", second)
		}
	}

	stored, err := h.store.GetMessages(ctx, h.bot.SessionID())
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(stored) != 5 {
		t.Fatalf("expected 5 stored messages, got %d", len(stored))
	}
}

func TestChatModelFailureKeepsUserMessage(t *testing.T) {
	h := newHarness(t, false)
	h.llm.err = errBoom

	_, err := h.bot.Chat(context.Background(), "在吗")
	if !errors.Is(err, ErrModelCall) || !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped model error, got %v", err)
	}

	history := h.bot.History()
	if len(history) != 2 || history[1].Role != types.RoleUser {
		t.Fatalf("user message should be retained, got %+v", history)
	}

	h.llm.err = nil
	if _, err := h.bot.Chat(context.Background(), "吃了吗"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := len(h.bot.History()); got != 4 {
		t.Fatalf("expected the unanswered user message to stay in history, got %d messages", got)
	}
}

func TestChatIgnoresEmptyInput(t *testing.T) {
	h := newHarness(t, false)

	reply, err := h.bot.Chat(context.Background(), "   ")
	if err != nil || reply != "" {
		t.Fatalf("expected no-op, got %q %v", reply, err)
	}
	if len(h.llm.calls) != 0 {
		t.Fatalf("model must not be called for empty input")
	}
	if len(h.bot.History()) != 1 {
		t.Fatalf("history should only hold the system prompt")
	}
}

func TestChatSummarizesEveryTenMessages(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.bot.Chat(ctx, fmt.Sprintf("第%d句", i)); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
	}
	h.bot.Wait()

	if h.llm.summReqs != 1 {
		t.Fatalf("expected exactly one summary request, got %d", h.llm.summReqs)
	}
	text, ok, err := h.store.GetLatestSummary(ctx, h.bot.SessionID())
	if err != nil || !ok || text != "用户常提起家人。" {
		t.Fatalf("summary not stored: %q ok=%v err=%v", text, ok, err)
	}
	if docs := h.index.byClass(types.ClassSummary); len(docs) != 1 || docs[0].Metadata.SessionID != h.bot.SessionID() {
		t.Fatalf("summary should be indexed for the session, got %+v", docs)
	}

	summary, ok, err := h.bot.Summary(ctx)
	if err != nil || !ok || summary != text {
		t.Fatalf("Summary should return the stored summary, got %q ok=%v err=%v", summary, ok, err)
	}
}

func TestUserMessagesAreIndexed(t *testing.T) {
	h := newHarness(t, true)

	if _, err := h.bot.Chat(context.Background(), "下雨了"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	docs := h.index.byClass(types.ClassUserMessage)
	if len(docs) != 1 {
		t.Fatalf("expected one user message document, got %d", len(docs))
	}
	if docs[0].Text != "下雨了" || docs[0].Metadata.SessionID != h.bot.SessionID() || docs[0].Metadata.MessageID == 0 {
		t.Fatalf("unexpected document %+v", docs[0])
	}
	if seeds := h.index.byClass(types.ClassCharacterMemory); len(seeds) != 2 {
		t.Fatalf("expected seed memories imported once, got %d", len(seeds))
	}
}

func TestSummaryTooShort(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.bot.Chat(context.Background(), "你好"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if _, ok, err := h.bot.Summary(context.Background()); err != nil || ok {
		t.Fatalf("expected no summary for a short conversation, ok=%v err=%v", ok, err)
	}
}

func TestClearHistoryStartsNewSession(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if _, err := h.bot.Chat(ctx, "你好"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	oldID := h.bot.SessionID()

	if err := h.bot.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	if h.bot.SessionID() == oldID {
		t.Fatalf("expected a new session id")
	}
	history := h.bot.History()
	if len(history) != 1 || history[0].Role != types.RoleSystem {
		t.Fatalf("expected only the system prompt, got %+v", history)
	}
	if old, _ := h.store.GetMessages(ctx, oldID); len(old) != 3 {
		t.Fatalf("old session should be untouched, got %d messages", len(old))
	}
	if h.bot.CurrentCharacter().ID != "li_ming" {
		t.Fatalf("character should be preserved")
	}
}

func TestLoadSessionSwitchesCharacter(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if _, err := h.bot.Chat(ctx, "你好"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	liMingSession := h.bot.SessionID()

	if err := h.bot.LoadCharacter(ctx, "zhang_wei"); err != nil {
		t.Fatalf("LoadCharacter failed: %v", err)
	}
	if h.bot.CurrentCharacter().ID != "zhang_wei" || h.bot.SessionID() == liMingSession {
		t.Fatalf("expected a new zhang_wei session")
	}

	if err := h.bot.LoadSession(ctx, liMingSession); err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if h.bot.CurrentCharacter().ID != "li_ming" || h.bot.SessionID() != liMingSession {
		t.Fatalf("expected to resume li_ming session %d", liMingSession)
	}
	if len(h.bot.History()) != 3 {
		t.Fatalf("expected the stored transcript, got %d messages", len(h.bot.History()))
	}

	if err := h.bot.LoadSession(ctx, 999); !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.bot.LoadCharacter(ctx, "nobody"); !errors.Is(err, character.ErrCharacterNotFound) {
		t.Fatalf("expected ErrCharacterNotFound, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	first := h.bot.SessionID()
	if err := h.bot.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}

	if _, err := h.bot.DeleteSession(ctx, h.bot.SessionID()); !errors.Is(err, ErrActiveSession) {
		t.Fatalf("expected ErrActiveSession, got %v", err)
	}
	deleted, err := h.bot.DeleteSession(ctx, first)
	if err != nil || !deleted {
		t.Fatalf("DeleteSession failed: deleted=%v err=%v", deleted, err)
	}
	sessions, err := h.bot.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != h.bot.SessionID() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}
