package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/easeaico/persona-chat/internal/types"
)

func dialogue(system int, exchanges int) []types.Message {
	var history []types.Message
	for i := 0; i < system; i++ {
		history = append(history, types.Message{Role: types.RoleSystem, Content: "You are Li Ming."})
	}
	for i := 0; i < exchanges; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		history = append(history, types.Message{Role: role, Content: fmt.Sprintf("msg-%d", i)})
	}
	return history
}

func newTestSummarizer(llm Generator, store SummaryStore, index SemanticIndex) *Summarizer {
	return NewSummarizer(llm, store, index, SummarizerConfig{Interval: 10, Temperature: 0.3, MaxTokens: 500})
}

func TestSummarizeEligibility(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	s := newTestSummarizer(llm, newFakeSummaryStore(), nil)

	cases := map[string][]types.Message{
		"fewer than six messages":       dialogue(1, 4),
		"fewer than ten dialogue turns": dialogue(3, 9),
		"system messages only":          dialogue(12, 0),
	}
	for name, history := range cases {
		if got := s.SummarizeNow(context.Background(), 1, history); got != nil {
			t.Fatalf("%s: expected no summary, got %+v", name, got)
		}
	}
	if llm.callCount() != 0 {
		t.Fatalf("expected model not to be called, got %d calls", llm.callCount())
	}
}

func TestMaybeSummarizeCadence(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	s := newTestSummarizer(llm, newFakeSummaryStore(), nil)

	history := dialogue(1, 0)
	var attempted []int
	for k := 1; k <= 35; k++ {
		role := types.RoleUser
		if k%2 == 0 {
			role = types.RoleAssistant
		}
		history = append(history, types.Message{Role: role, Content: fmt.Sprintf("m%d", k)})
		before := llm.callCount()
		s.MaybeSummarize(context.Background(), 7, history)
		if llm.callCount() > before {
			attempted = append(attempted, k)
		}
	}
	if fmt.Sprint(attempted) != "[10 20 30]" {
		t.Fatalf("expected attempts at 10, 20, 30, got %v", attempted)
	}
}

func TestMaybeSummarizeScenarioC(t *testing.T) {
	llm := &fakeGenerator{reply: "用户喜欢回锅肉。"}
	s := newTestSummarizer(llm, newFakeSummaryStore(), nil)

	history := dialogue(1, 9)
	if got := s.MaybeSummarize(context.Background(), 1, history); got != nil {
		t.Fatalf("expected no summary after 9 messages, got %+v", got)
	}
	history = append(history, types.Message{Role: types.RoleAssistant, Content: "好的"})
	got := s.MaybeSummarize(context.Background(), 1, history)
	if got == nil || got.Text != "用户喜欢回锅肉。" {
		t.Fatalf("expected generated summary, got %+v", got)
	}
}

func TestMaybeSummarizeRequiresSession(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	s := newTestSummarizer(llm, newFakeSummaryStore(), nil)
	if got := s.MaybeSummarize(context.Background(), 0, dialogue(1, 10)); got != nil {
		t.Fatalf("expected nil for unbound session, got %+v", got)
	}
}

func TestSummarizeNowBuildsPromptWithExistingSummary(t *testing.T) {
	llm := &fakeGenerator{reply: "  新摘要  "}
	store := newFakeSummaryStore()
	store.summaries[3] = []string{"更早的摘要", "旧摘要"}
	s := newTestSummarizer(llm, store, nil)

	history := []types.Message{{Role: types.RoleSystem, Content: "sys"}}
	history = append(history, dialogue(0, 10)...)

	got := s.SummarizeNow(context.Background(), 3, history)
	if got == nil || got.Text != "新摘要" {
		t.Fatalf("unexpected result %+v", got)
	}

	call := llm.calls[0]
	if call.temperature != 0.3 || call.maxTokens != 500 {
		t.Fatalf("unexpected generation params: %+v", call)
	}
	if len(call.messages) != 2 || call.messages[0].Role != types.RoleSystem || call.messages[1].Role != types.RoleUser {
		t.Fatalf("unexpected prompt shape: %+v", call.messages)
	}
	system := call.messages[0].Content
	if !strings.HasPrefix(system, summarySystemPrompt+"\n\n以下是之前的对话摘要，请在此基础上更新：\n旧摘要\n\n请确保摘要：\n1. ") {
		t.Fatalf("unexpected system prompt:\n%s", system)
	}
	if !strings.HasSuffix(system, "5. 不超过500字") || strings.Contains(system, "更早的摘要") {
		t.Fatalf("unexpected system prompt:\n%s", system)
	}
	user := call.messages[1].Content
	if !strings.HasPrefix(user, "以下是最近的对话记录，请生成一个摘要：\n\n用户: msg-0\n\nAI: msg-1\n\n") {
		t.Fatalf("unexpected user prompt:\n%s", user)
	}
	if strings.Contains(user, "sys") {
		t.Fatalf("system messages must not be listed: %s", user)
	}

	if latest := store.summaries[3]; len(latest) != 3 || latest[2] != "新摘要" {
		t.Fatalf("expected summary to be appended, got %v", latest)
	}
}

func TestSummarizeNowWithoutExistingSummary(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	s := newTestSummarizer(llm, newFakeSummaryStore(), nil)

	if got := s.SummarizeNow(context.Background(), 1, dialogue(1, 10)); got == nil {
		t.Fatalf("expected summary")
	}
	if strings.Contains(llm.calls[0].messages[0].Content, "以下是之前的对话摘要") {
		t.Fatalf("existing summary section must be omitted")
	}
}

func TestSummarizeNowIndexesSummary(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	index := &fakeIndex{}
	s := newTestSummarizer(llm, newFakeSummaryStore(), index)

	got := s.SummarizeNow(context.Background(), 9, dialogue(1, 10))
	if got == nil || got.SummaryID == 0 || got.IndexErr != nil {
		t.Fatalf("unexpected result %+v", got)
	}
	docs := index.added(types.ClassSummary)
	if len(docs) != 1 || docs[0].Text != "摘要" || docs[0].Metadata.SessionID != 9 {
		t.Fatalf("unexpected indexed summaries %+v", docs)
	}
}

func TestSummarizeNowSwallowsIndexFailure(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	store := newFakeSummaryStore()
	s := newTestSummarizer(llm, store, &fakeIndex{addErr: errBoom})

	got := s.SummarizeNow(context.Background(), 2, dialogue(1, 10))
	if got == nil || got.Text != "摘要" {
		t.Fatalf("expected summary despite index failure, got %+v", got)
	}
	if got.IndexErr == nil {
		t.Fatalf("expected index error to be reported separately")
	}
	if len(store.summaries[2]) != 1 {
		t.Fatalf("expected summary to be persisted")
	}
}

func TestSummarizeNowModelFailure(t *testing.T) {
	llm := &fakeGenerator{err: errBoom}
	store := newFakeSummaryStore()
	s := newTestSummarizer(llm, store, nil)

	if got := s.SummarizeNow(context.Background(), 2, dialogue(1, 10)); got != nil {
		t.Fatalf("expected nil on model failure, got %+v", got)
	}
	if len(store.summaries[2]) != 0 {
		t.Fatalf("nothing should be persisted on failure")
	}
}

func TestSummarizeNowStoreFailure(t *testing.T) {
	llm := &fakeGenerator{reply: "摘要"}
	store := newFakeSummaryStore()
	store.addErr = errBoom
	index := &fakeIndex{}
	s := newTestSummarizer(llm, store, index)

	if got := s.SummarizeNow(context.Background(), 2, dialogue(1, 10)); got != nil {
		t.Fatalf("expected nil when the summary cannot be saved, got %+v", got)
	}
	if len(index.added(types.ClassSummary)) != 0 {
		t.Fatalf("unsaved summaries must not be indexed")
	}
}
