package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/easeaico/persona-chat/internal/types"
)

const (
	// minHistoryMessages 以下的会话不做摘要。
	minHistoryMessages = 6
	// minDialogueMessages 约为五轮用户/AI 往来。
	minDialogueMessages = 10
)

const summarySystemPrompt = "你是一个聊天记录摘要专家。你的任务是生成一个简洁但信息丰富的对话摘要，重点关注关键信息、用户偏好和重要细节。"

const summaryExistingPrefix = "\n\n以下是之前的对话摘要，请在此基础上更新：\n"

const summaryRequirements = `

请确保摘要：
1. 提取用户表达的重要偏好、习惯和生活细节
2. 记录用户与AI角色建立的关系和互动方式
3. 保留可能在未来对话中有用的上下文
4. 避免无关或琐碎的细节
5. 不超过500字`

const summaryUserPrefix = "以下是最近的对话记录，请生成一个摘要：\n\n"

// Generator 是摘要使用的语言模型客户端。
type Generator interface {
	Send(ctx context.Context, messages []types.Message, temperature float64, maxTokens int) (string, error)
}

// SummaryStore 持久化摘要记录，只追加。
type SummaryStore interface {
	AddSummary(ctx context.Context, sessionID int64, text string) (int64, error)
	GetLatestSummary(ctx context.Context, sessionID int64) (string, bool, error)
}

// SummarizerConfig controls cadence and generation parameters.
type SummarizerConfig struct {
	Interval    int
	Temperature float64
	MaxTokens   int
}

// SummaryResult 是一次成功摘要的结果；IndexErr 仅表示写入向量库失败，摘要本身已保存。
type SummaryResult struct {
	SummaryID int64
	Text      string
	IndexErr  error
}

// Summarizer 按固定节奏压缩会话历史，并与上一次摘要合并。
type Summarizer struct {
	llm     Generator
	store   SummaryStore
	index   SemanticIndex
	cfg     SummarizerConfig
	nowFunc func() time.Time
}

// NewSummarizer creates a Summarizer. index may be nil.
func NewSummarizer(llm Generator, store SummaryStore, index SemanticIndex, cfg SummarizerConfig) *Summarizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &Summarizer{
		llm:     llm,
		store:   store,
		index:   index,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Due reports whether the automatic cadence fires for this history.
func (s *Summarizer) Due(sessionID int64, history []types.Message) bool {
	if sessionID == 0 {
		return false
	}
	nonSystem := 0
	for _, msg := range history {
		if msg.Role != types.RoleSystem {
			nonSystem++
		}
	}
	return nonSystem > 0 && nonSystem%s.cfg.Interval == 0
}

// MaybeSummarize runs after every assistant reply and summarizes only when Due.
// A nil result means no summary was produced.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID int64, history []types.Message) *SummaryResult {
	if !s.Due(sessionID, history) {
		return nil
	}
	return s.SummarizeNow(ctx, sessionID, history)
}

// SummarizeNow summarizes regardless of cadence. Failures are logged and yield nil.
func (s *Summarizer) SummarizeNow(ctx context.Context, sessionID int64, history []types.Message) *SummaryResult {
	if !eligible(history) {
		return nil
	}

	var existing string
	if sessionID != 0 && s.store != nil {
		latest, ok, err := s.store.GetLatestSummary(ctx, sessionID)
		if err != nil {
			slog.Warn("failed to load previous summary", "error", err.Error(), "session_id", sessionID)
		} else if ok {
			existing = latest
		}
	}

	text, err := s.llm.Send(ctx, buildSummaryPrompt(history, existing), s.cfg.Temperature, s.cfg.MaxTokens)
	if err != nil {
		slog.Error("failed to generate summary", "error", err.Error(), "session_id", sessionID)
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("empty summary response", "session_id", sessionID)
		return nil
	}

	result := &SummaryResult{Text: text}
	if sessionID == 0 || s.store == nil {
		return result
	}

	id, err := s.store.AddSummary(ctx, sessionID, text)
	if err != nil {
		slog.Error("failed to save summary", "error", err.Error(), "session_id", sessionID)
		return nil
	}
	result.SummaryID = id

	if s.index != nil {
		_, err := s.index.Add(ctx, types.Document{
			Class: types.ClassSummary,
			Text:  text,
			Metadata: types.DocumentMetadata{
				SessionID: sessionID,
				Timestamp: s.nowFunc(),
			},
		})
		if err != nil {
			slog.Warn("failed to index summary", "error", err.Error(), "session_id", sessionID, "summary_id", id)
			result.IndexErr = err
		}
	}

	slog.Info("conversation summarized", "session_id", sessionID, "summary_id", id, "chars", len([]rune(text)))
	return result
}

func eligible(history []types.Message) bool {
	if len(history) < minHistoryMessages {
		return false
	}
	counts := types.CountRoles(history)
	return counts[types.RoleUser]+counts[types.RoleAssistant] >= minDialogueMessages
}

// buildSummaryPrompt 组装摘要请求：系统指令含上一次摘要与固定要求，用户指令列出全部对话。
func buildSummaryPrompt(history []types.Message, existing string) []types.Message {
	var system strings.Builder
	system.WriteString(summarySystemPrompt)
	if existing != "" {
		system.WriteString(summaryExistingPrefix)
		system.WriteString(existing)
	}
	system.WriteString(summaryRequirements)

	lines := make([]string, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case types.RoleUser:
			lines = append(lines, fmt.Sprintf("用户: %s", msg.Content))
		case types.RoleAssistant:
			lines = append(lines, fmt.Sprintf("AI: %s", msg.Content))
		}
	}

	return []types.Message{
		{Role: types.RoleSystem, Content: system.String()},
		{Role: types.RoleUser, Content: summaryUserPrefix + strings.Join(lines, "\n\n")},
	}
}
