package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/types"
)

const (
	defaultTopK               = 3
	defaultRelevanceThreshold = 0.5
)

// ProfileSource 提供已加载的角色设定。
type ProfileSource interface {
	Get(id string) (*character.Profile, error)
}

// ImportResult 记录某个角色种子记忆的导入情况。
// Indexed 为 true 时该角色可以走语义检索。
type ImportResult struct {
	Indexed  bool
	Imported int
	Err      error
}

type seedImport struct {
	once   sync.Once
	result ImportResult
}

// Resolver 为每轮对话挑选相关的角色记忆，优先语义检索，失败或无结果时退回关键词匹配。
type Resolver struct {
	profiles  ProfileSource
	index     SemanticIndex
	topK      int
	threshold float64
	imports   sync.Map
	nowFunc   func() time.Time
}

// NewResolver creates a Resolver. index may be nil, in which case only keywords are used.
func NewResolver(profiles ProfileSource, index SemanticIndex, topK int, threshold float64) *Resolver {
	if topK <= 0 {
		topK = defaultTopK
	}
	if threshold < 0 || threshold >= 1 {
		threshold = defaultRelevanceThreshold
	}
	return &Resolver{
		profiles:  profiles,
		index:     index,
		topK:      topK,
		threshold: threshold,
		nowFunc:   time.Now,
	}
}

// Resolve returns newline-joined memory hints for contextText, or "" when nothing matches.
// The only error is an unknown character id.
func (r *Resolver) Resolve(ctx context.Context, contextText, characterID string) (string, error) {
	profile, err := r.profiles.Get(characterID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(contextText) == "" {
		return "", nil
	}

	if hints := r.semanticHints(ctx, contextText, profile); hints != "" {
		return hints, nil
	}
	return keywordHints(contextText, profile), nil
}

// EnsureImported 保证角色的种子记忆在本进程内最多导入一次；
// 向量库中已有该角色的记忆时跳过导入。
func (r *Resolver) EnsureImported(ctx context.Context, profile *character.Profile) ImportResult {
	if r.index == nil {
		return ImportResult{}
	}
	v, _ := r.imports.LoadOrStore(profile.ID, &seedImport{})
	imp := v.(*seedImport)
	imp.once.Do(func() {
		imp.result = r.importSeeds(context.WithoutCancel(ctx), profile)
	})
	return imp.result
}

func (r *Resolver) importSeeds(ctx context.Context, profile *character.Profile) ImportResult {
	probe, err := r.index.Query(ctx, types.Query{
		Class:  types.ClassCharacterMemory,
		Text:   profile.Name,
		Filter: types.QueryFilter{CharacterID: profile.ID},
		TopK:   1,
	})
	if err != nil {
		slog.Warn("failed to probe character memories, using keywords only", "error", err.Error(), "character_id", profile.ID)
		return ImportResult{Err: err}
	}
	if len(probe) > 0 {
		return ImportResult{Indexed: true}
	}

	records := profile.SeedRecords(r.nowFunc())
	if len(records) == 0 {
		return ImportResult{}
	}
	imported := 0
	for _, rec := range records {
		if _, err := r.index.Add(ctx, types.RecordToDocument(rec)); err != nil {
			slog.Error("failed to import seed memory, using keywords only", "error", err.Error(), "character_id", profile.ID, "memory_type", rec.MemoryType)
			return ImportResult{Imported: imported, Err: fmt.Errorf("failed to import seed memories: %w", err)}
		}
		imported++
	}
	slog.Info("seed memories imported", "character_id", profile.ID, "count", imported)
	return ImportResult{Indexed: true, Imported: imported}
}

func (r *Resolver) semanticHints(ctx context.Context, contextText string, profile *character.Profile) string {
	if r.index == nil {
		return ""
	}
	if imp := r.EnsureImported(ctx, profile); !imp.Indexed {
		return ""
	}

	results, err := r.index.Query(ctx, types.Query{
		Class:  types.ClassCharacterMemory,
		Text:   contextText,
		Filter: types.QueryFilter{CharacterID: profile.ID},
		TopK:   r.topK,
	})
	if err != nil {
		slog.Warn("semantic memory search failed, falling back to keywords", "error", err.Error(), "character_id", profile.ID)
		return ""
	}
	return formatSemanticHints(results, r.threshold)
}

// formatSemanticHints 过滤低相关结果并按相关度降序输出 "[类型] 内容"。
func formatSemanticHints(results []types.SearchResult, threshold float64) string {
	kept := make([]types.SearchResult, 0, len(results))
	for _, res := range results {
		if res.Relevance > threshold {
			kept = append(kept, res)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Relevance > kept[j].Relevance
	})

	lines := make([]string, 0, len(kept))
	for _, res := range kept {
		lines = append(lines, fmt.Sprintf("[%s] %s", res.Metadata.MemoryType, res.Text))
	}
	return strings.Join(lines, "\n")
}

// keywordHints 按关键词表顺序收集命中的记忆，不去重。
func keywordHints(contextText string, profile *character.Profile) string {
	var hints []string
	for _, rule := range profile.Keywords {
		if rule.Keyword == "" || !strings.Contains(contextText, rule.Keyword) {
			continue
		}
		for _, memoryType := range rule.MemoryTypes {
			hints = append(hints, profile.Memories.ByType(memoryType)...)
		}
	}
	return strings.Join(hints, "\n")
}
