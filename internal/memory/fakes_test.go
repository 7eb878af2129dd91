package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/types"
)

type staticProfiles map[string]*character.Profile

func (s staticProfiles) Get(id string) (*character.Profile, error) {
	p, ok := s[id]
	if !ok {
		return nil, character.ErrCharacterNotFound
	}
	return p, nil
}

type storedDoc struct {
	id  string
	doc types.Document
}

// fakeIndex keeps documents in memory; relevance comes from the relevance map keyed by text.
type fakeIndex struct {
	mu        sync.Mutex
	docs      []storedDoc
	queries   []types.Query
	relevance map[string]float64
	queryFn   func(q types.Query) ([]types.SearchResult, error)
	addErr    error
}

func (f *fakeIndex) Add(ctx context.Context, doc types.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	id := types.NewDocumentID(doc, doc.Metadata.Timestamp)
	f.docs = append(f.docs, storedDoc{id: id, doc: doc})
	return id, nil
}

func (f *fakeIndex) Query(ctx context.Context, q types.Query) ([]types.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.queryFn != nil {
		return f.queryFn(q)
	}
	var results []types.SearchResult
	for _, d := range f.docs {
		if d.doc.Class != q.Class {
			continue
		}
		if q.Filter.CharacterID != "" && d.doc.Metadata.CharacterID != q.Filter.CharacterID {
			continue
		}
		if q.Filter.SessionID != 0 && d.doc.Metadata.SessionID != q.Filter.SessionID {
			continue
		}
		results = append(results, types.SearchResult{
			ID:        d.id,
			Text:      d.doc.Text,
			Metadata:  d.doc.Metadata,
			Relevance: f.relevance[d.doc.Text],
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func (f *fakeIndex) added(class types.DocumentClass) []types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Document
	for _, d := range f.docs {
		if d.doc.Class == class {
			out = append(out, d.doc)
		}
	}
	return out
}

func (f *fakeIndex) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type generatorCall struct {
	messages    []types.Message
	temperature float64
	maxTokens   int
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []generatorCall
}

func (f *fakeGenerator) Send(ctx context.Context, messages []types.Message, temperature float64, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generatorCall{messages: messages, temperature: temperature, maxTokens: maxTokens})
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSummaryStore struct {
	mu        sync.Mutex
	summaries map[int64][]string
	nextID    int64
	addErr    error
	getErr    error
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{summaries: make(map[int64][]string)}
}

func (f *fakeSummaryStore) AddSummary(ctx context.Context, sessionID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.nextID++
	f.summaries[sessionID] = append(f.summaries[sessionID], text)
	return f.nextID, nil
}

func (f *fakeSummaryStore) GetLatestSummary(ctx context.Context, sessionID int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	list := f.summaries[sessionID]
	if len(list) == 0 {
		return "", false, nil
	}
	return list[len(list)-1], true, nil
}

var errBoom = errors.New("boom")
