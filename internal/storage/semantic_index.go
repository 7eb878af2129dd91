package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/easeaico/persona-chat/internal/memory"
	"github.com/easeaico/persona-chat/internal/types"
)

const defaultTopK = 3

// documentModel maps to the semantic_documents table.
type documentModel struct {
	ID          string `gorm:"primaryKey;size:96"`
	Class       string `gorm:"size:32;not null;index"`
	Content     string `gorm:"type:text;not null"`
	CharacterID string `gorm:"size:128;index"`
	SessionID   int64  `gorm:"index"`
	MessageID   int64
	MemoryType  string `gorm:"size:64"`
	// Extra metadata, free-form.
	Metadata  json.RawMessage `gorm:"type:jsonb"`
	Embedding pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt time.Time
}

func (documentModel) TableName() string {
	return "semantic_documents"
}

// documentHit is a query row with its cosine distance.
type documentHit struct {
	ID          string
	Content     string
	CharacterID string
	SessionID   int64
	MessageID   int64
	MemoryType  string
	Metadata    json.RawMessage
	CreatedAt   time.Time
	Distance    float64
}

// SemanticIndex is the pgvector implementation of memory.SemanticIndex.
type SemanticIndex struct {
	db       *gorm.DB
	embedder memory.Embedder
}

// NewSemanticIndex returns a SemanticIndex.
func NewSemanticIndex(db *gorm.DB, embedder memory.Embedder) *SemanticIndex {
	return &SemanticIndex{db: db, embedder: embedder}
}

func (s *SemanticIndex) Add(ctx context.Context, doc types.Document) (string, error) {
	if !doc.Class.Valid() {
		return "", fmt.Errorf("unknown document class %q", doc.Class)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return "", fmt.Errorf("document text cannot be empty")
	}

	embedding, err := s.embedder.EmbedDocument(ctx, doc.Text)
	if err != nil {
		return "", fmt.Errorf("failed to embed document: %w", err)
	}
	extra, err := marshalJSON(doc.Metadata.Extra)
	if err != nil {
		return "", fmt.Errorf("failed to encode document metadata: %w", err)
	}

	ts := doc.Metadata.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	record := documentModel{
		ID:          types.NewDocumentID(doc, ts),
		Class:       string(doc.Class),
		Content:     doc.Text,
		CharacterID: doc.Metadata.CharacterID,
		SessionID:   doc.Metadata.SessionID,
		MessageID:   doc.Metadata.MessageID,
		MemoryType:  doc.Metadata.MemoryType,
		Metadata:    extra,
		Embedding:   pgvector.NewVector(embedding),
		CreatedAt:   ts,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return record.ID, nil
}

func (s *SemanticIndex) Query(ctx context.Context, q types.Query) ([]types.SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query text cannot be empty")
	}
	embedding, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	conditions, filterArgs := documentFilters(q)
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	query := fmt.Sprintf(`
		SELECT id, content, character_id, session_id, message_id, memory_type, metadata, created_at,
		       embedding <=> ? AS distance
		FROM semantic_documents
		WHERE %s
		ORDER BY distance ASC
		LIMIT ?`, conditions)

	args := make([]any, 0, len(filterArgs)+2)
	args = append(args, pgvector.NewVector(embedding))
	args = append(args, filterArgs...)
	args = append(args, topK)

	var hits []documentHit
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		var extra map[string]string
		_ = unmarshalJSON(hit.Metadata, &extra)
		results = append(results, types.SearchResult{
			ID:   hit.ID,
			Text: hit.Content,
			Metadata: types.DocumentMetadata{
				CharacterID: hit.CharacterID,
				SessionID:   hit.SessionID,
				MessageID:   hit.MessageID,
				MemoryType:  hit.MemoryType,
				Timestamp:   hit.CreatedAt,
				Extra:       extra,
			},
			Relevance: types.Relevance(hit.Distance),
		})
	}
	return results, nil
}

// documentFilters builds the WHERE clause for a query; zero filter fields are skipped.
func documentFilters(q types.Query) (string, []any) {
	conditions := []string{"class = ?"}
	args := []any{string(q.Class)}
	if q.Filter.CharacterID != "" {
		conditions = append(conditions, "character_id = ?")
		args = append(args, q.Filter.CharacterID)
	}
	if q.Filter.SessionID != 0 {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.Filter.SessionID)
	}
	if q.Filter.MemoryType != "" {
		conditions = append(conditions, "memory_type = ?")
		args = append(args, q.Filter.MemoryType)
	}
	return strings.Join(conditions, " AND "), args
}

// marshalJSON encodes a value into JSONB, returning nil for empty values.
func marshalJSON(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// unmarshalJSON decodes JSONB into the provided target.
func unmarshalJSON(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
