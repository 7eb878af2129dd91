package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/easeaico/persona-chat/internal/memory"
	"github.com/easeaico/persona-chat/internal/types"
)

const defaultTopK = 3

// SemanticIndex implements memory.SemanticIndex on the store's connection.
// Candidates are loaded per class and ranked by cosine similarity in Go.
type SemanticIndex struct {
	db       *sql.DB
	embedder memory.Embedder
}

// NewSemanticIndex shares the store's single connection.
func NewSemanticIndex(store *Store, embedder memory.Embedder) *SemanticIndex {
	return &SemanticIndex{db: store.db, embedder: embedder}
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

	var extra []byte
	if len(doc.Metadata.Extra) > 0 {
		if extra, err = json.Marshal(doc.Metadata.Extra); err != nil {
			return "", fmt.Errorf("failed to encode document metadata: %w", err)
		}
	}

	ts := doc.Metadata.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	id := types.NewDocumentID(doc, ts)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_documents
			(id, class, content, character_id, session_id, message_id, memory_type, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(doc.Class), doc.Text, doc.Metadata.CharacterID, doc.Metadata.SessionID,
		doc.Metadata.MessageID, doc.Metadata.MemoryType, nullableText(extra), encodeEmbedding(embedding), ts.UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

func (s *SemanticIndex) Query(ctx context.Context, q types.Query) ([]types.SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query text cannot be empty")
	}
	queryVec, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	where, args := documentFilters(q)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, character_id, session_id, message_id, memory_type, metadata, embedding, created_at
		FROM semantic_documents
		WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var (
			res   types.SearchResult
			extra sql.NullString
			blob  []byte
		)
		if err := rows.Scan(&res.ID, &res.Text, &res.Metadata.CharacterID, &res.Metadata.SessionID,
			&res.Metadata.MessageID, &res.Metadata.MemoryType, &extra, &blob, &res.Metadata.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &res.Metadata.Extra)
		}
		distance := 1 - cosineSimilarity(queryVec, decodeEmbedding(blob))
		res.Relevance = types.Relevance(distance)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

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

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// encodeEmbedding serializes a vector as little-endian float32.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
