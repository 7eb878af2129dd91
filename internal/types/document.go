package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentClass partitions the semantic index into independent collections.
type DocumentClass string

const (
	ClassUserMessage     DocumentClass = "user_message"
	ClassCharacterMemory DocumentClass = "character_memory"
	ClassSummary         DocumentClass = "summary"
)

// Valid reports whether c is one of the known classes.
func (c DocumentClass) Valid() bool {
	switch c {
	case ClassUserMessage, ClassCharacterMemory, ClassSummary:
		return true
	}
	return false
}

// MemoryRecord is a piece of character lore.
type MemoryRecord struct {
	Text        string            `json:"text"`
	CharacterID string            `json:"character_id"`
	MemoryType  string            `json:"memory_type"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DocumentMetadata is attached to every semantic index entry.
// CharacterID owns character memories; SessionID owns user messages and summaries.
type DocumentMetadata struct {
	CharacterID string            `json:"character_id,omitempty"`
	SessionID   int64             `json:"session_id,omitempty"`
	MessageID   int64             `json:"message_id,omitempty"`
	MemoryType  string            `json:"memory_type,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Document is an entry to append to the semantic index.
type Document struct {
	Class    DocumentClass
	Text     string
	Metadata DocumentMetadata
}

// QueryFilter narrows a similarity query. Zero fields do not filter.
type QueryFilter struct {
	CharacterID string
	SessionID   int64
	MemoryType  string
}

// Query is a similarity search over one document class.
type Query struct {
	Class  DocumentClass
	Text   string
	Filter QueryFilter
	TopK   int
}

// SearchResult is one hit of a similarity query.
// Relevance is normalized to [0, 1], 1 meaning identical.
type SearchResult struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Metadata  DocumentMetadata `json:"metadata"`
	Relevance float64          `json:"relevance"`
}

// RecordToDocument converts a memory record to a character_memory document.
func RecordToDocument(rec MemoryRecord) Document {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Document{
		Class: ClassCharacterMemory,
		Text:  rec.Text,
		Metadata: DocumentMetadata{
			CharacterID: rec.CharacterID,
			MemoryType:  rec.MemoryType,
			Timestamp:   ts,
			Extra:       rec.Metadata,
		},
	}
}

// NewDocumentID builds a collision-free id of the form <prefix>_<owner>_<timestamp>_<nonce>.
func NewDocumentID(doc Document, now time.Time) string {
	var prefix, owner string
	switch doc.Class {
	case ClassUserMessage:
		prefix, owner = "msg", fmt.Sprint(doc.Metadata.SessionID)
	case ClassCharacterMemory:
		prefix, owner = "mem", doc.Metadata.CharacterID
	case ClassSummary:
		prefix, owner = "sum", fmt.Sprint(doc.Metadata.SessionID)
	default:
		prefix, owner = "doc", "unknown"
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s", prefix, owner, now.Format("20060102150405"), nonce)
}

// Relevance converts a cosine distance into a [0, 1] relevance score.
func Relevance(distance float64) float64 {
	if distance > 1 {
		distance = 1
	}
	if distance < 0 {
		distance = 0
	}
	return 1 - distance
}
