// Package ledger manages the per-user ordered list of memory entries, the
// user-facing unit representing one uploaded file or note.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Relationship is a directed, typed edge between two entries. Only the source
// entry stores the edge; reverse traversal uses the derived adjacency built
// at load time.
type Relationship struct {
	ID          string `json:"id"`
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// Open enumeration of relationship types. Free-form values are accepted.
const (
	RelReferences  = "references"
	RelDependsOn   = "depends_on"
	RelRelatedTo   = "related_to"
	RelSummarizes  = "summarizes"
	RelExpandsOn   = "expands_on"
	RelContradicts = "contradicts"
)

// EmbeddingChunk is a chunk's text and vector co-stored on the entry,
// redundant with the vector index, so an index can be rebuilt or exported
// from the ledger alone.
type EmbeddingChunk struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// Entry is one memory entry.
type Entry struct {
	ID              string           `json:"id"`
	Filename        string           `json:"filename"`
	Filetype        string           `json:"filetype"`
	Filepath        string           `json:"filepath"`
	TextPreview     string           `json:"text_preview"`
	DateUploaded    string           `json:"date_uploaded"`
	SourceHash      string           `json:"source_hash"`
	Title           string           `json:"title"`
	Tags            []string         `json:"tags"`
	Category        string           `json:"category"`
	Notes           string           `json:"notes"`
	FileSize        int64            `json:"file_size"`
	EmbeddingChunks []EmbeddingChunk `json:"embedding_chunks"`
	Importance      int              `json:"importance"`
	Version         int              `json:"version"`
	AccessCount     int              `json:"access_count"`
	LastAccessed    string           `json:"last_accessed"`
	Relationships   []Relationship   `json:"relationships"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`

	// Duplicate is set when ingestion found an existing entry with the same
	// source hash and filename. The entry is still stored (soft dedup).
	Duplicate bool `json:"-"`
}

// PreviewLength is the number of leading characters of the source text kept
// as the entry's preview.
const PreviewLength = 500

// Preview truncates text to PreviewLength characters.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLength {
		return text
	}
	return string(runes[:PreviewLength])
}

// normalize defaults optional fields so entries written by older versions of
// the store never fail at read time.
func (e *Entry) normalize(now string) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.Relationships == nil {
		e.Relationships = []Relationship{}
	}
	if e.EmbeddingChunks == nil {
		e.EmbeddingChunks = []EmbeddingChunk{}
	}
	if e.Importance < MinImportance || e.Importance > MaxImportance {
		e.Importance = ImportanceMedium
	}
	if e.Version <= 0 {
		e.Version = 1
	}
	if e.CreatedAt == "" {
		if e.DateUploaded != "" {
			e.CreatedAt = e.DateUploaded
		} else {
			e.CreatedAt = now
		}
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = e.CreatedAt
	}
	if e.LastAccessed == "" {
		e.LastAccessed = e.CreatedAt
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
