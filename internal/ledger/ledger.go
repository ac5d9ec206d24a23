package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/memvault/internal/fsutil"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// Ledger is the in-memory image of one user's entry list. It is not safe for
// concurrent use; the store manager serializes access per user.
type Ledger struct {
	entries []Entry
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Load reads a ledger file. Missing file yields an empty ledger. A corrupt
// file is quarantined and logged, and an empty ledger is returned.
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		log := logger.Component("ledger")
		moved, qerr := fsutil.QuarantineFile(path, time.Now().Unix())
		if qerr != nil {
			log.Warn().Err(err).AnErr("quarantine_error", qerr).Str("path", path).
				Msg("corrupt ledger file, starting empty")
		} else {
			log.Warn().Err(err).Str("path", path).Str("quarantined", moved).
				Msg("corrupt ledger file quarantined, starting empty")
		}
		return New(), nil
	}

	now := nowRFC3339()
	for i := range entries {
		entries[i].normalize(now)
	}
	return &Ledger{entries: entries}, nil
}

// Save writes the full entry list atomically.
func (l *Ledger) Save(path string) error {
	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Len reports the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns the entries in insertion order. The slice is shared;
// callers must not mutate it.
func (l *Ledger) Entries() []Entry { return l.entries }

// Append adds an entry, defaulting any unset optional fields.
func (l *Ledger) Append(entry Entry) Entry {
	entry.normalize(nowRFC3339())
	l.entries = append(l.entries, entry)
	return entry
}

// FindByID returns the entry with the given id.
func (l *Ledger) FindByID(id string) (Entry, bool) {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// FindBySourceHash returns the first entry matching both hash and filename,
// the dedup key for uploaded content.
func (l *Ledger) FindBySourceHash(hash, filename string) (Entry, bool) {
	for i := range l.entries {
		if l.entries[i].SourceHash == hash && l.entries[i].Filename == filename {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// UpdateAccess increments access_count and bumps last_accessed for the
// matching entry. Returns false (no-op) when the id is unknown.
func (l *Ledger) UpdateAccess(id string) bool {
	for i := range l.entries {
		if l.entries[i].ID != id {
			continue
		}
		now := nowRFC3339()
		l.entries[i].AccessCount++
		l.entries[i].LastAccessed = now
		l.entries[i].UpdatedAt = now
		return true
	}
	return false
}

// AddRelationship appends a directed edge to the source entry. The edge is
// stored one-sided: nothing is written to the target. Returns the created
// relationship and false when the source id is unknown.
func (l *Ledger) AddRelationship(sourceID, targetID, relType, description string) (Relationship, bool) {
	for i := range l.entries {
		if l.entries[i].ID != sourceID {
			continue
		}
		now := nowRFC3339()
		rel := Relationship{
			ID:          uuid.NewString(),
			SourceID:    sourceID,
			TargetID:    targetID,
			Type:        relType,
			Description: description,
			CreatedAt:   now,
		}
		l.entries[i].Relationships = append(l.entries[i].Relationships, rel)
		l.entries[i].UpdatedAt = now
		return rel, true
	}
	return Relationship{}, false
}

// RemoveBySourceHash removes every entry with the given source hash and
// returns the removed entries, so the caller can tombstone their slots.
func (l *Ledger) RemoveBySourceHash(hash string) []Entry {
	var removed []Entry
	kept := l.entries[:0]
	for i := range l.entries {
		if l.entries[i].SourceHash == hash {
			removed = append(removed, l.entries[i])
			continue
		}
		kept = append(kept, l.entries[i])
	}
	l.entries = kept
	return removed
}

// ReverseRelationships builds the derived reverse adjacency: target entry id
// -> edges pointing at it. Storage stays one-sided on the source.
func (l *Ledger) ReverseRelationships() map[string][]Relationship {
	reverse := make(map[string][]Relationship)
	for i := range l.entries {
		for _, rel := range l.entries[i].Relationships {
			reverse[rel.TargetID] = append(reverse[rel.TargetID], rel)
		}
	}
	return reverse
}
