// Package metastore persists the per-user slot -> chunk metadata mapping as a
// human-readable JSON file, keyed by the decimal slot id.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/stellarlinkco/memvault/internal/fsutil"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// Record is the denormalized chunk metadata stored per slot. Entry-level
// fields are duplicated onto every chunk so retrieval needs no ledger join.
type Record struct {
	Text         string   `json:"text"`
	SourceFile   string   `json:"source_file"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	Notes        string   `json:"notes"`
	Category     string   `json:"category"`
	Filetype     string   `json:"filetype"`
	DateUploaded string   `json:"date_uploaded"`
	TextPreview  string   `json:"text_preview"`
	EntryID      string   `json:"entry_id,omitempty"`
}

// Store is the in-memory image of one user's metadata file.
type Store struct {
	records map[string]Record
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]Record)}
}

// Load reads a metadata file. Missing file yields an empty store. A corrupt
// file is quarantined next to the original and logged, and an empty store is
// returned; the load call itself does not fail.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		log := logger.Component("metastore")
		moved, qerr := fsutil.QuarantineFile(path, time.Now().Unix())
		if qerr != nil {
			log.Warn().Err(err).AnErr("quarantine_error", qerr).Str("path", path).
				Msg("corrupt metadata file, starting empty")
		} else {
			log.Warn().Err(err).Str("path", path).Str("quarantined", moved).
				Msg("corrupt metadata file quarantined, starting empty")
		}
		return New(), nil
	}

	for key, rec := range records {
		if rec.Tags == nil {
			rec.Tags = []string{}
			records[key] = rec
		}
	}
	return &Store{records: records}, nil
}

// Save writes the full mapping atomically.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Len reports the number of records.
func (s *Store) Len() int { return len(s.records) }

// Get looks up the record for a slot.
func (s *Store) Get(slot int) (Record, bool) {
	rec, ok := s.records[strconv.Itoa(slot)]
	return rec, ok
}

// Put stores a record under a slot.
func (s *Store) Put(slot int, rec Record) {
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	s.records[strconv.Itoa(slot)] = rec
}

// Delete removes the records for the given slots.
func (s *Store) Delete(slots ...int) {
	for _, slot := range slots {
		delete(s.records, strconv.Itoa(slot))
	}
}

// SlotsForEntry returns the slots whose records belong to the given entry,
// in ascending order.
func (s *Store) SlotsForEntry(entryID string) []int {
	var slots []int
	for key, rec := range s.records {
		if rec.EntryID != entryID {
			continue
		}
		if id, err := strconv.Atoi(key); err == nil {
			slots = append(slots, id)
		}
	}
	sort.Ints(slots)
	return slots
}

// Renumber rewrites the mapping after index compaction: every record moves
// from its old slot to mapping[old]; records without a mapping entry are
// dropped (their vectors were tombstoned).
func (s *Store) Renumber(mapping map[int]int) {
	renumbered := make(map[string]Record, len(mapping))
	for key, rec := range s.records {
		old, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if newSlot, ok := mapping[old]; ok {
			renumbered[strconv.Itoa(newSlot)] = rec
		}
	}
	s.records = renumbered
}
