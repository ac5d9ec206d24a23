package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/memvault/internal/ledger"
	"github.com/stellarlinkco/memvault/internal/llm"
	"github.com/stellarlinkco/memvault/internal/segment"
)

// fakeEmbedder maps text deterministically onto a small vector so identical
// text always lands at distance zero from itself.
type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) vec(text string) []float32 {
	sum := md5.Sum([]byte(text))
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(sum[i]) / 255
	}
	return v
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}

func (f fakeEmbedder) EmbedOrZero(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, f.dim)
			continue
		}
		out[i] = f.vec(t)
	}
	return out
}

func (f fakeEmbedder) Dimension() int { return f.dim }

type fakeSuggest struct {
	summary    string
	suggestion llm.Suggestion
	fail       bool
}

func (f fakeSuggest) Summarize(context.Context, string) (string, error) {
	if f.fail {
		return "", errors.New("provider down")
	}
	return f.summary, nil
}

func (f fakeSuggest) SuggestMetadata(context.Context, string, string) (llm.Suggestion, error) {
	if f.fail {
		return llm.Suggestion{}, errors.New("provider down")
	}
	return f.suggestion, nil
}

func newTestManager(t *testing.T, suggest llm.Client) *Manager {
	t.Helper()
	return NewManager(Options{
		DataDir:         t.TempDir(),
		Segment:         segment.Options{MaxWords: 200, Overlap: 40},
		Embedder:        fakeEmbedder{dim: 4},
		Suggest:         suggest,
		SummaryMinWords: 200,
	})
}

func TestIngestFile(t *testing.T) {
	m := newTestManager(t, nil)
	data := []byte("project kickoff is scheduled for next monday")

	entry, summary, err := m.IngestFile(context.Background(), "alice", data, "kickoff.txt", Meta{
		Title:    "Kickoff",
		Tags:     []string{"planning"},
		Category: "work",
	})
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}
	if summary != "" {
		t.Fatalf("summary=%q, want none for short text", summary)
	}
	if entry.ID == "" {
		t.Fatal("entry id not assigned")
	}
	wantHash := hex.EncodeToString(func() []byte { s := md5.Sum(data); return s[:] }())
	if entry.SourceHash != wantHash {
		t.Fatalf("source hash=%q, want %q", entry.SourceHash, wantHash)
	}
	if entry.Filetype != "txt" || entry.Filename != "kickoff.txt" {
		t.Fatalf("filename/filetype=%q/%q", entry.Filename, entry.Filetype)
	}
	if entry.FileSize != int64(len(data)) {
		t.Fatalf("file size=%d, want %d", entry.FileSize, len(data))
	}
	if entry.Duplicate {
		t.Fatal("first ingestion flagged duplicate")
	}
	if len(entry.EmbeddingChunks) != 1 {
		t.Fatalf("chunks=%d, want 1", len(entry.EmbeddingChunks))
	}

	// Raw document lands at docs/<hash>_<filename>.
	docPath := filepath.Join(m.dataDir, "users", "alice", "docs", wantHash+"_kickoff.txt")
	got, err := os.ReadFile(docPath)
	if err != nil {
		t.Fatalf("reading stored document: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("stored document differs from input")
	}
}

func TestIngestFileDuplicateFlag(t *testing.T) {
	m := newTestManager(t, nil)
	data := []byte("same content twice")

	first, _, err := m.IngestFile(context.Background(), "alice", data, "doc.txt", Meta{})
	if err != nil {
		t.Fatalf("first IngestFile() error: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first ingestion flagged duplicate")
	}

	second, _, err := m.IngestFile(context.Background(), "alice", data, "doc.txt", Meta{})
	if err != nil {
		t.Fatalf("second IngestFile() error: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("second ingestion of identical file not flagged duplicate")
	}
	if second.ID == first.ID {
		t.Fatal("duplicate reused the first entry id")
	}

	// Same bytes under a different name is not a duplicate.
	third, _, err := m.IngestFile(context.Background(), "alice", data, "other.txt", Meta{})
	if err != nil {
		t.Fatalf("third IngestFile() error: %v", err)
	}
	if third.Duplicate {
		t.Fatal("same bytes under a new filename flagged duplicate")
	}
}

func TestIngestNote(t *testing.T) {
	m := newTestManager(t, nil)

	entry, _, err := m.IngestNote(context.Background(), "alice", "remember to renew the certificate", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if !strings.HasPrefix(entry.Filename, "user_note_") || !strings.HasSuffix(entry.Filename, ".txt") {
		t.Fatalf("note filename=%q", entry.Filename)
	}
	if entry.Filepath != "" {
		t.Fatalf("note filepath=%q, want empty", entry.Filepath)
	}
	if entry.Filetype != "txt" {
		t.Fatalf("note filetype=%q", entry.Filetype)
	}

	if _, err := m.EntryFile("alice", entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EntryFile() for note err=%v, want ErrNotFound", err)
	}
}

func TestRetrieveRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if _, _, err := m.IngestNote(ctx, "alice", "the wifi password is hunter2", Meta{Title: "Wifi"}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if _, _, err := m.IngestNote(ctx, "alice", "dentist appointment on thursday", Meta{Title: "Dentist"}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	results, err := m.Retrieve(ctx, "alice", "the wifi password is hunter2", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results)=%d, want 2", len(results))
	}
	if results[0].Text != "the wifi password is hunter2" {
		t.Fatalf("top result=%q", results[0].Text)
	}
	if results[0].Distance != 0 {
		t.Fatalf("exact match distance=%v, want 0", results[0].Distance)
	}
	if results[0].Title != "Wifi" {
		t.Fatalf("top result title=%q", results[0].Title)
	}
	if results[1].Distance < results[0].Distance {
		t.Fatal("results not ordered by ascending distance")
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	m := newTestManager(t, nil)
	results, err := m.Retrieve(context.Background(), "nobody", "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results)=%d, want 0", len(results))
	}
}

func TestRetrieveTopKBound(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, _, err := m.IngestNote(ctx, "alice", fmt.Sprintf("note number %d about something", i), Meta{}); err != nil {
			t.Fatalf("IngestNote() error: %v", err)
		}
	}
	results, err := m.Retrieve(ctx, "alice", "note number 3 about something", 3)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results)=%d, want 3", len(results))
	}
}

func TestCrossUserIsolation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if _, _, err := m.IngestNote(ctx, "alice", "alice's private secret", Meta{}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if _, _, err := m.IngestNote(ctx, "bob", "bob's grocery list", Meta{}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	results, err := m.Retrieve(ctx, "bob", "alice's private secret", 10)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	for _, r := range results {
		if r.Text == "alice's private secret" {
			t.Fatal("bob's retrieval returned alice's chunk")
		}
	}

	bobEntries, err := m.List("bob")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(bobEntries) != 1 {
		t.Fatalf("bob has %d entries, want 1", len(bobEntries))
	}
}

func TestDeleteBySourceHash(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	entry, _, err := m.IngestFile(ctx, "alice", []byte("delete me soon"), "temp.txt", Meta{})
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}
	if _, _, err := m.IngestNote(ctx, "alice", "keep this one around", Meta{}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	n, err := m.Delete("alice", entry.SourceHash)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d entries, want 1", n)
	}
	if _, err := os.Stat(entry.Filepath); !os.IsNotExist(err) {
		t.Fatalf("document file still present after delete: %v", err)
	}

	results, err := m.Retrieve(ctx, "alice", "delete me soon", 10)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	for _, r := range results {
		if r.Text == "delete me soon" {
			t.Fatal("deleted chunk still retrievable")
		}
	}

	if _, err := m.Delete("alice", "no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() unknown hash err=%v, want ErrNotFound", err)
	}
}

func TestCompactAfterDelete(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	doomed, _, err := m.IngestNote(ctx, "alice", "short lived note", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if _, _, err := m.IngestNote(ctx, "alice", "survivor note", Meta{}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	if _, err := m.Delete("alice", doomed.SourceHash); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := m.Compact("alice"); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}

	results, err := m.Retrieve(ctx, "alice", "survivor note", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 1 || results[0].Text != "survivor note" {
		t.Fatalf("post-compaction results=%+v", results)
	}
	if results[0].Distance != 0 {
		t.Fatalf("post-compaction exact match distance=%v", results[0].Distance)
	}
}

func TestCompactWithoutDeletions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if _, _, err := m.IngestNote(ctx, "alice", "untouched note", Meta{}); err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	// Compacting an index with nothing tombstoned must leave the metadata
	// store intact.
	if err := m.Compact("alice"); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}

	results, err := m.Retrieve(ctx, "alice", "untouched note", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 1 || results[0].Text != "untouched note" {
		t.Fatalf("results after no-op compaction=%+v, want the ingested chunk", results)
	}

	// The nightly sweep takes the same path for every user.
	m.CompactAll()
	results, err = m.Retrieve(ctx, "alice", "untouched note", 5)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results after CompactAll=%+v, want the ingested chunk", results)
	}
}

func TestUpdateAccess(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	entry, _, err := m.IngestNote(ctx, "alice", "track my access count", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	updated, err := m.UpdateAccess("alice", entry.ID)
	if err != nil {
		t.Fatalf("UpdateAccess() error: %v", err)
	}
	if updated.AccessCount != 1 {
		t.Fatalf("access count=%d, want 1", updated.AccessCount)
	}

	if _, err := m.UpdateAccess("alice", "missing-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateAccess() missing err=%v, want ErrNotFound", err)
	}
}

func TestAddRelationship(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	a, _, err := m.IngestNote(ctx, "alice", "design doc for the widget", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	b, _, err := m.IngestNote(ctx, "alice", "implementation plan for the widget", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}

	rel, err := m.AddRelationship("alice", b.ID, a.ID, ledger.RelDependsOn, "plan follows design")
	if err != nil {
		t.Fatalf("AddRelationship() error: %v", err)
	}
	if rel.SourceID != b.ID || rel.TargetID != a.ID || rel.Type != ledger.RelDependsOn {
		t.Fatalf("relationship=%+v", rel)
	}

	entries, err := m.List("alice")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	var source ledger.Entry
	for _, e := range entries {
		if e.ID == b.ID {
			source = e
		}
	}
	if len(source.Relationships) != 1 {
		t.Fatalf("source relationships=%d, want 1", len(source.Relationships))
	}

	if _, err := m.AddRelationship("alice", "missing", a.ID, ledger.RelRelatedTo, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AddRelationship() missing source err=%v, want ErrNotFound", err)
	}

	// The target carries no stored edge; the reverse view derives it.
	referencedBy, err := m.ReferencedBy("alice")
	if err != nil {
		t.Fatalf("ReferencedBy() error: %v", err)
	}
	back := referencedBy[a.ID]
	if len(back) != 1 || back[0].SourceID != b.ID || back[0].Type != ledger.RelDependsOn {
		t.Fatalf("referenced-by edges for target=%+v", back)
	}
	if len(referencedBy[b.ID]) != 0 {
		t.Fatalf("source unexpectedly referenced: %+v", referencedBy[b.ID])
	}
}

func TestAutoSummary(t *testing.T) {
	m := newTestManager(t, fakeSuggest{summary: "A condensed account of the long document."})
	ctx := context.Background()

	long := strings.TrimSpace(strings.Repeat("word ", 250))
	entry, summary, err := m.IngestFile(ctx, "alice", []byte(long), "long.txt", Meta{Title: "Long", Tags: []string{"a"}, Notes: "n"})
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}
	if summary != "A condensed account of the long document." {
		t.Fatalf("summary=%q", summary)
	}

	entries, err := m.List("alice")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want parent + summary", len(entries))
	}

	var summaryEntry ledger.Entry
	for _, e := range entries {
		if e.ID != entry.ID {
			summaryEntry = e
		}
	}
	found := false
	for _, tag := range summaryEntry.Tags {
		if tag == "summary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("summary entry tags=%v, want summary tag", summaryEntry.Tags)
	}
	if summaryEntry.SourceHash != entry.SourceHash {
		t.Fatal("summary entry does not share the parent's source hash")
	}
	if len(summaryEntry.Relationships) != 1 ||
		summaryEntry.Relationships[0].Type != ledger.RelSummarizes ||
		summaryEntry.Relationships[0].TargetID != entry.ID {
		t.Fatalf("summary relationships=%+v", summaryEntry.Relationships)
	}

	// The summary chunk is retrievable on its own.
	results, err := m.Retrieve(ctx, "alice", "A condensed account of the long document.", 1)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(results) != 1 || results[0].Distance != 0 {
		t.Fatalf("summary retrieval=%+v", results)
	}

	// Deleting the source hash removes parent and summary together.
	n, err := m.Delete("alice", entry.SourceHash)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d entries, want 2", n)
	}
}

func TestAutoSummarySkippedForShortText(t *testing.T) {
	m := newTestManager(t, fakeSuggest{summary: "should not appear"})

	_, summary, err := m.IngestNote(context.Background(), "alice", "a short note", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if summary != "" {
		t.Fatalf("summary=%q, want none", summary)
	}
	entries, _ := m.List("alice")
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want 1", len(entries))
	}
}

func TestSummaryFailureDoesNotBlockIngestion(t *testing.T) {
	m := newTestManager(t, fakeSuggest{fail: true})

	long := strings.TrimSpace(strings.Repeat("word ", 250))
	entry, summary, err := m.IngestNote(context.Background(), "alice", long, Meta{Title: "t", Tags: []string{"a"}, Notes: "n"})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if summary != "" {
		t.Fatalf("summary=%q, want empty on provider failure", summary)
	}
	if entry.ID == "" {
		t.Fatal("entry not stored despite failed summary")
	}
}

func TestSuggestedMetadataFillsEmptyFields(t *testing.T) {
	m := newTestManager(t, fakeSuggest{
		suggestion: llm.Suggestion{Title: "Suggested", Tags: []string{"auto"}, Notes: "auto notes"},
	})

	entry, _, err := m.IngestNote(context.Background(), "alice", "needs metadata", Meta{Title: "Mine"})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if entry.Title != "Mine" {
		t.Fatalf("title=%q, caller value overwritten", entry.Title)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != "auto" {
		t.Fatalf("tags=%v, want suggested", entry.Tags)
	}
	if entry.Notes != "auto notes" {
		t.Fatalf("notes=%q, want suggested", entry.Notes)
	}
}

func TestImportanceFromIngestionMeta(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	tagged, _, err := m.IngestNote(ctx, "alice", "submit the filing", Meta{Tags: []string{"priority"}})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if tagged.Importance != ledger.ImportanceCritical {
		t.Fatalf("priority-tagged importance=%d, want %d", tagged.Importance, ledger.ImportanceCritical)
	}

	plain, _, err := m.IngestNote(ctx, "alice", "submit the filing due friday", Meta{})
	if err != nil {
		t.Fatalf("IngestNote() error: %v", err)
	}
	if plain.Importance != ledger.ImportanceMedium {
		t.Fatalf("untagged importance=%d, want %d", plain.Importance, ledger.ImportanceMedium)
	}
}

func TestEntryFile(t *testing.T) {
	m := newTestManager(t, nil)

	entry, _, err := m.IngestFile(context.Background(), "alice", []byte("file body"), "doc.txt", Meta{})
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}

	path, err := m.EntryFile("alice", entry.ID)
	if err != nil {
		t.Fatalf("EntryFile() error: %v", err)
	}
	if path != entry.Filepath {
		t.Fatalf("path=%q, want %q", path, entry.Filepath)
	}

	if _, err := m.EntryFile("alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EntryFile() missing err=%v, want ErrNotFound", err)
	}

	// A vanished backing file is reported as not found, not as a crash.
	if err := os.Remove(entry.Filepath); err != nil {
		t.Fatalf("removing backing file: %v", err)
	}
	if _, err := m.EntryFile("alice", entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EntryFile() vanished err=%v, want ErrNotFound", err)
	}
}

func TestValidateUserID(t *testing.T) {
	m := newTestManager(t, nil)
	for _, bad := range []string{"", "  ", "..", "a/b", `a\b`} {
		if _, _, err := m.IngestNote(context.Background(), bad, "text", Meta{}); err == nil {
			t.Fatalf("user id %q accepted", bad)
		}
	}
}
