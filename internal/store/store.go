// Package store orchestrates the per-user memory stores: ingestion of files
// and notes, retrieval, deletion, compaction and the ledger operations. Each
// user owns an isolated directory holding a vector index, a metadata file, a
// ledger and the raw documents.
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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memvault/internal/audit"
	"github.com/stellarlinkco/memvault/internal/config"
	"github.com/stellarlinkco/memvault/internal/extract"
	"github.com/stellarlinkco/memvault/internal/fsutil"
	"github.com/stellarlinkco/memvault/internal/ledger"
	"github.com/stellarlinkco/memvault/internal/llm"
	"github.com/stellarlinkco/memvault/internal/metastore"
	"github.com/stellarlinkco/memvault/internal/segment"
	"github.com/stellarlinkco/memvault/internal/vecindex"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// ErrNotFound reports a missing user, entry or backing file. Callers map it
// to a recoverable condition, not a crash.
var ErrNotFound = errors.New("not found")

// Embedder is the provider surface the store needs. *embed.Client satisfies
// it; tests substitute a local fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedOrZero(ctx context.Context, texts []string) [][]float32
	Dimension() int
}

// Meta is the caller-supplied metadata attached at ingestion time. Empty
// Title/Tags/Notes may be filled by the metadata suggester when one is
// configured.
type Meta struct {
	Title     string
	Tags      []string
	Notes     string
	Category  string
	Deadline  string
	Reference bool
}

// Result is one retrieval hit. Distance is the L2 distance between the query
// vector and the chunk vector: lower is closer, and it is never comparable
// with cosine similarity output.
type Result struct {
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
	Distance     float64  `json:"distance"`
}

// Options configures a Manager. Suggest and Audit are optional.
type Options struct {
	DataDir         string
	Segment         segment.Options
	Embedder        Embedder
	Suggest         llm.Client
	SummaryMinWords int
	Extractor       extract.Extractor
	Audit           *audit.Log
}

// Manager owns every user store under one data directory. A per-user mutex
// serializes all mutations and reads of that user's triple; different users
// proceed in parallel.
type Manager struct {
	dataDir         string
	seg             segment.Options
	embedder        Embedder
	suggest         llm.Client
	summaryMinWords int
	extractor       extract.Extractor
	audit           *audit.Log
	log             zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.Extractor == nil {
		opts.Extractor = extract.Plain{}
	}
	if opts.SummaryMinWords <= 0 {
		opts.SummaryMinWords = config.DefaultSummaryMinWords
	}
	return &Manager{
		dataDir:         opts.DataDir,
		seg:             opts.Segment,
		embedder:        opts.Embedder,
		suggest:         opts.Suggest,
		summaryMinWords: opts.SummaryMinWords,
		extractor:       opts.Extractor,
		audit:           opts.Audit,
		log:             logger.Component("store"),
		locks:           make(map[string]*sync.Mutex),
	}
}

type userPaths struct {
	root     string
	index    string
	metadata string
	ledger   string
	docs     string
}

func (m *Manager) paths(userID string) userPaths {
	root := filepath.Join(m.dataDir, "users", userID)
	return userPaths{
		root:     root,
		index:    filepath.Join(root, "index.bin"),
		metadata: filepath.Join(root, "metadata.json"),
		ledger:   filepath.Join(root, "ledger.json"),
		docs:     filepath.Join(root, "docs"),
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

func validateUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("empty user id")
	}
	if userID == "." || userID == ".." ||
		strings.ContainsAny(userID, "/\\") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return userID, nil
}

type userState struct {
	paths  userPaths
	index  *vecindex.Index
	meta   *metastore.Store
	ledger *ledger.Ledger
}

// loadUser reads the user's triple. Missing files yield empty state; corrupt
// metadata and ledger files are quarantined by their loaders.
func (m *Manager) loadUser(userID string) (*userState, error) {
	p := m.paths(userID)

	ix, err := vecindex.Open(p.index)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	meta, err := metastore.Load(p.metadata)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	led, err := ledger.Load(p.ledger)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return &userState{paths: p, index: ix, meta: meta, ledger: led}, nil
}

// saveUser persists the triple. Each file is written atomically; the index
// goes first so a crash mid-save leaves metadata pointing at live slots.
func (m *Manager) saveUser(st *userState) error {
	if err := os.MkdirAll(st.paths.root, 0755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	if err := st.index.Save(st.paths.index); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	if err := st.meta.Save(st.paths.metadata); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	if err := st.ledger.Save(st.paths.ledger); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// IngestFile stores raw file bytes for a user: the document is copied under
// docs/, text is extracted, segmented and embedded, the chunks land in the
// index and metadata store, and a ledger entry is appended. When the source
// is long enough and a suggester is configured, an auto summary is stored as
// its own chunk set linked back to the entry. The returned summary string is
// empty when no summary was generated.
func (m *Manager) IngestFile(ctx context.Context, userID string, data []byte, filename string, meta Meta) (ledger.Entry, string, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return ledger.Entry{}, "", err
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return ledger.Entry{}, "", fmt.Errorf("empty filename")
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return ledger.Entry{}, "", err
	}
	if err := os.MkdirAll(st.paths.docs, 0755); err != nil {
		return ledger.Entry{}, "", fmt.Errorf("create docs dir: %w", err)
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	docPath := filepath.Join(st.paths.docs, hash+"_"+filename)
	if err := fsutil.WriteFileAtomic(docPath, data, 0644); err != nil {
		return ledger.Entry{}, "", fmt.Errorf("store document: %w", err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	text, err := m.extractor.Extract(docPath, ext)
	if err != nil {
		return ledger.Entry{}, "", fmt.Errorf("extract text: %w", err)
	}

	entry, summary, err := m.ingestText(ctx, st, ingestInput{
		userID:   userID,
		text:     text,
		filename: filename,
		filetype: ext,
		filepath: docPath,
		hash:     hash,
		size:     int64(len(data)),
		meta:     meta,
	})
	if err != nil {
		return ledger.Entry{}, "", err
	}

	m.recordAudit(userID, audit.ActionIngestFile, entry.ID, filename)
	return entry, summary, nil
}

// IngestNote stores free text under a synthetic filename. Notes have no
// backing document file.
func (m *Manager) IngestNote(ctx context.Context, userID, text string, meta Meta) (ledger.Entry, string, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return ledger.Entry{}, "", err
	}
	if strings.TrimSpace(text) == "" {
		return ledger.Entry{}, "", fmt.Errorf("empty note text")
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return ledger.Entry{}, "", err
	}

	sum := md5.Sum([]byte(text))
	filename := "user_note_" + time.Now().UTC().Format(time.RFC3339) + ".txt"

	entry, summary, err := m.ingestText(ctx, st, ingestInput{
		userID:   userID,
		text:     text,
		filename: filename,
		filetype: "txt",
		hash:     hex.EncodeToString(sum[:]),
		size:     int64(len(text)),
		meta:     meta,
	})
	if err != nil {
		return ledger.Entry{}, "", err
	}

	m.recordAudit(userID, audit.ActionIngestNote, entry.ID, filename)
	return entry, summary, nil
}

type ingestInput struct {
	userID   string
	text     string
	filename string
	filetype string
	filepath string
	hash     string
	size     int64
	meta     Meta
}

func (m *Manager) ingestText(ctx context.Context, st *userState, in ingestInput) (ledger.Entry, string, error) {
	meta := m.fillSuggestedMeta(ctx, in.text, in.filename, in.meta)

	_, isDup := st.ledger.FindBySourceHash(in.hash, in.filename)
	if isDup {
		m.log.Info().Str("user", in.userID).Str("file", in.filename).
			Msg("duplicate source detected, storing anyway")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entry := ledger.Entry{
		ID:           newEntryID(),
		Filename:     in.filename,
		Filetype:     in.filetype,
		Filepath:     in.filepath,
		TextPreview:  ledger.Preview(in.text),
		DateUploaded: now,
		SourceHash:   in.hash,
		Title:        meta.Title,
		Tags:         meta.Tags,
		Category:     meta.Category,
		Notes:        meta.Notes,
		FileSize:     in.size,
		Importance: ledger.ComputeImportance(in.text, ledger.ImportanceSignals{
			Deadline:  meta.Deadline,
			Tags:      meta.Tags,
			Reference: meta.Reference,
		}),
		Duplicate: isDup,
	}

	chunks, err := m.indexChunks(ctx, st, in.text, entry.ID, chunkMeta{
		sourceFile:   in.filename,
		title:        meta.Title,
		tags:         meta.Tags,
		notes:        meta.Notes,
		category:     meta.Category,
		filetype:     in.filetype,
		dateUploaded: now,
		textPreview:  entry.TextPreview,
	})
	if err != nil {
		return ledger.Entry{}, "", err
	}
	entry.EmbeddingChunks = chunks
	entry = st.ledger.Append(entry)

	summary := m.storeSummary(ctx, st, in, entry, now)

	if err := m.saveUser(st); err != nil {
		return ledger.Entry{}, "", err
	}
	return entry, summary, nil
}

// fillSuggestedMeta asks the configured suggester for title/tags/notes and
// fills only the fields the caller left empty. Suggester failure degrades to
// the caller's metadata.
func (m *Manager) fillSuggestedMeta(ctx context.Context, text, filename string, meta Meta) Meta {
	if m.suggest == nil {
		return meta
	}
	if meta.Title != "" && len(meta.Tags) > 0 && meta.Notes != "" {
		return meta
	}
	suggestion, err := m.suggest.SuggestMetadata(ctx, text, filename)
	if err != nil {
		m.log.Warn().Err(err).Str("file", filename).Msg("metadata suggestion failed")
		return meta
	}
	if meta.Title == "" {
		meta.Title = suggestion.Title
	}
	if len(meta.Tags) == 0 {
		meta.Tags = suggestion.Tags
	}
	if meta.Notes == "" {
		meta.Notes = suggestion.Notes
	}
	return meta
}

type chunkMeta struct {
	sourceFile   string
	title        string
	tags         []string
	notes        string
	category     string
	filetype     string
	dateUploaded string
	textPreview  string
}

// indexChunks segments text, embeds the chunks and appends them to the index
// and metadata store at consecutive slots.
func (m *Manager) indexChunks(ctx context.Context, st *userState, text, entryID string, cm chunkMeta) ([]ledger.EmbeddingChunk, error) {
	texts := segment.Split(text, m.seg)
	vectors := m.embedder.EmbedOrZero(ctx, texts)

	start, err := st.index.Add(vectors)
	if err != nil {
		return nil, fmt.Errorf("index chunks: %w", err)
	}

	chunks := make([]ledger.EmbeddingChunk, len(texts))
	for i, chunkText := range texts {
		slot := start + i
		st.meta.Put(slot, metastore.Record{
			Text:         chunkText,
			SourceFile:   cm.sourceFile,
			Title:        cm.title,
			Tags:         cm.tags,
			Notes:        cm.notes,
			Category:     cm.category,
			Filetype:     cm.filetype,
			DateUploaded: cm.dateUploaded,
			TextPreview:  cm.textPreview,
			EntryID:      entryID,
		})
		chunks[i] = ledger.EmbeddingChunk{Text: chunkText, Vector: vectors[i]}
	}
	return chunks, nil
}

// storeSummary generates and indexes an auto summary for long sources. The
// summary becomes its own ledger entry, tagged "summary", sharing the source
// hash with its parent so deletion removes both, with a summarizes
// relationship pointing back at the parent.
func (m *Manager) storeSummary(ctx context.Context, st *userState, in ingestInput, parent ledger.Entry, now string) string {
	if m.suggest == nil {
		return ""
	}
	if segment.WordCount(in.text) < m.summaryMinWords {
		return ""
	}

	summary, err := m.suggest.Summarize(ctx, in.text)
	if err != nil {
		m.log.Warn().Err(err).Str("file", in.filename).Msg("auto summary failed")
		return ""
	}
	if strings.TrimSpace(summary) == "" {
		return ""
	}

	tags := append(append([]string{}, parent.Tags...), "summary")
	summaryEntry := ledger.Entry{
		ID:           newEntryID(),
		Filename:     in.filename + ".summary",
		Filetype:     "txt",
		TextPreview:  ledger.Preview(summary),
		DateUploaded: now,
		SourceHash:   in.hash,
		Title:        strings.TrimSpace("Summary: " + parent.Title),
		Tags:         tags,
		Category:     parent.Category,
		FileSize:     int64(len(summary)),
		Importance:   ledger.ImportanceMedium,
	}

	chunks, err := m.indexChunks(ctx, st, summary, summaryEntry.ID, chunkMeta{
		sourceFile:   summaryEntry.Filename,
		title:        summaryEntry.Title,
		tags:         tags,
		notes:        "",
		category:     parent.Category,
		filetype:     "txt",
		dateUploaded: now,
		textPreview:  summaryEntry.TextPreview,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("file", in.filename).Msg("indexing summary failed")
		return ""
	}
	summaryEntry.EmbeddingChunks = chunks
	summaryEntry = st.ledger.Append(summaryEntry)
	st.ledger.AddRelationship(summaryEntry.ID, parent.ID, ledger.RelSummarizes, "auto-generated summary")
	return summary
}

// Retrieve embeds the query and returns up to topK chunk results ordered by
// ascending L2 distance. An empty store returns an empty slice and no error;
// slots missing from the metadata store are skipped.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, topK int) ([]Result, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = config.DefaultRetrieveTopK
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return nil, err
	}
	if st.index.Live() == 0 {
		return []Result{}, nil
	}

	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Rank every live vector, then fill topK past any orphaned slots.
	hits, err := st.index.Search(qvec, st.index.Live())
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]Result, 0, topK)
	for _, hit := range hits {
		rec, ok := st.meta.Get(hit.Slot)
		if !ok {
			m.log.Warn().Str("user", userID).Int("slot", hit.Slot).
				Msg("slot missing from metadata store, skipped")
			continue
		}
		results = append(results, Result{
			Text:         rec.Text,
			SourceFile:   rec.SourceFile,
			Title:        rec.Title,
			Tags:         rec.Tags,
			Notes:        rec.Notes,
			Category:     rec.Category,
			Filetype:     rec.Filetype,
			DateUploaded: rec.DateUploaded,
			TextPreview:  rec.TextPreview,
			EntryID:      rec.EntryID,
			Distance:     hit.Distance,
		})
		if len(results) == topK {
			break
		}
	}

	m.recordAudit(userID, audit.ActionRetrieve, "", fmt.Sprintf("q=%q k=%d hits=%d", query, topK, len(results)))
	return results, nil
}

// Delete removes every entry carrying the source hash: ledger entries go,
// their slots are tombstoned and their metadata records deleted. Index
// vectors stay until compaction. The backing document file is removed when
// present.
func (m *Manager) Delete(userID, sourceHash string) (int, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return 0, err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return 0, err
	}

	removed := st.ledger.RemoveBySourceHash(sourceHash)
	if len(removed) == 0 {
		return 0, fmt.Errorf("source hash %q: %w", sourceHash, ErrNotFound)
	}

	for _, entry := range removed {
		slots := st.meta.SlotsForEntry(entry.ID)
		st.index.Tombstone(slots...)
		st.meta.Delete(slots...)
		if entry.Filepath != "" {
			if err := os.Remove(entry.Filepath); err != nil && !os.IsNotExist(err) {
				m.log.Warn().Err(err).Str("path", entry.Filepath).Msg("removing document file failed")
			}
		}
	}

	if err := m.saveUser(st); err != nil {
		return 0, err
	}
	m.recordAudit(userID, audit.ActionDelete, "", fmt.Sprintf("hash=%s entries=%d", sourceHash, len(removed)))
	return len(removed), nil
}

// Compact rewrites the user's index without tombstoned slots and renumbers
// the metadata records to match.
func (m *Manager) Compact(userID string) error {
	userID, err := validateUserID(userID)
	if err != nil {
		return err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return err
	}
	if st.index.Len() == 0 {
		return nil
	}

	mapping := st.index.Compact()
	st.meta.Renumber(mapping)

	if err := m.saveUser(st); err != nil {
		return err
	}
	m.recordAudit(userID, audit.ActionCompact, "", fmt.Sprintf("live=%d", st.index.Len()))
	return nil
}

// CompactAll compacts every user directory found under the data dir. Used by
// the scheduled maintenance job; per-user failures are logged and skipped.
func (m *Manager) CompactAll() {
	usersDir := filepath.Join(m.dataDir, "users")
	dirEntries, err := os.ReadDir(usersDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn().Err(err).Msg("listing user dirs failed")
		}
		return
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if err := m.Compact(de.Name()); err != nil {
			m.log.Warn().Err(err).Str("user", de.Name()).Msg("compaction failed")
		}
	}
}

// UpdateAccess bumps an entry's access count and timestamps and returns the
// updated entry.
func (m *Manager) UpdateAccess(userID, entryID string) (ledger.Entry, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return ledger.Entry{}, err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if !st.ledger.UpdateAccess(entryID) {
		return ledger.Entry{}, fmt.Errorf("entry %q: %w", entryID, ErrNotFound)
	}
	if err := st.ledger.Save(st.paths.ledger); err != nil {
		return ledger.Entry{}, fmt.Errorf("save ledger: %w", err)
	}

	entry, _ := st.ledger.FindByID(entryID)
	m.recordAudit(userID, audit.ActionAccess, entryID, "")
	return entry, nil
}

// AddRelationship stores a directed typed edge on the source entry.
func (m *Manager) AddRelationship(userID, sourceID, targetID, relType, description string) (ledger.Relationship, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return ledger.Relationship{}, err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return ledger.Relationship{}, err
	}
	rel, ok := st.ledger.AddRelationship(sourceID, targetID, relType, description)
	if !ok {
		return ledger.Relationship{}, fmt.Errorf("entry %q: %w", sourceID, ErrNotFound)
	}
	if err := st.ledger.Save(st.paths.ledger); err != nil {
		return ledger.Relationship{}, fmt.Errorf("save ledger: %w", err)
	}

	m.recordAudit(userID, audit.ActionRelationship, sourceID, relType+" -> "+targetID)
	return rel, nil
}

// List returns the user's ledger entries in insertion order.
func (m *Manager) List(userID string) ([]ledger.Entry, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return nil, err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return nil, err
	}
	entries := make([]ledger.Entry, len(st.ledger.Entries()))
	copy(entries, st.ledger.Entries())
	return entries, nil
}

// ReferencedBy reports, per entry id, the relationship edges other entries
// hold toward it. Storage keeps edges one-sided on the source entry; this is
// the derived reverse view.
func (m *Manager) ReferencedBy(userID string) (map[string][]ledger.Relationship, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return nil, err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return nil, err
	}
	return st.ledger.ReverseRelationships(), nil
}

// EntryFile resolves an entry's backing document path. Notes and entries
// whose file has gone missing yield ErrNotFound.
func (m *Manager) EntryFile(userID, entryID string) (string, error) {
	userID, err := validateUserID(userID)
	if err != nil {
		return "", err
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadUser(userID)
	if err != nil {
		return "", err
	}
	entry, ok := st.ledger.FindByID(entryID)
	if !ok {
		return "", fmt.Errorf("entry %q: %w", entryID, ErrNotFound)
	}
	if entry.Filepath == "" {
		return "", fmt.Errorf("entry %q has no backing file: %w", entryID, ErrNotFound)
	}
	if _, err := os.Stat(entry.Filepath); err != nil {
		return "", fmt.Errorf("entry %q backing file: %w", entryID, ErrNotFound)
	}
	return entry.Filepath, nil
}

func newEntryID() string {
	return uuid.NewString()
}

func (m *Manager) recordAudit(userID, action, entryID, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(userID, action, entryID, detail); err != nil {
		m.log.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}
