// Package server exposes the memory stores over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memvault/internal/audit"
	"github.com/stellarlinkco/memvault/internal/ledger"
	"github.com/stellarlinkco/memvault/internal/store"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// maxUploadBytes caps multipart uploads read into memory.
const maxUploadBytes = 32 << 20

type Router struct {
	store *store.Manager
	audit *audit.Log
	log   zerolog.Logger
}

// New builds the HTTP handler. The audit log is optional.
func New(manager *store.Manager, auditLog *audit.Log) http.Handler {
	rt := &Router{
		store: manager,
		audit: auditLog,
		log:   logger.Component("server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", rt.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/users/{user}").Subrouter()
	api.HandleFunc("/files", rt.handleUploadFile).Methods(http.MethodPost)
	api.HandleFunc("/notes", rt.handleAddNote).Methods(http.MethodPost)
	api.HandleFunc("/search", rt.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/entries", rt.handleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id}/access", rt.handleAccess).Methods(http.MethodPost)
	api.HandleFunc("/relationships", rt.handleAddRelationship).Methods(http.MethodPost)
	api.HandleFunc("/files/{hash}", rt.handleDeleteFile).Methods(http.MethodDelete)
	api.HandleFunc("/compact", rt.handleCompact).Methods(http.MethodPost)
	api.HandleFunc("/stats", rt.handleStats).Methods(http.MethodGet)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, errorResponse{Error: message})
}

func (rt *Router) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}
	rt.log.Error().Err(err).Msg("store operation failed")
	sendError(w, http.StatusInternalServerError, err.Error())
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// entryView is a ledger entry with the chunk vectors omitted.
type entryView struct {
	ID            string                `json:"id"`
	Filename      string                `json:"filename"`
	Filetype      string                `json:"filetype"`
	TextPreview   string                `json:"text_preview"`
	DateUploaded  string                `json:"date_uploaded"`
	SourceHash    string                `json:"source_hash"`
	Title         string                `json:"title"`
	Tags          []string              `json:"tags"`
	Category      string                `json:"category"`
	Notes         string                `json:"notes"`
	FileSize      int64                 `json:"file_size"`
	Importance    int                   `json:"importance"`
	AccessCount   int                   `json:"access_count"`
	LastAccessed  string                `json:"last_accessed"`
	Relationships []ledger.Relationship `json:"relationships"`
	ReferencedBy  []ledger.Relationship `json:"referenced_by,omitempty"`
	CreatedAt     string                `json:"created_at"`
	Duplicate     bool                  `json:"duplicate,omitempty"`
}

func toEntryView(e ledger.Entry) entryView {
	return entryView{
		ID:            e.ID,
		Filename:      e.Filename,
		Filetype:      e.Filetype,
		TextPreview:   e.TextPreview,
		DateUploaded:  e.DateUploaded,
		SourceHash:    e.SourceHash,
		Title:         e.Title,
		Tags:          e.Tags,
		Category:      e.Category,
		Notes:         e.Notes,
		FileSize:      e.FileSize,
		Importance:    e.Importance,
		AccessCount:   e.AccessCount,
		LastAccessed:  e.LastAccessed,
		Relationships: e.Relationships,
		CreatedAt:     e.CreatedAt,
		Duplicate:     e.Duplicate,
	}
}

type ingestResponse struct {
	Entry   entryView `json:"entry"`
	Summary string    `json:"summary,omitempty"`
}

func (rt *Router) handleUploadFile(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		sendError(w, http.StatusBadRequest, "reading upload failed")
		return
	}

	meta := store.Meta{
		Title:    req.FormValue("title"),
		Notes:    req.FormValue("notes"),
		Category: req.FormValue("category"),
		Deadline: req.FormValue("deadline"),
	}
	if tags := req.FormValue("tags"); tags != "" {
		meta.Tags = splitTags(tags)
	}

	entry, summary, err := rt.store.IngestFile(req.Context(), user, data, header.Filename, meta)
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, ingestResponse{Entry: toEntryView(entry), Summary: summary})
}

type addNoteRequest struct {
	Text     string   `json:"text"`
	Title    string   `json:"title,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Category string   `json:"category,omitempty"`
	Deadline string   `json:"deadline,omitempty"`
}

func (rt *Router) handleAddNote(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	var body addNoteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Text == "" {
		sendError(w, http.StatusBadRequest, "text is required")
		return
	}

	entry, summary, err := rt.store.IngestNote(req.Context(), user, body.Text, store.Meta{
		Title:    body.Title,
		Tags:     body.Tags,
		Notes:    body.Notes,
		Category: body.Category,
		Deadline: body.Deadline,
	})
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, ingestResponse{Entry: toEntryView(entry), Summary: summary})
}

type searchResponse struct {
	Results []store.Result `json:"results"`
}

func (rt *Router) handleSearch(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	query := req.URL.Query().Get("q")
	if query == "" {
		sendError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK := 0
	if raw := req.URL.Query().Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 0 {
			sendError(w, http.StatusBadRequest, "k must be a non-negative integer")
			return
		}
		topK = k
	}

	results, err := rt.store.Retrieve(req.Context(), user, query, topK)
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, searchResponse{Results: results})
}

type listResponse struct {
	Entries []entryView `json:"entries"`
}

func (rt *Router) handleListEntries(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	entries, err := rt.store.List(user)
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	referencedBy, err := rt.store.ReferencedBy(user)
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = toEntryView(e)
		views[i].ReferencedBy = referencedBy[e.ID]
	}
	sendJSON(w, http.StatusOK, listResponse{Entries: views})
}

func (rt *Router) handleAccess(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	entry, err := rt.store.UpdateAccess(vars["user"], vars["id"])
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toEntryView(entry))
}

type addRelationshipRequest struct {
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (rt *Router) handleAddRelationship(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	var body addRelationshipRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.SourceID == "" || body.TargetID == "" || body.Type == "" {
		sendError(w, http.StatusBadRequest, "source_id, target_id and type are required")
		return
	}

	rel, err := rt.store.AddRelationship(user, body.SourceID, body.TargetID, body.Type, body.Description)
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, rel)
}

func (rt *Router) handleDeleteFile(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	deleted, err := rt.store.Delete(vars["user"], vars["hash"])
	if err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (rt *Router) handleCompact(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	if err := rt.store.Compact(user); err != nil {
		rt.sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]

	if rt.audit == nil {
		sendError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	stats, err := rt.audit.StatsFor(user)
	if err != nil {
		rt.log.Error().Err(err).Msg("audit stats failed")
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
