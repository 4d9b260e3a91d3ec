// Package api serves the dashboard JSON API on top of the manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go-remote-download/index"
	"go-remote-download/internal/agent"
	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/manager"
	"go-remote-download/internal/metrics"
	"go-remote-download/internal/models"
	"go-remote-download/internal/selection"

	log "github.com/sirupsen/logrus"
)

// Server is the dashboard HTTP server.
type Server struct {
	mgr *manager.Manager
	// Background batches started by /api/download/trigger run under this
	// context, not the request's.
	baseCtx context.Context
}

// NewServer creates a server. ctx bounds background downloads.
func NewServer(ctx context.Context, mgr *manager.Manager) *Server {
	return &Server{mgr: mgr, baseCtx: ctx}
}

// Handler returns the HTTP handler with metrics and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/scan", s.handleScan)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("POST /api/queue/add", s.handleQueueAdd)
	mux.HandleFunc("POST /api/queue/remove/{id}", s.handleQueueRemove)
	mux.HandleFunc("POST /api/queue/clear", s.handleQueueClear)
	mux.HandleFunc("POST /api/note/update", s.handleNoteUpdate)
	mux.HandleFunc("POST /api/source/update", s.handleSourceUpdate)
	mux.HandleFunc("POST /api/download/trigger", s.handleDownloadTrigger)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)

	return metrics.Middleware(loggingMiddleware(mux))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Count   int64  `json:"count,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "batchRunning": s.mgr.Running()})
}

type scanRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		req.Path = s.mgr.Config().RemoteBasePath
	}
	n, err := s.mgr.Scan(r.Context(), req.Path, req.Recursive)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: fmt.Sprintf("Scanned %d entries", n), Count: int64(n)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if text := q.Get("q"); text != "" {
		limit, _ := strconv.Atoi(q.Get("limit"))
		entries, err := s.mgr.FullTextSearch(r.Context(), text, limit)
		if err != nil {
			sendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	opts := models.SearchOptions{
		Pattern: q.Get("pattern"),
		Scope:   q.Get("path"),
		Kind:    models.Kind(q.Get("kind")),
		Ext:     q.Get("ext"),
	}
	// "type" was the old name of the extension filter.
	if opts.Ext == "" {
		opts.Ext = q.Get("type")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	entries, err := s.mgr.Search(r.Context(), opts)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.mgr.ListQueue(r.Context(), models.QueueStatus(r.URL.Query().Get("status")))
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type queueAddRequest struct {
	EntryIDs     []int64           `json:"file_ids"`
	Destinations map[string]string `json:"destinations"` // entry id -> destination
	Destination  string            `json:"destination"`
	Note         string            `json:"note"`
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req queueAddRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.EntryIDs) == 0 {
		sendMessage(w, http.StatusBadRequest, "No files specified")
		return
	}

	// Group by destination so each group is validated as one batch.
	groups := make(map[string][]int64)
	var order []string
	for _, id := range req.EntryIDs {
		dest := req.Destination
		if d, ok := req.Destinations[strconv.FormatInt(id, 10)]; ok {
			dest = d
		}
		if _, seen := groups[dest]; !seen {
			order = append(order, dest)
		}
		groups[dest] = append(groups[dest], id)
	}

	var count int64
	for _, dest := range order {
		items, err := s.mgr.Enqueue(r.Context(), groups[dest], dest, req.Note)
		count += int64(len(items))
		if err != nil {
			sendError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: fmt.Sprintf("Queued %d file(s)", count), Count: count})
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		sendMessage(w, http.StatusBadRequest, "invalid queue item id")
		return
	}
	if err := s.mgr.Dequeue(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Removed from queue"})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.ClearQueue(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Queue cleared", Count: n})
}

type noteRequest struct {
	EntryID int64  `json:"file_id"`
	Note    string `json:"note"`
}

func (s *Server) handleNoteUpdate(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntryID == 0 {
		sendMessage(w, http.StatusBadRequest, "No file ID specified")
		return
	}
	if err := s.mgr.SetNote(r.Context(), req.EntryID, req.Note); err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Note updated"})
}

type sourceRequest struct {
	EntryID    int64  `json:"file_id"`
	SourcePath string `json:"source_path"`
	Note       string `json:"source_notes"`
}

func (s *Server) handleSourceUpdate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntryID == 0 || strings.TrimSpace(req.SourcePath) == "" {
		sendMessage(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	if err := s.mgr.SetSourceLink(r.Context(), req.EntryID, req.SourcePath, req.Note); err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Source file linked"})
}

type triggerRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleDownloadTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	done, err := s.mgr.StartQueue(s.baseCtx, req.Destination)
	if err != nil {
		sendError(w, err)
		return
	}
	go func() {
		res := <-done
		if err := executor.Interrupted(res); err != nil {
			log.WithError(err).Warnf("Batch %s stopped early", res.ID)
		}
	}()
	writeJSON(w, http.StatusAccepted, response{Success: true, Message: "Download started"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Stats(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cacheStats struct {
	Directories int   `json:"directories"`
	Bytes       int64 `json:"bytes"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	n, size, err := s.mgr.CacheStats()
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cacheStats{Directories: n, Bytes: size})
}

// handleCacheClear lets the CLI clear a cache that this process holds open.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ClearCache(); err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Directory cache cleared"})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		sendMessage(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Writing response failed")
	}
}

func sendMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, response{Success: false, Message: message})
}

// sendError maps domain errors onto status codes.
func sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.WithError(err).Error("Request failed")
	}
	sendMessage(w, code, err.Error())
}

func statusFor(err error) int {
	var selErr *selection.Error
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &selErr),
		errors.Is(err, agent.ErrNotAFile),
		errors.Is(err, database.ErrInvalidFilter),
		errors.Is(err, manager.ErrIndexDisabled):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrBatchRunning),
		errors.Is(err, database.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, database.ErrStoreUnavailable),
		errors.Is(err, index.ErrIndexBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, dircache.ErrListFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
