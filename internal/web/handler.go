// Package web exposes the capture monitor: a JSON listing of recent
// captures, an export endpoint and a websocket feed of new captures.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/internal/storage"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	contentTypeJSON  = "application/json"
)

// Service bundles the monitor API.
type Service struct {
	logger logger.Logger
	ring   *CaptureRing
	store  storage.Store
	hub    *WebsocketHub
}

// NewService builds a Service. When store is non-nil, listings and exports
// read the persisted session instead of the in-memory ring.
func NewService(cfg *config.WebConfig, store storage.Store, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	capacity := 0
	if cfg != nil {
		capacity = cfg.MaxEntries
	}
	log = log.With("component", "web")
	return &Service{
		logger: log,
		ring:   NewCaptureRing(capacity),
		store:  store,
		hub:    NewWebsocketHub(log),
	}
}

// RegisterRoutes adds the monitor endpoints to router, which is expected to
// be mounted under the admin prefix.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/responses", s.handleResponses).Methods(http.MethodGet)
	router.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
}

// Record stores the capture and pushes it to websocket clients.
func (s *Service) Record(e *response.Entry) error {
	s.ring.Add(e)
	s.hub.Broadcast(map[string]interface{}{
		"type": "capture",
		"data": newCapturedResponse(e),
	})
	return nil
}

// Close disconnects websocket clients.
func (s *Service) Close() {
	s.hub.Close()
}

func (s *Service) list(opts ListOptions) ([]*response.Entry, int, error) {
	if s.store != nil {
		return s.store.List(opts)
	}
	items, total := s.ring.List(opts)
	return items, total, nil
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"captured": s.ring.Len(),
	})
}

func (s *Service) handleResponses(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	items, total, err := s.list(opts)
	if err != nil {
		s.logger.Error("Failed to list captures", "error", err)
		http.Error(w, "Failed to list captures", http.StatusInternalServerError)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   newCapturedResponses(items),
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if !containsFormat(ExportFormats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}

	opts := listOptionsFromQuery(r)
	opts.Limit, opts.Offset = 0, 0
	items, _, err := s.list(opts)
	if err != nil {
		s.logger.Error("Failed to list captures", "error", err)
		http.Error(w, "Failed to export data", http.StatusInternalServerError)
		return
	}

	data, contentType, ext, err := ExportCaptures(items, format)
	if err != nil {
		http.Error(w, "Failed to export data", http.StatusInternalServerError)
		s.logger.Error("Export failed", "error", err)
		return
	}

	filename := fmt.Sprintf("replaykit_captures_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func listOptionsFromQuery(r *http.Request) ListOptions {
	query := r.URL.Query()
	return ListOptions{
		Search: query.Get("search"),
		Status: parseIntDefault(query.Get("status"), 0),
		Limit:  parseIntDefault(query.Get("limit"), 0),
		Offset: parseIntDefault(query.Get("offset"), 0),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
