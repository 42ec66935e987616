// Package admin exposes the operator HTTP surface: bridge CRUD, a health
// snapshot covering bridges, queues and process resources, and Prometheus
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/monitoring"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/store"
)

// Pipeline is the slice of the supervisor the admin surface reads.
type Pipeline interface {
	WorkerSets() []string
}

// Config wires an admin Server.
type Config struct {
	Addr     string
	Bridges  *store.BridgeStore
	KV       *kv.Client
	Pipeline Pipeline
	Logger   zerolog.Logger
}

// Server serves the operator API on its own listener, separate from any
// platform traffic.
type Server struct {
	cfg     Config
	logger  zerolog.Logger
	mux     *http.ServeMux
	srv     *http.Server
	started time.Time
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "admin").Logger(),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /bridges", s.handleCreate)
	mux.HandleFunc("GET /bridges", s.handleList)
	mux.HandleFunc("DELETE /bridges/{id}", s.handleDelete)
	mux.HandleFunc("POST /bridges/{id}/toggle", s.handleToggle)
	mux.HandleFunc("POST /bridges/{id}/repair", s.handleRepair)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.mux = mux
	return s
}

// Handler exposes the route table; tests drive it through httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.cfg.Addr, err)
	}
	s.srv = &http.Server{
		Handler:        s.mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	return nil
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store failures onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateBridge):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error().Err(err).Msg("bridge operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createRequest struct {
	AChannelID  string `json:"a_channel_id"`
	AGuildID    string `json:"a_guild_id"`
	BChannelID  string `json:"b_channel_id"`
	BGuildID    string `json:"b_guild_id"`
	SyncUploads bool   `json:"sync_uploads"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AChannelID == "" || req.AGuildID == "" || req.BChannelID == "" {
		writeError(w, http.StatusBadRequest, "a_channel_id, a_guild_id and b_channel_id are required")
		return
	}

	pair, err := s.cfg.Bridges.Create(r.Context(),
		req.AChannelID, req.AGuildID, req.BChannelID, req.BGuildID, req.SyncUploads)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.cfg.Bridges.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if pairs == nil {
		pairs = []*store.BridgePair{}
	}
	writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Bridges.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}

	pair, err := s.cfg.Bridges.Toggle(r.Context(), r.PathValue("id"), *req.Active)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	pair, err := s.cfg.Bridges.Repair(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pairs, err := s.cfg.Bridges.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("health: listing bridges")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "bridge store unavailable",
		})
		return
	}
	active := 0
	for _, p := range pairs {
		if p.IsActive {
			active++
		}
	}

	var sets []string
	if s.cfg.Pipeline != nil {
		sets = s.cfg.Pipeline.WorkerSets()
	}
	if sets == nil {
		sets = []string{}
	}

	queues := make([]queue.Stats, 0, len(sets)+1)
	for _, name := range append([]string{queue.Ingest}, sets...) {
		st, err := queue.New(s.cfg.KV, name).Stats(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("queue", name).Msg("health: queue stats")
			continue
		}
		queues = append(queues, st)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"bridges": map[string]int{
			"total":  len(pairs),
			"active": active,
		},
		"worker_sets": sets,
		"queues":      queues,
		"system":      monitoring.Snapshot(),
	})
}
