// Package admin exposes the local operational HTTP surface: health,
// pipeline statistics, poll watermarks, cache control and Prometheus
// metrics. It binds to loopback by default and carries no data-store
// payloads, only operational state.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/directory"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
	"github.com/rowwatch/rowwatch/watch"
)

// PipelineStatus is what the surface needs from the watch layer.
type PipelineStatus interface {
	State() watch.State
	HealthCheck() bool
	ChannelCount() int
}

// WatermarkSource exposes the poll scanner's per-table progress.
type WatermarkSource interface {
	Watermarks() map[string]time.Time
}

// TaskLister names the background tasks still running.
type TaskLister interface {
	Running() []string
}

// Handlers wires the surface's dependencies.
type Handlers struct {
	Reader     store.Store
	Cache      *store.Cache
	Directory  *directory.Directory
	Listener   PipelineStatus
	Watermarks WatermarkSource
	Tasks      TaskLister
	StartedAt  time.Time
}

// Server is the admin HTTP listener.
type Server struct {
	server *http.Server
}

func NewServer(bindAddress string, handlers *Handlers) *Server {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealthz)
	r.Get("/stats", handlers.handleStats)
	r.Get("/watermarks", handlers.handleWatermarks)
	r.Post("/cache/clear", handlers.handleClearCache)

	if metrics := telemetry.Handler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return &Server{
		server: &http.Server{
			Addr:              bindAddress,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the listener until Stop. It blocks.
func (s *Server) Start() error {
	log.Info().Str("address", s.server.Addr).Msg("Admin HTTP surface listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	storeHealthy := h.Reader.Ping(r.Context()) == nil
	pushHealthy := h.Listener.HealthCheck()

	status := http.StatusOK
	if !storeHealthy {
		// The pipeline is dead in the water without the store; a degraded
		// push path alone still serves through polling.
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":         httpStatusWord(status),
		"store_healthy":  storeHealthy,
		"push_healthy":   pushHealthy,
		"listener_state": h.Listener.State().String(),
		"uptime_seconds": int(time.Since(h.StartedAt).Seconds()),
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	dirStats := h.Directory.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"listener": map[string]any{
			"state":    h.Listener.State().String(),
			"healthy":  h.Listener.HealthCheck(),
			"channels": h.Listener.ChannelCount(),
		},
		"directory": dirStats,
		"cache":     h.Cache.Stats(),
		"tasks":     h.Tasks.Running(),
		"uptime":    time.Since(h.StartedAt).Round(time.Second).String(),
	})
}

func (h *Handlers) handleWatermarks(w http.ResponseWriter, _ *http.Request) {
	marks := h.Watermarks.Watermarks()

	out := make(map[string]string, len(marks))
	for table, ts := range marks {
		out[table] = ts.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{"watermarks": out})
}

func (h *Handlers) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	dropped := h.Cache.Len()
	h.Cache.Clear()

	log.Info().Int("entries", dropped).Msg("Cache cleared via admin surface")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": dropped})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
