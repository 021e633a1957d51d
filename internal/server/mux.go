// Package server provides the read-only HTTP status surface for photo-sync.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/progress"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultWatchInterval is how often the /ws feed polls for progress
// changes.
const DefaultWatchInterval = time.Second

// Store is the read side of the sync state store.
type Store interface {
	progress.Source
	Get(mediaID string) (*models.SyncItem, error)
	Pairing() (*models.ServerPairing, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  Store
	Logger *slog.Logger

	// Connected reports whether a server connection is held. Optional.
	Connected func() bool

	// WatchInterval defaults to DefaultWatchInterval.
	WatchInterval time.Duration
}

// NewMux builds the status mux. Every route is counted in
// metrics.HTTPRequestsTotal by its registered pattern.
func NewMux(cfg MuxConfig) http.Handler {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}

	h := &handlers{
		store:    cfg.Store,
		tracker:  progress.NewTracker(cfg.Store),
		logger:   cfg.Logger,
		conn:     cfg.Connected,
		interval: cfg.WatchInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/progress", h.handleProgress)
	mux.HandleFunc("GET /api/items/{mediaId...}", h.handleItem)
	mux.HandleFunc("GET /api/pairing", h.handlePairing)
	mux.HandleFunc("GET /ws", h.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	return countRequests(mux)
}

// countRequests records one HTTPRequestsTotal sample per request. The mux
// fills in r.Pattern while routing, so the label set stays bounded.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}

		metrics.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}

	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}

	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true

	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Addr formats a listen address for log lines.
func Addr(ln net.Listener) string {
	return fmt.Sprintf("http://%s", ln.Addr())
}
