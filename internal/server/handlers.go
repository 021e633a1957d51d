package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/progress"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

type handlers struct {
	store    Store
	tracker  *progress.Tracker
	logger   *slog.Logger
	conn     func() bool
	interval time.Duration
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

type pairingResponse struct {
	Paired  bool                  `json:"paired"`
	Pairing *models.ServerPairing `json:"pairing,omitempty"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.conn != nil {
		resp.Connected = h.conn()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleProgress(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.tracker.Snapshot()
	if err != nil {
		h.logger.Error("computing progress", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not read sync state")

		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) handleItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("mediaId")

	item, err := h.store.Get(id)
	if err != nil {
		h.logger.Error("reading item", slog.String("media_id", id), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not read sync state")

		return
	}

	if item == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no item with that media id")
		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *handlers) handlePairing(w http.ResponseWriter, _ *http.Request) {
	p, err := h.store.Pairing()
	if err != nil {
		h.logger.Error("reading pairing", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not read sync state")

		return
	}

	writeJSON(w, http.StatusOK, pairingResponse{Paired: p != nil && p.IsPaired, Pairing: p})
}

// handleWebSocket pushes a progress snapshot on connect and again each
// time it changes, until the client goes away.
func (h *handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Inbound messages are not expected; CloseRead handles control frames
	// and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	err = h.tracker.Watch(ctx, h.interval, func(snap progress.Snapshot) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()

		return wsjson.Write(wctx, conn, snap)
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Debug("progress feed ended", slog.String("error", err.Error()))
		return
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
