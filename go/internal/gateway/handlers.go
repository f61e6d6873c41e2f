package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/apperr"
	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/presence"
	"github.com/intrascan/intrascan/go/internal/scan"
)

// CodeAPI defines what the handlers need from the sync engine.
type CodeAPI interface {
	Current() (string, time.Time)
	Connected() bool
}

// ScanAPI defines what the handlers need from the scan intake.
type ScanAPI interface {
	Submit(ctx context.Context, payload string) (scan.Outcome, error)
}

// PresenceAPI defines what the handlers need from the presence tracker.
type PresenceAPI interface {
	SetPresence(ctx context.Context, userID string, present bool) (*models.Participant, error)
	MarkReady(ctx context.Context, userID string) (*models.Participant, error)
	ConfirmCheckIn(ctx context.Context, userID string) (*models.Participant, error)
	CancelCheckIn(ctx context.Context, userID string) (*models.Participant, error)
	Status(ctx context.Context, userID string) (bool, error)
	Step(ctx context.Context, userID string) (models.CheckInStep, error)
	InitialStep(ctx context.Context, userID string) (models.CheckInStep, error)
	Summary(ctx context.Context) (presence.Summary, error)
}

// Handler serves the view-layer HTTP surface: the WebSocket upgrade plus
// the JSON API for scans and presence transitions.
type Handler struct {
	manager  *ConnectionManager
	codes    CodeAPI
	scans    ScanAPI
	presence PresenceAPI
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(manager *ConnectionManager, codes CodeAPI, scans ScanAPI, pres PresenceAPI) *Handler {
	return &Handler{
		manager:  manager,
		codes:    codes,
		scans:    scans,
		presence: pres,
	}
}

// RegisterRoutes registers all gateway routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("/api/code", h.HandleGetCode)
	mux.HandleFunc("/api/scan", h.HandleScan)
	mux.HandleFunc("/api/presence", h.HandleSetPresence)
	mux.HandleFunc("/api/presence/ready", h.HandleMarkReady)
	mux.HandleFunc("/api/presence/checkin", h.HandleConfirmCheckIn)
	mux.HandleFunc("/api/presence/cancel", h.HandleCancelCheckIn)
	mux.HandleFunc("/api/presence/status", h.HandleStatus)
	mux.HandleFunc("/api/presence/summary", h.HandleSummary)
	log.Info().Msg("gateway routes registered")
}

// resolveUser extracts the caller identity. Session resolution itself is
// the auth provider's job; the gateway only refuses to act without one.
func resolveUser(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, nil
	}
	return "", apperr.ErrNotAuthenticated
}

// HandleWebSocket upgrades a viewer connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := resolveUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Session attach is the one first-observation point: a stale ready
	// flag from a previous incomplete session is normalized here, never
	// on routine status reads.
	if _, err := h.presence.InitialStep(r.Context(), userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("initial step resolution failed")
	}

	if err := h.manager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total_connections": h.manager.ConnectionCount(),
	})
}

// HandleGetCode handles GET /api/code.
func (h *Handler) HandleGetCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	value, updatedAt := h.codes.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       value,
		"updated_at": updatedAt,
		"connected":  h.codes.Connected(),
	})
}

// HandleScan handles POST /api/scan with body {"payload": "<decoded text>"}.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := resolveUser(r); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.scans.Submit(r.Context(), req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// HandleSetPresence handles POST /api/presence with body {"present": bool}.
func (h *Handler) HandleSetPresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := resolveUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Present bool `json:"present"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.presence.SetPresence(r.Context(), userID, req.Present)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleMarkReady handles POST /api/presence/ready.
func (h *Handler) HandleMarkReady(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.presence.MarkReady)
}

// HandleConfirmCheckIn handles POST /api/presence/checkin.
func (h *Handler) HandleConfirmCheckIn(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.presence.ConfirmCheckIn)
}

// HandleCancelCheckIn handles POST /api/presence/cancel.
func (h *Handler) HandleCancelCheckIn(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.presence.CancelCheckIn)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*models.Participant, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := resolveUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := op(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleStatus handles GET /api/presence/status: the caller's
// authoritative check-in flag plus the projected workflow step. Pure
// read; the stored flags are never touched here.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := resolveUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	checkedIn, err := h.presence.Status(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	step, err := h.presence.Step(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked_in": checkedIn,
		"step":       step,
	})
}

// HandleSummary handles GET /api/presence/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, err := h.presence.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckInSummaryPayload{
		Remote:     s.Counts.Remote,
		CheckedIn:  s.Counts.CheckedIn,
		Ready:      s.Counts.Ready,
		NotReady:   s.Counts.NotReady(),
		Completion: string(s.Completion),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Store failures
// surface as a notice with an empty result, never as a crash.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, apperr.ErrInvalidScanPayload):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrStoreQuery), errors.Is(err, apperr.ErrStoreMutation):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
