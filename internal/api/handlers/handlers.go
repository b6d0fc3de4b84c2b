// Package handlers implements the HTTP handlers for the Parley API: the
// inbound channel webhook, dossier reads, the operator queue and rule
// reloads.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parleyhq/parley/internal/api/middleware"
	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Dossiers     *dossier.Builder
	Queue        *queue.Manager
	Rules        *rules.Loader
}

// New creates a Handlers instance.
func New(s store.Store, o *orchestrator.Orchestrator, d *dossier.Builder, q *queue.Manager, l *rules.Loader) *Handlers {
	return &Handlers{Store: s, Orchestrator: o, Dossiers: d, Queue: q, Rules: l}
}

// ── Messages ─────────────────────────────────────────────────

// ReceiveMessage is the inbound channel webhook. The reply is returned to
// the caller, which delivers it through the channel.
func (h *Handlers) ReceiveMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg.From == "" {
		respondError(w, http.StatusBadRequest, "from is required")
		return
	}
	if msg.TenantID == "" {
		msg.TenantID = middleware.GetTenantID(r.Context())
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	respondJSON(w, http.StatusOK, h.Orchestrator.ProcessMessage(r.Context(), msg))
}

// ── Customers ────────────────────────────────────────────────

func (h *Handlers) GetDossier(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	d, err := h.Dossiers.Get(r.Context(), tenant, chi.URLParam(r, "customerId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) ListInteractions(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.Store.ListInteractions(r.Context(), tenant, chi.URLParam(r, "customerId"), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if recs == nil {
		recs = []models.InteractionRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// ── Queue ────────────────────────────────────────────────────

func (h *Handlers) ListQueue(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	filter := store.EscalationFilter{Status: models.QueueStatus(r.URL.Query().Get("status"))}
	switch filter.Status {
	case "", models.QueueWaiting, models.QueueLocked, models.QueueDone, models.QueueCancelled:
	default:
		respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.Queue.List(r.Context(), tenant, filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.EscalationEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) GetQueueEntry(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	e, err := h.Queue.Active(r.Context(), tenant, chi.URLParam(r, "customerId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type assumeRequest struct {
	OperatorID  string `json:"operator_id"`
	LockSeconds int    `json:"lock_seconds,omitempty"`
}

func (h *Handlers) Assume(w http.ResponseWriter, r *http.Request) {
	var req assumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OperatorID == "" {
		respondError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	if req.LockSeconds < 0 {
		respondError(w, http.StatusBadRequest, "lock_seconds must be positive")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	e, err := h.Queue.Assume(r.Context(), tenant, chi.URLParam(r, "customerId"), req.OperatorID,
		time.Duration(req.LockSeconds)*time.Second)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type finalizeRequest struct {
	OperatorID string `json:"operator_id"`
	Outcome    string `json:"outcome"`
}

func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OperatorID == "" {
		respondError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	e, err := h.Queue.Finalize(r.Context(), tenant, chi.URLParam(r, "customerId"), req.OperatorID, req.Outcome)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	tenant := middleware.GetTenantID(r.Context())
	e, err := h.Queue.Cancel(r.Context(), tenant, chi.URLParam(r, "customerId"), req.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (h *Handlers) Reclaim(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	n, err := h.Queue.ReclaimExpired(r.Context(), tenant)
	if err != nil && n == 0 {
		respondErr(w, err)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("Reclaim finished with errors")
	}
	respondJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

// ── Rules ────────────────────────────────────────────────────

type reloadRequest struct {
	Vertical string `json:"vertical,omitempty"`
}

// ReloadRules drops the cached rule set of the request's tenant, or of every
// tenant of a vertical, on every node.
func (h *Handlers) ReloadRules(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if req.Vertical != "" {
		published := h.Rules.ReloadVertical(r.Context(), req.Vertical)
		respondJSON(w, http.StatusAccepted, map[string]any{"vertical": req.Vertical, "published": published})
		return
	}
	tenant := middleware.GetTenantID(r.Context())
	published := h.Rules.Reload(r.Context(), tenant)
	respondJSON(w, http.StatusAccepted, map[string]any{"tenant": tenant, "published": published})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors to statuses. Conflicts carry their own
// message; unexpected errors are logged and reported generically.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrAlreadyLocked):
		respondError(w, http.StatusConflict, queue.ErrAlreadyLocked.Error())
	case errors.Is(err, queue.ErrLockExpired):
		respondError(w, http.StatusConflict, queue.ErrLockExpired.Error())
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, queue.ErrNotFound.Error())
	case store.IsNotFound(err):
		var nf *store.ErrNotFound
		errors.As(err, &nf)
		respondError(w, http.StatusNotFound, nf.Entity+" not found")
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
