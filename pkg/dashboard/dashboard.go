// Package dashboard serves the operator JSON API next to the proxy.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/manage"
	"github.com/tokengate/tokengate/pkg/models"
)

const maxBodyBytes = 1 << 16

// Mounter is satisfied by *http.ServeMux and *proxy.Server.
type Mounter interface {
	Handle(pattern string, h http.Handler)
}

// DecisionQuerier reads the decision audit trail.
type DecisionQuerier interface {
	Query(ctx context.Context, opts models.DecisionQueryOpts) ([]models.Decision, error)
}

// Handler exposes manage.Service over HTTP.
type Handler struct {
	svc       *manage.Service
	decisions DecisionQuerier
	metrics   http.Handler
	log       zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithDecisions enables the per-session decision history route.
func WithDecisions(q DecisionQuerier) Option {
	return func(h *Handler) { h.decisions = q }
}

// WithMetrics serves the given handler on /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler.
func New(svc *manage.Service, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, log: logger.With().Str("component", "dashboard").Logger()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Mount registers every route on m.
func (h *Handler) Mount(m Mounter) {
	m.Handle("GET /api/dashboard/sessions", http.HandlerFunc(h.sessions))
	m.Handle("GET /api/dashboard/stats", http.HandlerFunc(h.stats))
	m.Handle("GET /api/dashboard/session/{id}", http.HandlerFunc(h.session))
	m.Handle("GET /api/dashboard/session/{id}/anomaly", http.HandlerFunc(h.anomaly))
	m.Handle("GET /api/dashboard/session/{id}/decisions", http.HandlerFunc(h.history))
	m.Handle("POST /api/dashboard/session/{id}/reset", http.HandlerFunc(h.reset))
	m.Handle("POST /api/dashboard/session/{id}/budget", http.HandlerFunc(h.setBudget))
	m.Handle("POST /api/dashboard/session/{id}/freeze", http.HandlerFunc(h.freeze))
	m.Handle("POST /api/dashboard/session/{id}/unfreeze", http.HandlerFunc(h.unfreeze))
	m.Handle("DELETE /api/dashboard/session/{id}", http.HandlerFunc(h.purge))
	m.Handle("GET /health", http.HandlerFunc(h.health))
	if h.metrics != nil {
		m.Handle("GET /metrics", h.metrics)
	}
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "total_sessions": len(list)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !sum.Exists {
		h.fail(w, manage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) anomaly(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.AnomalyStats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		writeMessage(w, http.StatusNotFound, "audit trail is disabled")
		return
	}
	opts := models.DecisionQueryOpts{
		SessionID: r.PathValue("id"),
		Outcome:   r.URL.Query().Get("outcome"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	ds, err := h.decisions.Query(r.Context(), opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	if ds == nil {
		ds = []models.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": ds})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Reset(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("session_id", id).Msg("session reset by operator")
	writeMessage(w, http.StatusOK, "session "+id+" reset")
}

type budgetRequest struct {
	Budget json.Number `json:"budget"`
}

func (h *Handler) setBudget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req budgetRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := models.ParseUSD(req.Budget.String())
	if err != nil || amount < 0 {
		writeMessage(w, http.StatusBadRequest, "budget must be a non-negative dollar amount")
		return
	}
	if err := h.svc.SetBudget(r.Context(), id, amount.Float()); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("session_id", id).Stringer("budget", amount).Msg("session budget set by operator")
	writeMessage(w, http.StatusOK, "session "+id+" budget set to "+amount.String())
}

type freezeRequest struct {
	Reason     string `json:"reason"`
	Duration   string `json:"duration"`
	Indefinite bool   `json:"indefinite"`
}

func (h *Handler) freeze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req freezeRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var d time.Duration
	switch {
	case req.Indefinite && req.Duration != "":
		writeMessage(w, http.StatusBadRequest, "duration and indefinite are mutually exclusive")
		return
	case req.Indefinite:
		d = manage.Indefinite
	case req.Duration != "":
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			writeMessage(w, http.StatusBadRequest, "duration must be a positive Go duration such as 5m")
			return
		}
	}
	applied, err := h.svc.Freeze(r.Context(), id, req.Reason, d)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("session_id", id).Dur("duration", applied).Msg("session frozen by operator")
	if applied == 0 {
		writeMessage(w, http.StatusOK, "session "+id+" frozen until unfrozen")
		return
	}
	writeMessage(w, http.StatusOK, "session "+id+" frozen for "+applied.String())
}

func (h *Handler) unfreeze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed, err := h.svc.Unfreeze(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("session_id", id).Bool("changed", changed).Msg("session unfrozen by operator")
	writeMessage(w, http.StatusOK, "session "+id+" unfrozen")
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Purge(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("session_id", id).Msg("session purged by operator")
	writeMessage(w, http.StatusOK, "session "+id+" purged")
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var unavailable *models.StoreUnavailableError
	switch {
	case errors.Is(err, manage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unavailable):
		h.log.Error().Err(err).Msg("store unavailable")
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
	case errors.Is(err, budget.ErrReservationsInFlight):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("dashboard request failed")
		writeMessage(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	if code >= 400 {
		writeJSON(w, code, map[string]any{"success": false, "error": msg})
		return
	}
	writeJSON(w, code, map[string]any{"success": true, "message": msg})
}
