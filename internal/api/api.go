// Package api exposes the engine over HTTP. This surface is a thin shell
// around the engine's contract: ingestion events in, loop queries and an
// event feed out. All discovery semantics live below it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/engine"
	"github.com/loopmarket/loop-engine/internal/model"
)

// Service wires HTTP handlers to the engine.
type Service struct {
	engine *engine.Engine
}

// NewService creates the HTTP service.
func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// Routes mounts all API routes on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/events", s.HandleEvent)
	r.Post("/tenants/{tenantID}/discover", s.DiscoverNow)
	r.Get("/tenants/{tenantID}/loops", s.GetActiveLoops)
	r.Get("/tenants/{tenantID}/loops/count", s.GetActiveLoopCount)
	r.Get("/tenants/{tenantID}/wallets/{walletID}/loops", s.GetLoopsForWallet)
	r.Post("/tenants/{tenantID}/loops/executed", s.MarkExecuted)
}

// EventResponse acknowledges an applied mutation event.
type EventResponse struct {
	EventID     string `json:"event_id"`
	ActiveLoops int    `json:"active_loops"`
}

// HandleEvent handles POST /api/v1/events: one mutation event per
// request, applied in arrival order per tenant. Invalid mutations come
// back as 4xx without touching state.
func (s *Service) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.MutationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	if err := s.engine.Apply(r.Context(), ev); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EventResponse{
		EventID:     ev.ID,
		ActiveLoops: s.engine.GetActiveLoopCount(ev.TenantID),
	})
}

// DiscoverNow handles POST /api/v1/tenants/{tenantID}/discover: a forced
// full recompute. A deadline-trimmed pass reports partial=true with a
// 200, never an error.
func (s *Service) DiscoverNow(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	result, err := s.engine.DiscoverNow(r.Context(), tenantID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if result.Loops == nil {
		result.Loops = []model.TradeLoop{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetActiveLoops handles GET /api/v1/tenants/{tenantID}/loops with
// optional ?wallet= and ?min_quality= filters.
func (s *Service) GetActiveLoops(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	filter := engine.LoopFilter{Wallet: r.URL.Query().Get("wallet")}
	if q := r.URL.Query().Get("min_quality"); q != "" {
		min, err := decimal.NewFromString(q)
		if err != nil {
			writeError(w, "invalid min_quality", http.StatusBadRequest)
			return
		}
		filter.MinQuality = min
	}

	loops := s.engine.GetActiveLoops(tenantID, filter)
	if loops == nil {
		loops = []model.TradeLoop{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loops)
}

// GetActiveLoopCount handles GET /api/v1/tenants/{tenantID}/loops/count.
func (s *Service) GetActiveLoopCount(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"count": s.engine.GetActiveLoopCount(tenantID),
	})
}

// GetLoopsForWallet handles
// GET /api/v1/tenants/{tenantID}/wallets/{walletID}/loops.
func (s *Service) GetLoopsForWallet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	walletID := chi.URLParam(r, "walletID")

	loops := s.engine.GetLoopsForWallet(tenantID, walletID)
	if loops == nil {
		loops = []model.TradeLoop{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loops)
}

// ExecutedRequest reports external completion of a loop.
type ExecutedRequest struct {
	Signature string `json:"signature"`
}

// MarkExecuted handles POST /api/v1/tenants/{tenantID}/loops/executed.
func (s *Service) MarkExecuted(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req ExecutedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Signature == "" {
		writeError(w, "signature is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.MarkExecuted(r.Context(), tenantID, req.Signature); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps engine and graph errors to HTTP statuses. Anything not
// recognized as caller error is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownLoop):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTenantRequired),
		errors.Is(err, engine.ErrUnknownMutation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		// Graph-level invalid mutations (unknown item, duplicate want,
		// self-want) are all rejected caller input.
		return http.StatusConflict
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
