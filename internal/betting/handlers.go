package betting

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/monkify/session-engine/internal/choice"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/session"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
)

// --- HTTP Handlers ---

// HandlePlaceBet handles POST /api/v1/sessions/{sessionID}/bets
func (s *Service) HandlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bet, err := s.PlaceBet(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// ListSessions handles GET /api/v1/sessions
// Returns the sessions still in their game phase.
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessionsByStatus(r.Context(), model.ActiveSessionStatuses...)
	if err != nil {
		writeError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, "session not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListBets handles GET /api/v1/sessions/{sessionID}/bets
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		writeError(w, "session not found", statusFor(err))
		return
	}
	bets, err := s.store.ListBets(ctx, sessionID)
	if err != nil {
		writeError(w, "failed to list bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// ListParameters handles GET /api/v1/parameters
func (s *Service) ListParameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.store.ListParameters(r.Context())
	if err != nil {
		writeError(w, "failed to list parameters", http.StatusInternalServerError)
		return
	}
	if params == nil {
		params = []model.SessionParameters{}
	}
	writeJSON(w, http.StatusOK, params)
}

// RetryRewards handles POST /api/v1/admin/sessions/{sessionID}/rewards/retry
func (s *Service) RetryRewards(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.ops.RetryRewards(r.Context(), id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Warn("operator retried rewards", "session_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": string(model.SessionRewardForWinnersInProgress)})
}

// ConvertToRefund handles POST /api/v1/admin/sessions/{sessionID}/refund
func (s *Service) ConvertToRefund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.ops.ConvertToRefund(r.Context(), id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Warn("operator converted rewards to refunds", "session_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": string(model.SessionNeedsRefund)})
}

// SetActiveRequest is the body of the configuration activation route.
type SetActiveRequest struct {
	Active *bool `json:"active"`
}

// SetParametersActive handles POST /api/v1/admin/parameters/{parametersID}/active
// An inactive configuration keeps its running session but is not reopened.
func (s *Service) SetParametersActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, "body must be {\"active\": true|false}", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "parametersID")
	if err := s.store.SetParametersActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Warn("operator changed parameters activation", "parameters_id", id, "active", *req.Active)
	p, err := s.store.GetParameters(r.Context(), id)
	if err != nil {
		writeError(w, "failed to read parameters", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMissingField),
		errors.Is(err, ErrWrongAmount),
		errors.Is(err, choice.ErrEmpty),
		errors.Is(err, choice.ErrInvalidCharacters),
		errors.Is(err, choice.ErrWrongLength),
		errors.Is(err, choice.ErrDuplicatedChars),
		errors.Is(err, choice.ErrNotPreset):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrInvalidPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotAcceptingBets),
		errors.Is(err, store.ErrDuplicatePaymentRef),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
