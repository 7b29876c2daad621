package betting_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkify/session-engine/internal/betting"
	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/session"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
	"github.com/monkify/session-engine/internal/tracker"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store   *store.MemoryStore
	tracker *tracker.Tracker
	client  *settlement.MemoryClient
	rec     *broadcast.Recorder
	router  chi.Router
}

// newTestEnv creates a betting service over in-memory collaborators and a
// chi router with the service's routes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		tracker: tracker.New(),
		client:  settlement.NewMemoryClient(),
		rec:     &broadcast.Recorder{},
	}
	calc, err := settlement.NewCalculator(settlement.Config{Commission: d(0.1), Precision: 6, Decimals: 9})
	require.NoError(t, err)
	orch := session.New(session.Deps{
		Store:      env.store,
		Tracker:    env.tracker,
		Settlement: env.client,
		Calculator: calc,
		Publisher:  env.rec,
	}, session.Config{HandleAttempts: 1})
	t.Cleanup(orch.Shutdown)

	svc := betting.NewService(env.store, env.tracker, env.client, orch, env.rec, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/parameters", svc.ListParameters)
	r.Get("/api/v1/sessions", svc.ListSessions)
	r.Get("/api/v1/sessions/{sessionID}", svc.GetSession)
	r.Get("/api/v1/sessions/{sessionID}/bets", svc.ListBets)
	r.Post("/api/v1/sessions/{sessionID}/bets", svc.HandlePlaceBet)
	r.Post("/api/v1/admin/sessions/{sessionID}/rewards/retry", svc.RetryRewards)
	r.Post("/api/v1/admin/sessions/{sessionID}/refund", svc.ConvertToRefund)
	r.Post("/api/v1/admin/parameters/{parametersID}/active", svc.SetParametersActive)
	env.router = r
	return env
}

// seedSession stores a four-letter configuration and a session walked
// through path.
func (env *testEnv) seedSession(t *testing.T, id string, path ...model.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	length := 4
	require.NoError(t, env.store.UpsertParameters(ctx, &model.SessionParameters{
		ID:                   "params-" + id,
		Name:                 "four letters",
		CharacterClass:       model.ClassLetters,
		RequiredAmount:       d(1),
		MinimumPlayers:       2,
		ChoiceRequiredLength: &length,
		Active:               true,
	}))
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateSession(ctx, &model.Session{
		ID: id, ParametersID: "params-" + id, Status: model.SessionWaitingBets, CreatedAt: now, UpdatedAt: now,
	}))
	from := model.SessionWaitingBets
	for _, to := range path {
		require.NoError(t, env.store.TransitionSession(ctx, model.SessionTransition{SessionID: id, From: from, To: to, At: now}))
		from = to
	}
	if len(path) == 0 {
		env.tracker.Register(id)
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) placeBet(t *testing.T, sessionID string, req betting.PlaceBetRequest) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/bets", req)
}

func (env *testEnv) bets(t *testing.T, sessionID string) []model.Bet {
	t.Helper()
	bets, err := env.store.ListBets(context.Background(), sessionID)
	require.NoError(t, err)
	return bets
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func validBet(ref string) betting.PlaceBetRequest {
	return betting.PlaceBetRequest{
		Wallet:     "wallet-" + ref,
		Choice:     "  ABCD ",
		Seed:       "nonce",
		PaymentRef: ref,
		Amount:     d(1),
	}
}

// --- Bet placement ---

func TestPlaceBet_Accepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")

	w := env.placeBet(t, "s1", validBet("ref-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var bet model.Bet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bet))
	assert.NotEmpty(t, bet.ID)
	assert.Equal(t, "abcd", bet.Choice)
	assert.Equal(t, model.BetMade, bet.Status)
	assert.True(t, bet.Amount.Equal(d(1)))

	stored := env.bets(t, "s1")
	require.Len(t, stored, 1)
	assert.Equal(t, bet.ID, stored[0].ID)

	n, err := env.tracker.Count(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := env.rec.Events(broadcast.TypeBetAccepted)
	require.Len(t, events, 1)
	assert.Equal(t, "session:s1", events[0].Topic)
	accepted := events[0].Event.Data.(broadcast.BetAccepted)
	assert.Equal(t, bet.ID, accepted.BetID)
	assert.Equal(t, 1, accepted.Bets)
	assert.Empty(t, env.client.Transfers())

	w = env.placeBet(t, "s1", validBet("ref-2"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	events = env.rec.Events(broadcast.TypeBetAccepted)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Event.Data.(broadcast.BetAccepted).Bets, "the event carries the running bet count")
}

func TestPlaceBet_RejectedAfterPaymentIsRefunded(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*betting.PlaceBetRequest)
		status int
		refund string
	}{
		{"wrong length", func(r *betting.PlaceBetRequest) { r.Choice = "abc" }, http.StatusBadRequest, "1"},
		{"invalid characters", func(r *betting.PlaceBetRequest) { r.Choice = "ab1d" }, http.StatusBadRequest, "1"},
		{"duplicated characters", func(r *betting.PlaceBetRequest) { r.Choice = "abca" }, http.StatusBadRequest, "1"},
		{"wrong amount", func(r *betting.PlaceBetRequest) { r.Amount = d(2.5) }, http.StatusBadRequest, "2.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedSession(t, "s1")

			req := validBet("ref-1")
			tc.mutate(&req)
			w := env.placeBet(t, "s1", req)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.NotEmpty(t, errorMessage(t, w))

			stored := env.bets(t, "s1")
			require.Len(t, stored, 1)
			assert.Equal(t, model.BetRefunded, stored[0].Status)

			transfers := env.client.Transfers()
			require.Len(t, transfers, 1)
			assert.Equal(t, tc.refund, transfers[0].Amount.Value.String())

			n, err := env.tracker.Count(context.Background(), "s1")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestPlaceBet_SessionNotWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1", model.SessionStarting)

	w := env.placeBet(t, "s1", validBet("ref-1"))
	assert.Equal(t, http.StatusConflict, w.Code)

	stored := env.bets(t, "s1")
	require.Len(t, stored, 1)
	assert.Equal(t, model.BetRefunded, stored[0].Status)
	assert.Len(t, env.client.Transfers(), 1)
}

func TestPlaceBet_InvalidPaymentNotRefunded(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")
	env.client.RejectPayment("ref-bad", "signature not found")

	w := env.placeBet(t, "s1", validBet("ref-bad"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, errorMessage(t, w), "signature not found")

	assert.Empty(t, env.bets(t, "s1"))
	assert.Empty(t, env.client.Transfers())
}

func TestPlaceBet_DuplicatePaymentRefNotRefunded(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")

	require.Equal(t, http.StatusCreated, env.placeBet(t, "s1", validBet("ref-1")).Code)

	again := validBet("ref-1")
	again.Wallet = "someone-else"
	w := env.placeBet(t, "s1", again)
	assert.Equal(t, http.StatusConflict, w.Code)

	// A reused reference with an invalid choice is also not refunded.
	again.Choice = "zz"
	w = env.placeBet(t, "s1", again)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Len(t, env.bets(t, "s1"), 1)
	assert.Empty(t, env.client.Transfers())
}

func TestPlaceBet_RefundFailureDoesNotBlockRejection(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")
	env.client.SetUnavailable(true)

	req := validBet("ref-1")
	req.Choice = "abc"
	w := env.placeBet(t, "s1", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored := env.bets(t, "s1")
	require.Len(t, stored, 1)
	assert.Equal(t, model.BetNeedsRefunding, stored[0].Status)
}

func TestPlaceBet_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")

	req := validBet("ref-1")
	req.Wallet = ""
	assert.Equal(t, http.StatusBadRequest, env.placeBet(t, "s1", req).Code)

	req = validBet("")
	assert.Equal(t, http.StatusBadRequest, env.placeBet(t, "s1", req).Code)
	assert.Empty(t, env.bets(t, "s1"))
}

func TestPlaceBet_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.placeBet(t, "missing", validBet("ref-1"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaceBet_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/bets", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", errorMessage(t, w))
}

func TestPlaceBet_TrackerReleasedRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")
	// The orchestrator released the session right after the status check.
	env.tracker.Release("s1")

	w := env.placeBet(t, "s1", validBet("ref-1"))
	assert.Equal(t, http.StatusConflict, w.Code)

	stored := env.bets(t, "s1")
	require.Len(t, stored, 1)
	assert.Equal(t, model.BetRefunded, stored[0].Status)
}

// --- Reads ---

func TestListSessions_OnlyActive(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "open")
	env.seedSession(t, "running", model.SessionStarting, model.SessionInProgress)
	env.seedSession(t, "failed", model.SessionNotEnoughPlayersToStart)

	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []model.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"open", "running"}, ids)
}

func TestListSessions_Empty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")
	require.Equal(t, http.StatusCreated, env.placeBet(t, "s1", validBet("ref-1")).Code)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess model.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, model.SessionWaitingBets, sess.Status)
	require.NotNil(t, sess.Parameters)
	assert.Equal(t, "params-s1", sess.Parameters.ID)
	assert.Len(t, sess.Bets, 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/sessions/missing", nil).Code)
}

func TestListBets(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")
	require.Equal(t, http.StatusCreated, env.placeBet(t, "s1", validBet("ref-1")).Code)
	require.Equal(t, http.StatusCreated, env.placeBet(t, "s1", validBet("ref-2")).Code)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/s1/bets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bets []model.Bet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bets))
	require.Len(t, bets, 2)
	assert.Equal(t, "ref-1", bets[0].PaymentRef)
	assert.Equal(t, "ref-2", bets[1].PaymentRef)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/sessions/missing/bets", nil).Code)
}

func TestListParameters(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1")

	w := env.do(t, http.MethodGet, "/api/v1/parameters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var params []model.SessionParameters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &params))
	require.Len(t, params, 1)
	assert.Equal(t, model.ClassLetters, params[0].CharacterClass)
	assert.True(t, params[0].RequiredAmount.Equal(d(1)))
}

// --- Operator actions ---

var errorPath = []model.SessionStatus{
	model.SessionStarting, model.SessionInProgress, model.SessionEnded,
	model.SessionRewardForWinnersInProgress, model.SessionErrorWhenProcessingRewards,
}

func TestRetryRewards(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1", errorPath...)

	w := env.do(t, http.MethodPost, "/api/v1/admin/sessions/s1/rewards/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	sess, err := env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRewardForWinnersInProgress, sess.Status)
	assert.Len(t, env.rec.Events(broadcast.TypeRewardRequested), 1)

	// Retrying again conflicts: the session already left the error status.
	w = env.do(t, http.MethodPost, "/api/v1/admin/sessions/s1/rewards/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConvertToRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "s1", errorPath...)

	w := env.do(t, http.MethodPost, "/api/v1/admin/sessions/s1/refund", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	sess, err := env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionNeedsRefund, sess.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/admin/sessions/missing/refund", nil).Code)
}

func TestSetParametersActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertParameters(ctx, &model.SessionParameters{
		ID: "p1", Name: "digits", CharacterClass: model.ClassDigits, RequiredAmount: d(1), MinimumPlayers: 2, Active: true,
	}))

	w := env.do(t, http.MethodPost, "/api/v1/admin/parameters/p1/active", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p model.SessionParameters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.False(t, p.Active)

	idle, err := env.store.ListIdleParameters(ctx)
	require.NoError(t, err)
	assert.Empty(t, idle, "an inactive configuration is not reopened")

	w = env.do(t, http.MethodPost, "/api/v1/admin/parameters/p1/active", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	idle, err = env.store.ListIdleParameters(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "p1", idle[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/admin/parameters/p1/active", map[string]string{}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/admin/parameters/missing/active", map[string]bool{"active": true}).Code)
}
