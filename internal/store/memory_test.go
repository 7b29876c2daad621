package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/store"
)

func seedParameters(t *testing.T, ms *store.MemoryStore, id string) *model.SessionParameters {
	t.Helper()
	length := 4
	p := &model.SessionParameters{
		ID:                   id,
		Name:                 "four letters",
		CharacterClass:       model.ClassLetters,
		RequiredAmount:       decimal.NewFromInt(1),
		MinimumPlayers:       2,
		ChoiceRequiredLength: &length,
		Active:               true,
	}
	require.NoError(t, ms.UpsertParameters(context.Background(), p))
	return p
}

func seedSession(t *testing.T, ms *store.MemoryStore, id, paramsID string) *model.Session {
	t.Helper()
	now := time.Now().UTC()
	s := &model.Session{ID: id, ParametersID: paramsID, Status: model.SessionWaitingBets, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, ms.CreateSession(context.Background(), s))
	return s
}

func seedBet(t *testing.T, ms *store.MemoryStore, id, sessionID, ref string) *model.Bet {
	t.Helper()
	b := &model.Bet{
		ID:         id,
		SessionID:  sessionID,
		PaymentRef: ref,
		Wallet:     "wallet-" + id,
		Choice:     "abcd",
		Amount:     decimal.NewFromInt(1),
		Status:     model.BetMade,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, ms.CreateBet(context.Background(), b))
	return b
}

func TestTransitionSession_Conditional(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")

	start := time.Now().Add(time.Minute).UTC()
	err := ms.TransitionSession(ctx, model.SessionTransition{
		SessionID: "s1", From: model.SessionWaitingBets, To: model.SessionStarting, At: time.Now(), StartDate: &start,
	})
	require.NoError(t, err)

	// Second caller still expects WaitingBets.
	err = ms.TransitionSession(ctx, model.SessionTransition{
		SessionID: "s1", From: model.SessionWaitingBets, To: model.SessionStarting, At: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	sess, err := ms.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStarting, sess.Status)
	require.NotNil(t, sess.StartDate)
	assert.True(t, sess.StartDate.Equal(start))
	require.Len(t, sess.StatusLogs, 1)
	assert.Equal(t, model.SessionWaitingBets, sess.StatusLogs[0].PreviousStatus)
	assert.Equal(t, model.SessionStarting, sess.StatusLogs[0].NewStatus)
	require.NotNil(t, sess.Parameters)
	assert.Equal(t, "p1", sess.Parameters.ID)
}

func TestTransitionSession_RejectsUnknownEdge(t *testing.T) {
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")

	err := ms.TransitionSession(context.Background(), model.SessionTransition{
		SessionID: "s1", From: model.SessionWaitingBets, To: model.SessionEnded, At: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestTransitionSession_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.TransitionSession(context.Background(), model.SessionTransition{
		SessionID: "nope", From: model.SessionWaitingBets, To: model.SessionStarting, At: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionSession_ExactlyOneConcurrentWinner(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ms.TransitionSession(ctx, model.SessionTransition{
				SessionID: "s1", From: model.SessionWaitingBets, To: model.SessionStarting, At: time.Now(),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, store.ErrStatusConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), conflicts.Load())

	sess, err := ms.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, sess.StatusLogs, 1)
}

func TestCreateSession_OneActivePerConfiguration(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")

	now := time.Now().UTC()
	err := ms.CreateSession(ctx, &model.Session{ID: "s2", ParametersID: "p1", Status: model.SessionWaitingBets, CreatedAt: now})
	assert.ErrorIs(t, err, store.ErrActiveSessionExists)

	idle, err := ms.ListIdleParameters(ctx)
	require.NoError(t, err)
	assert.Empty(t, idle)

	// Once the game phase is over the configuration is idle again.
	for _, step := range [][2]model.SessionStatus{
		{model.SessionWaitingBets, model.SessionStarting},
		{model.SessionStarting, model.SessionInProgress},
		{model.SessionInProgress, model.SessionEnded},
	} {
		require.NoError(t, ms.TransitionSession(ctx, model.SessionTransition{SessionID: "s1", From: step[0], To: step[1], At: now}))
	}

	idle, err = ms.ListIdleParameters(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "p1", idle[0].ID)
	assert.NoError(t, ms.CreateSession(ctx, &model.Session{ID: "s2", ParametersID: "p1", Status: model.SessionWaitingBets, CreatedAt: now}))
}

func TestListIdleParameters_SkipsInactive(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedParameters(t, ms, "p2")
	require.NoError(t, ms.SetParametersActive(ctx, "p2", false))

	idle, err := ms.ListIdleParameters(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "p1", idle[0].ID)

	assert.ErrorIs(t, ms.SetParametersActive(ctx, "nope", true), store.ErrNotFound)
}

func TestCreateBet_DuplicatePaymentRef(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")
	seedBet(t, ms, "b1", "s1", "ref-1")

	err := ms.CreateBet(ctx, &model.Bet{ID: "b2", SessionID: "s1", PaymentRef: "ref-1", Status: model.BetMade})
	assert.ErrorIs(t, err, store.ErrDuplicatePaymentRef)

	err = ms.CreateBet(ctx, &model.Bet{ID: "b3", SessionID: "missing", PaymentRef: "ref-3", Status: model.BetMade})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionBet_AndTransactions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedParameters(t, ms, "p1")
	seedSession(t, ms, "s1", "p1")
	seedBet(t, ms, "b1", "s1", "ref-1")
	seedBet(t, ms, "b2", "s1", "ref-2")

	require.NoError(t, ms.TransitionBet(ctx, "b1", model.BetMade, model.BetNeedsRefunding, time.Now()))
	assert.ErrorIs(t, ms.TransitionBet(ctx, "b1", model.BetMade, model.BetNeedsRefunding, time.Now()), store.ErrStatusConflict)

	require.NoError(t, ms.AppendBetTransaction(ctx, model.BetTransaction{
		ID: "tx1", BetID: "b1", Amount: decimal.NewFromInt(1), ExternalRef: "sig", CreatedAt: time.Now(),
	}))

	pending, err := ms.ListBetsByStatus(ctx, model.BetNeedsRefunding)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b1", pending[0].ID)
	assert.True(t, pending[0].Credited().Equal(decimal.NewFromInt(1)))
	require.Len(t, pending[0].StatusLogs, 1)

	bets, err := ms.ListBets(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, "b1", bets[0].ID)
	assert.Equal(t, "b2", bets[1].ID)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	p := seedParameters(t, ms, "p1")
	p.PresetChoices = []string{"abcd"}
	require.NoError(t, ms.UpsertParameters(ctx, p))

	got, err := ms.GetParameters(ctx, "p1")
	require.NoError(t, err)
	got.PresetChoices[0] = "zzzz"
	*got.ChoiceRequiredLength = 99

	again, err := ms.GetParameters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd"}, again.PresetChoices)
	assert.Equal(t, 4, *again.ChoiceRequiredLength)
}

func TestListSessionsByStatus(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("p%d", i)
		seedParameters(t, ms, id)
		seedSession(t, ms, "s-"+id, id)
	}
	require.NoError(t, ms.TransitionSession(ctx, model.SessionTransition{
		SessionID: "s-p0", From: model.SessionWaitingBets, To: model.SessionNotEnoughPlayersToStart, At: time.Now(),
	}))

	waiting, err := ms.ListSessionsByStatus(ctx, model.SessionWaitingBets)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	all, err := ms.ListSessionsByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
