package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/store"
)

// endedSession stores an Ended session with one winning and one losing bet.
func endedSession(t *testing.T, e *env) {
	t.Helper()
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionStarting, model.SessionInProgress, model.SessionEnded)
	e.bet(t, "win", "s1", "w1", "abcd", model.BetNeedsRewarding)
	e.bet(t, "lose", "s1", "w2", "efgh", model.BetNotApplicable)
}

func TestHandleRewardRequest_PaysWinners(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	endedSession(t, e)

	require.NoError(t, e.orch.HandleRewardRequest(ctx, "s1"))

	assert.Equal(t, model.SessionRewardForWinnersCompleted, e.status(t, "s1"))
	assert.Equal(t, model.BetRewarded, e.betStatus(t, "win"))
	assert.Equal(t, model.BetNotApplicable, e.betStatus(t, "lose"))

	transfers := e.client.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "win", transfers[0].BetID)
	assert.True(t, transfers[0].Amount.Value.Equal(d(1.8)))
	assert.Equal(t, uint64(1_800_000_000), transfers[0].Amount.Units)

	b, err := e.store.GetBet(ctx, "win")
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.NotEmpty(t, b.Transactions[0].ExternalRef)
	assert.True(t, b.Credited().Equal(d(1.8)))
}

func TestHandleRewardRequest_IgnoresOtherStatuses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionNotEnoughPlayersToStart)

	require.NoError(t, e.orch.HandleRewardRequest(ctx, "s1"))
	assert.Equal(t, model.SessionNotEnoughPlayersToStart, e.status(t, "s1"))
	assert.Zero(t, e.client.HandleCalls())
}

func TestHandleRewardRequest_HandleUnavailable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	endedSession(t, e)
	e.client.SetUnavailable(true)

	require.NoError(t, e.orch.HandleRewardRequest(ctx, "s1"))

	assert.Equal(t, model.SessionErrorWhenProcessingRewards, e.status(t, "s1"))
	assert.Equal(t, 3, e.client.HandleCalls())
	assert.Empty(t, e.client.Transfers())
	// Winners keep their status; nothing is turned into a refund.
	assert.Equal(t, model.BetNeedsRewarding, e.betStatus(t, "win"))
}

func TestHandleRewardRequest_PartialFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionStarting, model.SessionInProgress, model.SessionEnded)
	e.bet(t, "w1", "s1", "wallet-1", "abcd", model.BetNeedsRewarding)
	e.bet(t, "w2", "s1", "wallet-2", "abcd", model.BetNeedsRewarding)
	e.bet(t, "l1", "s1", "wallet-3", "efgh", model.BetNotApplicable)
	e.bet(t, "l2", "s1", "wallet-4", "ijkl", model.BetNotApplicable)
	e.client.FailTransfersFor("w2", true)

	require.NoError(t, e.orch.HandleRewardRequest(ctx, "s1"))
	assert.Equal(t, model.SessionErrorWhenProcessingRewards, e.status(t, "s1"))
	assert.Equal(t, model.BetRewarded, e.betStatus(t, "w1"))
	assert.Equal(t, model.BetNeedsRewarding, e.betStatus(t, "w2"))

	e.client.FailTransfersFor("w2", false)
	require.NoError(t, e.orch.RetryRewards(ctx, "s1"))
	assert.Equal(t, model.SessionRewardForWinnersInProgress, e.status(t, "s1"))

	// RetryRewards queued the request; handle it the way Serve would.
	id := <-e.orch.rewards
	require.NoError(t, e.orch.HandleRewardRequest(ctx, id))

	assert.Equal(t, model.SessionRewardForWinnersCompleted, e.status(t, "s1"))
	assert.Equal(t, model.BetRewarded, e.betStatus(t, "w2"))

	// Both winners got the same share: pot 4 × 0.9 split two ways.
	transfers := e.client.Transfers()
	require.Len(t, transfers, 2)
	for _, tr := range transfers {
		assert.True(t, tr.Amount.Value.Equal(d(1.8)), "bet %s got %s", tr.BetID, tr.Amount.Value)
	}
}

func TestHandleRewardRequest_AlreadyCreditedWinnerNotPaidAgain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionStarting, model.SessionInProgress, model.SessionEnded)
	// The transfer went out but the bet status was never updated.
	e.bet(t, "win", "s1", "w1", "abcd", model.BetNeedsRewarding, 1.8)
	e.bet(t, "lose", "s1", "w2", "efgh", model.BetNotApplicable)

	require.NoError(t, e.orch.HandleRewardRequest(ctx, "s1"))

	assert.Equal(t, model.SessionRewardForWinnersCompleted, e.status(t, "s1"))
	assert.Equal(t, model.BetRewarded, e.betStatus(t, "win"))
	assert.Empty(t, e.client.Transfers())
}

func TestHandleRewardRequest_Claimed(t *testing.T) {
	e := newEnv(t, testConfig())
	require.True(t, e.orch.claim("s1"))
	defer e.orch.unclaim("s1")
	assert.ErrorIs(t, e.orch.HandleRewardRequest(context.Background(), "s1"), ErrAlreadyRunning)
}

func refundSession(t *testing.T, e *env) {
	t.Helper()
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionNotEnoughPlayersToStart, model.SessionNeedsRefund)
}

func TestProcessRefund_PaysOnlyRemainder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	refundSession(t, e)
	e.bet(t, "b1", "s1", "w1", "abcd", model.BetNeedsRefunding, 0.4)
	e.bet(t, "b2", "s1", "w2", "efgh", model.BetNeedsRefunding)

	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))

	assert.Equal(t, model.SessionPlayersRefunded, e.status(t, "s1"))
	got := map[string]string{}
	for _, tr := range e.client.Transfers() {
		got[tr.BetID] = tr.Amount.Value.String()
	}
	assert.Equal(t, map[string]string{"b1": "0.6", "b2": "1"}, got)
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "b1"))
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "b2"))
}

func TestProcessRefund_FullyCreditedBetIsClosedWithoutTransfer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	refundSession(t, e)
	e.bet(t, "b1", "s1", "w1", "abcd", model.BetNeedsRefunding, 1)

	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "b1"))
	assert.Empty(t, e.client.Transfers())
}

func TestProcessRefund_RequeuesOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	refundSession(t, e)
	e.bet(t, "b1", "s1", "w1", "abcd", model.BetNeedsRefunding)
	e.bet(t, "b2", "s1", "w2", "efgh", model.BetNeedsRefunding)
	e.client.FailTransfersFor("b2", true)

	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))
	assert.Equal(t, model.SessionNeedsRefund, e.status(t, "s1"))
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "b1"))
	assert.Equal(t, model.BetNeedsRefunding, e.betStatus(t, "b2"))

	// The next sweep only pays what is still owed.
	e.client.FailTransfersFor("b2", false)
	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))
	assert.Equal(t, model.SessionPlayersRefunded, e.status(t, "s1"))
	assert.Len(t, e.client.Transfers(), 2)
}

func TestProcessRefund_HandleUnavailableRequeues(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	refundSession(t, e)
	e.bet(t, "b1", "s1", "w1", "abcd", model.BetNeedsRefunding)
	e.client.SetUnavailable(true)

	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))
	assert.Equal(t, model.SessionNeedsRefund, e.status(t, "s1"))
	assert.Equal(t, model.BetNeedsRefunding, e.betStatus(t, "b1"))
}

func TestProcessRefund_SkipsSessionsNotQueued(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionNotEnoughPlayersToStart, model.SessionNeedsRefund, model.SessionRefundingPlayers)

	require.NoError(t, e.orch.ProcessRefund(ctx, "s1"))
	assert.Equal(t, model.SessionRefundingPlayers, e.status(t, "s1"))
	assert.Zero(t, e.client.HandleCalls())
}

func TestRefundBet(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionStarting)
	e.bet(t, "orphan", "s1", "w1", "abcd", model.BetNeedsRefunding)
	e.bet(t, "made", "s1", "w2", "efgh", model.BetMade)

	require.NoError(t, e.orch.RefundBet(ctx, "orphan"))
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "orphan"))

	// Only NeedsRefunding bets are refunded individually.
	require.NoError(t, e.orch.RefundBet(ctx, "made"))
	assert.Equal(t, model.BetMade, e.betStatus(t, "made"))

	// Refunding twice transfers once.
	require.NoError(t, e.orch.RefundBet(ctx, "orphan"))
	assert.Len(t, e.client.Transfers(), 1)

	assert.ErrorIs(t, e.orch.RefundBet(ctx, "missing"), store.ErrNotFound)
}

func TestRefundBet_Claimed(t *testing.T) {
	e := newEnv(t, testConfig())
	require.True(t, e.orch.claim(betKey("b1")))
	defer e.orch.unclaim(betKey("b1"))
	assert.ErrorIs(t, e.orch.RefundBet(context.Background(), "b1"), ErrAlreadyRunning)
}

// lossyStore fails the next n transaction appends, as when the database
// connection drops right after a transfer went through.
type lossyStore struct {
	*store.MemoryStore
	n int
}

func (s *lossyStore) AppendBetTransaction(ctx context.Context, tx model.BetTransaction) error {
	if s.n > 0 {
		s.n--
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.AppendBetTransaction(ctx, tx)
}

func TestRefundBet_UnrecordedTransferIsNotPaidTwice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.orch.store = &lossyStore{MemoryStore: e.store, n: 1}
	e.parameters(t, "p1")
	e.session(t, "s1", "p1", model.SessionStarting)
	e.bet(t, "orphan", "s1", "w1", "abcd", model.BetNeedsRefunding)

	require.Error(t, e.orch.RefundBet(ctx, "orphan"))
	assert.Equal(t, model.BetNeedsRefunding, e.betStatus(t, "orphan"))

	require.NoError(t, e.orch.RefundBet(ctx, "orphan"))
	assert.Equal(t, model.BetRefunded, e.betStatus(t, "orphan"))

	transfers := e.client.Transfers()
	require.Len(t, transfers, 1, "the retry reuses the transfer key")
	assert.Equal(t, "orphan:NeedsRefunding:0", transfers[0].Key)

	b, err := e.store.GetBet(ctx, "orphan")
	require.NoError(t, err)
	assert.Len(t, b.Transactions, 1)
}

func TestTransferHandle_RetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.HandleAttempts = 4
	cfg.HandleBackoff = 2 * time.Millisecond
	e := newEnv(t, cfg)
	e.client.FailHandleTimes(2)

	start := time.Now()
	h, err := e.orch.transferHandle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h.Value)
	assert.Equal(t, 3, e.client.HandleCalls())
	// 2ms then 4ms between the three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 6*time.Millisecond)
}

func TestTransferHandle_GivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.HandleAttempts = 2
	e := newEnv(t, cfg)
	e.client.SetUnavailable(true)

	_, err := e.orch.transferHandle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, e.client.HandleCalls())
}
