package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/metrics"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
)

const (
	kindReward = "reward"
	kindRefund = "refund"
)

// requestReward publishes a reward request and queues it for Serve.
func (o *Orchestrator) requestReward(ctx context.Context, id string) {
	o.pub.Publish(ctx, broadcast.SessionTopic(id), broadcast.Event{
		Type: broadcast.TypeRewardRequested, SessionID: id, At: o.now(),
	})
	select {
	case o.rewards <- id:
	case <-ctx.Done():
		o.logger.Warn("reward request not queued", "session_id", id, "err", ctx.Err())
	}
}

// HandleRewardRequest pays the winners of an Ended session. Any failure
// leaves the session in ErrorWhenProcessingRewards; failed bets keep
// NeedsRewarding and are never turned into refunds here.
func (o *Orchestrator) HandleRewardRequest(ctx context.Context, id string) error {
	if !o.claim(id) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(id)
	logger := o.logger.With("session_id", id)

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	switch sess.Status {
	case model.SessionEnded:
		if err := o.transition(ctx, model.SessionTransition{
			SessionID: id, From: model.SessionEnded, To: model.SessionRewardForWinnersInProgress, At: o.now(),
		}, nil); err != nil {
			return err
		}
	case model.SessionRewardForWinnersInProgress:
		// Operator retry.
	default:
		logger.Info("reward request ignored", "status", sess.Status)
		return nil
	}

	handle, err := o.transferHandle(ctx)
	if err != nil {
		logger.Error("settlement handle unavailable, no transfers attempted", "err", err)
		return o.markRewardError(ctx, id)
	}

	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		return fmt.Errorf("load bets: %w", err)
	}
	// Orphan bets never entered the game and are not part of the pot.
	played := lo.Filter(bets, func(b model.Bet, _ int) bool {
		return b.Status == model.BetNeedsRewarding || b.Status == model.BetRewarded || b.Status == model.BetNotApplicable
	})

	failed := false
	for _, b := range played {
		if b.Status != model.BetNeedsRewarding {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.reward(ctx, played, b, handle); err != nil {
			logger.Error("reward failed", "bet_id", b.ID, "err", err)
			failed = true
		}
	}

	if failed {
		return o.markRewardError(ctx, id)
	}
	return o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionRewardForWinnersInProgress, To: model.SessionRewardForWinnersCompleted, At: o.now(),
	}, nil)
}

func (o *Orchestrator) reward(ctx context.Context, played []model.Bet, b model.Bet, h settlement.Handle) error {
	amount, err := o.calc.Reward(played, b)
	if errors.Is(err, settlement.ErrAlreadyRewarded) {
		return o.store.TransitionBet(ctx, b.ID, model.BetNeedsRewarding, model.BetRewarded, o.now())
	}
	if err != nil {
		return err
	}
	if err := o.pay(ctx, kindReward, b, amount, h); err != nil {
		return err
	}
	return o.store.TransitionBet(ctx, b.ID, model.BetNeedsRewarding, model.BetRewarded, o.now())
}

func (o *Orchestrator) markRewardError(ctx context.Context, id string) error {
	return o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionRewardForWinnersInProgress, To: model.SessionErrorWhenProcessingRewards, At: o.now(),
	}, nil)
}

// ProcessRefund refunds every unsettled bet of a NeedsRefund session. The
// session reaches PlayersRefunded only when all of them end Refunded;
// otherwise it is queued again for the next sweep.
func (o *Orchestrator) ProcessRefund(ctx context.Context, id string) error {
	if !o.claim(id) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(id)
	logger := o.logger.With("session_id", id)

	err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionNeedsRefund, To: model.SessionRefundingPlayers, At: o.now(),
	}, nil)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	requeue := func() error {
		return o.transition(ctx, model.SessionTransition{
			SessionID: id, From: model.SessionRefundingPlayers, To: model.SessionNeedsRefund, At: o.now(),
		}, nil)
	}

	handle, err := o.transferHandle(ctx)
	if err != nil {
		logger.Warn("settlement handle unavailable, refund requeued", "err", err)
		return requeue()
	}
	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		logger.Error("load bets failed, refund requeued", "err", err)
		return requeue()
	}

	failed := false
	for _, b := range bets {
		if b.Status.IsTerminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.claim(betKey(b.ID)) {
			failed = true
			continue
		}
		err := o.refund(ctx, b, handle)
		o.unclaim(betKey(b.ID))
		if err != nil {
			logger.Error("refund failed", "bet_id", b.ID, "err", err)
			failed = true
		}
	}

	if failed {
		return requeue()
	}
	return o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionRefundingPlayers, To: model.SessionPlayersRefunded, At: o.now(),
	}, nil)
}

// RefundBet refunds a single NeedsRefunding bet outside a session refund,
// such as a stake collected for a bet that was then rejected.
func (o *Orchestrator) RefundBet(ctx context.Context, betID string) error {
	if !o.claim(betKey(betID)) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(betKey(betID))

	b, err := o.store.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if b.Status != model.BetNeedsRefunding {
		return nil
	}
	handle, err := o.transferHandle(ctx)
	if err != nil {
		return err
	}
	return o.refund(ctx, *b, handle)
}

// refund settles one bet. Bets still in Made or NeedsRewarding are moved to
// NeedsRefunding first. Callers hold the bet's claim so two refunds of the
// same bet never transfer before either records its transaction.
func (o *Orchestrator) refund(ctx context.Context, b model.Bet, h settlement.Handle) error {
	if b.Status != model.BetNeedsRefunding {
		if err := o.store.TransitionBet(ctx, b.ID, b.Status, model.BetNeedsRefunding, o.now()); err != nil {
			return err
		}
		b.Status = model.BetNeedsRefunding
	}

	amount, err := o.calc.Refund(b)
	if errors.Is(err, settlement.ErrAlreadyRefunded) {
		return o.store.TransitionBet(ctx, b.ID, model.BetNeedsRefunding, model.BetRefunded, o.now())
	}
	if err != nil {
		return err
	}

	if err := o.pay(ctx, kindRefund, b, amount, h); err != nil {
		return err
	}
	return o.store.TransitionBet(ctx, b.ID, model.BetNeedsRefunding, model.BetRefunded, o.now())
}

// pay transfers amount and records the transaction on the bet.
func (o *Orchestrator) pay(ctx context.Context, kind string, b model.Bet, amount settlement.Amount, h settlement.Handle) error {
	receipt, err := o.client.Transfer(ctx, b, amount, h)
	if err != nil {
		metrics.SettlementTransfers.WithLabelValues(kind, "failed").Inc()
		return err
	}
	metrics.SettlementTransfers.WithLabelValues(kind, "ok").Inc()

	tx := receipt.Transaction(uuid.NewString(), b.ID)
	if err := o.store.AppendBetTransaction(ctx, tx); err != nil {
		// The transfer happened; without the record a retry would pay again.
		o.logger.Error("transfer not recorded",
			"bet_id", b.ID,
			"kind", kind,
			"amount", amount.Value.String(),
			"external_ref", receipt.Signature,
			"err", err,
		)
		return err
	}
	o.logger.Info("transfer completed",
		"bet_id", b.ID,
		"kind", kind,
		"amount", amount.Value.String(),
		"units", amount.Units,
	)
	return nil
}

// transferHandle fetches a settlement handle, retrying with doubling backoff.
func (o *Orchestrator) transferHandle(ctx context.Context) (settlement.Handle, error) {
	backoff := o.cfg.HandleBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.HandleAttempts; attempt++ {
		h, err := o.client.TransferHandle(ctx)
		if err == nil {
			return h, nil
		}
		lastErr = err
		o.logger.Warn("transfer handle attempt failed", "attempt", attempt, "err", err)
		if attempt == o.cfg.HandleAttempts {
			break
		}
		if err := sleepFor(ctx, backoff); err != nil {
			return settlement.Handle{}, err
		}
		backoff *= 2
	}
	return settlement.Handle{}, fmt.Errorf("after %d attempts: %w", o.cfg.HandleAttempts, lastErr)
}

func betKey(id string) string { return "bet:" + id }
