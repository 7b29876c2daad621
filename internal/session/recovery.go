package session

import (
	"context"
	"fmt"

	"github.com/monkify/session-engine/internal/model"
)

// CloseAbrupt force-closes a session whose run state was lost with its
// process. In-flight sessions become SessionEndedAbruptely with their
// unsettled bets left for manual analysis; an interrupted refund is queued
// again since refunds are idempotent.
func (o *Orchestrator) CloseAbrupt(ctx context.Context, id string) error {
	if !o.claim(id) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(id)

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	switch {
	case sess.Status == model.SessionRefundingPlayers:
		return o.transition(ctx, model.SessionTransition{
			SessionID: id, From: model.SessionRefundingPlayers, To: model.SessionNeedsRefund, At: o.now(),
		}, nil)
	case sess.Status.IsAbruptCandidate():
		o.closeAbrupt(ctx, id, sess.Status)
		return nil
	default:
		return nil
	}
}

func (o *Orchestrator) closeAbrupt(ctx context.Context, id string, from model.SessionStatus) {
	logger := o.logger.With("session_id", id)
	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: from, To: model.SessionEndedAbruptely, At: o.now(),
	}, nil); err != nil {
		logger.Warn("abrupt close skipped", "from", from, "err", err)
		return
	}
	o.releaseTracker(id)

	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		logger.Error("load bets for manual analysis failed", "err", err)
		return
	}
	for _, b := range bets {
		if b.Status.IsTerminal() {
			continue
		}
		if err := o.store.TransitionBet(ctx, b.ID, b.Status, model.BetNeedsManualAnalysis, o.now()); err != nil {
			logger.Error("mark bet for manual analysis failed", "bet_id", b.ID, "err", err)
		}
	}
	logger.Warn("session ended abruptly", "from", from, "bets", len(bets))
}

// RetryRewards moves a session out of ErrorWhenProcessingRewards back into
// the reward path and queues a new reward request. Operator action only.
func (o *Orchestrator) RetryRewards(ctx context.Context, id string) error {
	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionErrorWhenProcessingRewards, To: model.SessionRewardForWinnersInProgress, At: o.now(),
	}, nil); err != nil {
		return err
	}
	o.requestReward(ctx, id)
	return nil
}

// ConvertToRefund gives up on paying a session's winners and refunds its
// unpaid bets instead. Already rewarded bets are kept. Operator action only.
func (o *Orchestrator) ConvertToRefund(ctx context.Context, id string) error {
	if !o.claim(id) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(id)

	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionErrorWhenProcessingRewards, To: model.SessionNeedsRefund, At: o.now(),
	}, nil); err != nil {
		return err
	}

	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		return fmt.Errorf("load bets: %w", err)
	}
	for _, b := range bets {
		if b.Status != model.BetNeedsRewarding {
			continue
		}
		if err := o.store.TransitionBet(ctx, b.ID, model.BetNeedsRewarding, model.BetNeedsRefunding, o.now()); err != nil {
			o.logger.Error("convert bet to refund failed", "session_id", id, "bet_id", b.ID, "err", err)
		}
	}
	return nil
}
