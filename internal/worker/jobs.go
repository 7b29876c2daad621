package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/session"
	"github.com/monkify/session-engine/internal/store"
)

// Opener resumes abandoned WaitingBets sessions and opens a session for
// every active configuration without one.
type Opener struct {
	store    store.Store
	sessions Sessions
	cutoff   Cutoff
	logger   *slog.Logger
	now      func() time.Time
}

// NewOpener creates an opener. Only WaitingBets sessions abandoned per cutoff
// and not running here are resumed.
func NewOpener(st store.Store, sessions Sessions, cutoff Cutoff, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		store:    st,
		sessions: sessions,
		cutoff:   cutoff,
		logger:   logger.With("worker", "opener"),
		now:      time.Now,
	}
}

func (o *Opener) Name() string { return "opener" }

func (o *Opener) RunOnce(ctx context.Context) error {
	waiting, err := o.store.ListSessionsByStatus(ctx, model.SessionWaitingBets)
	if err != nil {
		return fmt.Errorf("list waiting sessions: %w", err)
	}
	now := o.now()
	var errs []error
	for _, s := range waiting {
		if !o.cutoff.Abandoned(s.UpdatedAt, now) || o.sessions.IsRunning(s.ID) {
			continue
		}
		if err := o.sessions.Resume(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", s.ID, err))
		}
	}

	idle, err := o.store.ListIdleParameters(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list idle parameters: %w", err))...)
	}
	for _, p := range idle {
		sess, err := o.sessions.SpawnNext(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("open session for %s: %w", p.ID, err))
			continue
		}
		if sess != nil {
			o.logger.Debug("opened session", "session_id", sess.ID, "parameters_id", p.ID)
		}
	}
	return errors.Join(errs...)
}

// RefundSweeper drives NeedsRefund sessions through the refund path and
// retries NeedsRefunding bets that belong to no session refund.
type RefundSweeper struct {
	store       store.Store
	sessions    Sessions
	concurrency int
	logger      *slog.Logger
}

// NewRefundSweeper creates a sweeper refunding at most concurrency sessions
// at a time.
func NewRefundSweeper(st store.Store, sessions Sessions, concurrency int, logger *slog.Logger) *RefundSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RefundSweeper{store: st, sessions: sessions, concurrency: concurrency, logger: logger.With("worker", "refund_sweeper")}
}

func (w *RefundSweeper) Name() string { return "refund_sweeper" }

// refundPath lists the session statuses whose bets are refunded by
// ProcessRefund rather than one at a time.
var refundPath = []model.SessionStatus{
	model.SessionNotEnoughPlayersToStart,
	model.SessionNeedsRefund,
	model.SessionRefundingPlayers,
}

func (w *RefundSweeper) RunOnce(ctx context.Context) error {
	queued, err := w.store.ListSessionsByStatus(ctx, model.SessionNeedsRefund)
	if err != nil {
		return fmt.Errorf("list refund sessions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, s := range queued {
		g.Go(func() error {
			err := w.sessions.ProcessRefund(gctx, s.ID)
			if err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
				w.logger.Error("session refund failed", "session_id", s.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return w.sweepOrphans(ctx)
}

func (w *RefundSweeper) sweepOrphans(ctx context.Context) error {
	bets, err := w.store.ListBetsByStatus(ctx, model.BetNeedsRefunding)
	if err != nil {
		return fmt.Errorf("list refunding bets: %w", err)
	}
	if len(bets) == 0 {
		return nil
	}
	inPath, err := w.store.ListSessionsByStatus(ctx, refundPath...)
	if err != nil {
		return fmt.Errorf("list refund path sessions: %w", err)
	}
	skip := lo.SliceToMap(inPath, func(s model.Session) (string, bool) { return s.ID, true })

	var errs []error
	for _, b := range bets {
		if skip[b.SessionID] {
			continue
		}
		if err := w.sessions.RefundBet(ctx, b.ID); err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			errs = append(errs, fmt.Errorf("refund bet %s: %w", b.ID, err))
		}
	}
	return errors.Join(errs...)
}

// AbruptCloser closes sessions whose run state was lost, either with the
// process that owned them or with a run that failed in this one.
type AbruptCloser struct {
	store    store.Store
	sessions Sessions
	cutoff   Cutoff
	logger   *slog.Logger
	now      func() time.Time
}

// NewAbruptCloser creates a closer. Sessions not abandoned per cutoff, or
// running in this process, are left alone.
func NewAbruptCloser(st store.Store, sessions Sessions, cutoff Cutoff, logger *slog.Logger) *AbruptCloser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AbruptCloser{
		store:    st,
		sessions: sessions,
		cutoff:   cutoff,
		logger:   logger.With("worker", "abrupt_closer"),
		now:      time.Now,
	}
}

func (c *AbruptCloser) Name() string { return "abrupt_closer" }

func (c *AbruptCloser) RunOnce(ctx context.Context) error {
	statuses := append([]model.SessionStatus{model.SessionRefundingPlayers}, model.AbruptCandidateStatuses...)
	stale, err := c.store.ListSessionsByStatus(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}

	now := c.now()
	var errs []error
	for _, s := range stale {
		if !c.cutoff.Abandoned(s.UpdatedAt, now) || c.sessions.IsRunning(s.ID) {
			continue
		}
		c.logger.Warn("closing stale session", "session_id", s.ID, "status", s.Status, "updated_at", s.UpdatedAt)
		if err := c.sessions.CloseAbrupt(ctx, s.ID); err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}
