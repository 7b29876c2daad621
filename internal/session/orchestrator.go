// Package session drives sessions through their state machine: it waits for
// eligibility, runs the outcome generator, declares winners, settles rewards
// and refunds, and closes sessions a dead process left behind.
//
// Every status change goes through the store's conditional update, so two
// orchestrators racing on one session never both apply a transition. The
// in-process claim set only keeps one process from running the same session
// twice.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/metrics"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
	"github.com/monkify/session-engine/internal/tracker"
	"github.com/monkify/session-engine/internal/typer"
)

var (
	ErrAlreadyRunning = errors.New("session: already running in this process")
	ErrNotWaiting     = errors.New("session: not waiting for bets")
)

// Config holds the timing and batching knobs of a session run.
type Config struct {
	MinimumWait    time.Duration // gate before a session may start
	MaximumWait    time.Duration // give up waiting for players after this; 0 waits forever
	StartDelay     time.Duration // SessionStarting → InProgress
	PollInterval   time.Duration // eligibility polling
	BatchSize      int           // characters per published batch
	BatchInterval  time.Duration // minimum gap between batches
	HandleAttempts int
	HandleBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HandleAttempts <= 0 {
		c.HandleAttempts = 1
	}
	if c.HandleBackoff <= 0 {
		c.HandleBackoff = 100 * time.Millisecond
	}
	return c
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      store.Store
	Tracker    *tracker.Tracker
	Settlement settlement.Client
	Calculator *settlement.Calculator
	Publisher  broadcast.Publisher
	Logger     *slog.Logger
}

// Orchestrator owns the run loops of the sessions in this process.
type Orchestrator struct {
	store   store.Store
	tracker *tracker.Tracker
	client  settlement.Client
	calc    *settlement.Calculator
	pub     broadcast.Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	newSeed func() (uint32, error)

	rewards chan string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	claimed map[string]bool
}

// New creates an orchestrator. Launched sessions live until Shutdown.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = broadcast.Nop{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   deps.Store,
		tracker: deps.Tracker,
		client:  deps.Settlement,
		calc:    deps.Calculator,
		pub:     pub,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "orchestrator"),
		now:     func() time.Time { return time.Now().UTC() },
		newSeed: typer.NewSeed,
		rewards: make(chan string, 64),
		base:    base,
		cancel:  cancel,
		claimed: make(map[string]bool),
	}
}

// Serve handles reward requests until ctx is done, then stops every
// launched session and waits for them.
func (o *Orchestrator) Serve(ctx context.Context) error {
	defer o.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-o.rewards:
			if err := o.HandleRewardRequest(ctx, id); err != nil {
				o.logger.Error("reward request failed", "session_id", id, "err", err)
			}
		}
	}
}

// Shutdown cancels launched sessions and waits for their loops to return.
// Sessions are left in their last committed status.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// Launch starts the run loop of a WaitingBets session in the background.
// It reports false when the session is already running here.
func (o *Orchestrator) Launch(sessionID string) bool {
	if o.IsRunning(sessionID) || o.base.Err() != nil {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.Run(o.base, sessionID)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrAlreadyRunning):
		default:
			o.logger.Error("session run failed", "session_id", sessionID, "err", err)
		}
	}()
	return true
}

// IsRunning reports whether this process currently works on the session.
func (o *Orchestrator) IsRunning(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.claimed[sessionID]
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claimed[id] {
		return false
	}
	o.claimed[id] = true
	metrics.RunningSessions.Set(float64(len(o.claimed)))
	return true
}

func (o *Orchestrator) unclaim(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claimed, id)
	metrics.RunningSessions.Set(float64(len(o.claimed)))
}

// outcome tells Run what to do once the session is no longer claimed.
type outcome struct {
	parametersID string
	reward       bool
	chain        bool
}

// Run drives a WaitingBets session until it ends, fails to start, or ctx is
// cancelled. A cancelled run leaves the last committed status in place.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	if !o.claim(sessionID) {
		return ErrAlreadyRunning
	}
	out, err := o.run(ctx, sessionID)
	o.unclaim(sessionID)
	if err != nil {
		return err
	}

	if out.reward {
		o.requestReward(ctx, sessionID)
	}
	if out.chain {
		if _, err := o.SpawnNext(ctx, out.parametersID); err != nil {
			o.logger.Error("spawn next session failed", "parameters_id", out.parametersID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, id string) (outcome, error) {
	logger := o.logger.With("session_id", id)

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return outcome{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != model.SessionWaitingBets {
		return outcome{}, fmt.Errorf("%w: %s", ErrNotWaiting, sess.Status)
	}
	if sess.Parameters == nil {
		return outcome{}, fmt.Errorf("session %s has no parameters", id)
	}
	params := *sess.Parameters
	out := outcome{parametersID: params.ID}

	ready, err := o.awaitEligibility(ctx, sess, params)
	if err != nil {
		return outcome{}, err
	}
	if !ready {
		o.failToStart(ctx, id)
		out.chain = true
		return out, nil
	}

	startDate := o.now().Add(o.cfg.StartDelay)
	err = o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionWaitingBets, To: model.SessionStarting,
		At: o.now(), StartDate: &startDate,
	}, nil)
	if errors.Is(err, store.ErrStatusConflict) {
		logger.Info("session already taken by another runner")
		return outcome{}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	o.releaseTracker(id)

	if err := sleepUntil(ctx, startDate); err != nil {
		return outcome{}, err
	}
	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionStarting, To: model.SessionInProgress, At: o.now(),
	}, nil); err != nil {
		return outcome{}, err
	}

	// The tracker is not the system of record; play with what was stored.
	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		return outcome{}, fmt.Errorf("load bets: %w", err)
	}
	made := lo.Filter(bets, func(b model.Bet, _ int) bool { return b.Status == model.BetMade })

	seed, err := o.newSeed()
	if err != nil {
		return outcome{}, err
	}
	gen, err := typer.ForSession(params, made, seed)
	if err != nil {
		logger.Error("cannot build outcome generator", "err", err)
		o.closeAbrupt(ctx, id, model.SessionInProgress)
		out.chain = true
		return out, nil
	}

	if err := o.emit(ctx, id, gen); err != nil {
		return outcome{}, err
	}

	winning := gen.WinningChoice()
	winners := lo.Filter(made, func(b model.Bet, _ int) bool { return b.Choice == winning })
	endDate := o.now()
	seedUsed := gen.Seed()
	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionInProgress, To: model.SessionEnded, At: endDate,
		EndDate: &endDate, Seed: &seedUsed, WinningChoice: &winning,
	}, lo.Map(winners, func(b model.Bet, _ int) string { return b.Wallet })); err != nil {
		return outcome{}, err
	}
	logger.Info("session ended",
		"winning_choice", winning,
		"winners", len(winners),
		"draws", gen.Draws(),
		"seed", seedUsed,
	)

	for _, b := range made {
		to := model.BetNotApplicable
		if b.Choice == winning {
			to = model.BetNeedsRewarding
		}
		if err := o.store.TransitionBet(ctx, b.ID, model.BetMade, to, o.now()); err != nil {
			logger.Error("mark bet failed", "bet_id", b.ID, "to", to, "err", err)
		}
	}

	out.reward = len(winners) > 0
	out.chain = true
	return out, nil
}

// awaitEligibility polls until both the minimum wait has elapsed and
// enough distinct players joined. It reports false once the maximum wait
// elapses first.
func (o *Orchestrator) awaitEligibility(ctx context.Context, sess *model.Session, params model.SessionParameters) (bool, error) {
	o.tracker.Register(sess.ID)
	metrics.TrackedSessions.Set(float64(o.tracker.Len()))

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		elapsed := o.now().Sub(sess.CreatedAt)
		enough, err := o.tracker.HasEnoughDistinctPlayers(ctx, sess.ID, params.MinimumPlayers)
		if err != nil {
			return false, fmt.Errorf("eligibility: %w", err)
		}
		if enough && elapsed >= o.cfg.MinimumWait {
			return true, nil
		}
		if o.cfg.MaximumWait > 0 && elapsed >= o.cfg.MaximumWait {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// failToStart moves a session without enough players into the refund path.
func (o *Orchestrator) failToStart(ctx context.Context, id string) {
	logger := o.logger.With("session_id", id)
	err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionWaitingBets, To: model.SessionNotEnoughPlayersToStart, At: o.now(),
	}, nil)
	if err != nil {
		logger.Warn("could not mark session as not started", "err", err)
		return
	}
	o.releaseTracker(id)

	bets, err := o.store.ListBets(ctx, id)
	if err != nil {
		logger.Error("load bets for refund failed", "err", err)
	}
	for _, b := range bets {
		if b.Status != model.BetMade {
			continue
		}
		if err := o.store.TransitionBet(ctx, b.ID, model.BetMade, model.BetNeedsRefunding, o.now()); err != nil {
			logger.Error("mark bet for refund failed", "bet_id", b.ID, "err", err)
		}
	}

	if err := o.transition(ctx, model.SessionTransition{
		SessionID: id, From: model.SessionNotEnoughPlayersToStart, To: model.SessionNeedsRefund, At: o.now(),
	}, nil); err != nil {
		logger.Error("queue session for refund failed", "err", err)
	}
}

// emit draws characters until the generator finds a winner, publishing them
// in batches no more often than the batch interval.
func (o *Orchestrator) emit(ctx context.Context, id string, gen *typer.Typer) error {
	topic := broadcast.SessionTopic(id)
	batch := make([]rune, 0, o.cfg.BatchSize)
	offset := 0
	var last time.Time

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if wait := o.cfg.BatchInterval - time.Since(last); !last.IsZero() && wait > 0 {
			if err := sleepFor(ctx, wait); err != nil {
				return err
			}
		}
		o.pub.Publish(ctx, topic, broadcast.Event{
			Type:      broadcast.TypeCharacters,
			SessionID: id,
			At:        o.now(),
			Data:      broadcast.CharacterBatch{Characters: string(batch), Offset: offset},
		})
		metrics.CharactersEmitted.Add(float64(len(batch)))
		offset += len(batch)
		batch = batch[:0]
		last = time.Now()
		return nil
	}

	for !gen.Finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, gen.Next())
		if len(batch) == o.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// SpawnNext creates and launches the next session of a configuration when
// it is still active and has no active session. It returns nil when there
// is nothing to do.
func (o *Orchestrator) SpawnNext(ctx context.Context, parametersID string) (*model.Session, error) {
	params, err := o.store.GetParameters(ctx, parametersID)
	if err != nil {
		return nil, err
	}
	if !params.Active {
		return nil, nil
	}

	now := o.now()
	sess := &model.Session{
		ID:           uuid.NewString(),
		ParametersID: params.ID,
		Status:       model.SessionWaitingBets,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			return nil, nil
		}
		return nil, err
	}
	o.tracker.Register(sess.ID)
	metrics.TrackedSessions.Set(float64(o.tracker.Len()))
	metrics.SessionTransitions.WithLabelValues(string(model.SessionWaitingBets)).Inc()
	o.logger.Info("session opened", "session_id", sess.ID, "parameters_id", params.ID)
	o.publish(ctx, sess.ID, broadcast.StatusChanged{Status: string(model.SessionWaitingBets)})

	o.Launch(sess.ID)
	return sess, nil
}

// Resume relaunches a WaitingBets session left by a previous process,
// rebuilding its tracker state from stored bets.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	if o.IsRunning(sessionID) {
		return nil
	}
	bets, err := o.store.ListBets(ctx, sessionID)
	if err != nil {
		return err
	}
	o.tracker.Release(sessionID)
	o.tracker.Register(sessionID)
	for _, b := range bets {
		if b.Status != model.BetMade {
			continue
		}
		if err := o.tracker.Add(ctx, b); err != nil {
			return err
		}
	}
	metrics.TrackedSessions.Set(float64(o.tracker.Len()))
	o.logger.Info("session resumed", "session_id", sessionID, "bets", len(bets))
	o.Launch(sessionID)
	return nil
}

// transition commits t, then counts and publishes it. winners is only set
// for the Ended transition.
func (o *Orchestrator) transition(ctx context.Context, t model.SessionTransition, winners []string) error {
	if err := o.store.TransitionSession(ctx, t); err != nil {
		return err
	}
	metrics.SessionTransitions.WithLabelValues(string(t.To)).Inc()
	o.logger.Info("session transition", "session_id", t.SessionID, "from", t.From, "to", t.To)

	payload := broadcast.StatusChanged{
		Previous:      string(t.From),
		Status:        string(t.To),
		StartDate:     t.StartDate,
		WinningChoice: t.WinningChoice,
		Winners:       winners,
		WinnerCount:   len(winners),
	}
	o.publish(ctx, t.SessionID, payload)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, id string, payload broadcast.StatusChanged) {
	ev := broadcast.Event{Type: broadcast.TypeStatusChanged, SessionID: id, At: o.now(), Data: payload}
	o.pub.Publish(ctx, broadcast.SessionTopic(id), ev)
	o.pub.Publish(ctx, broadcast.TopicSessions, ev)
}

func (o *Orchestrator) releaseTracker(id string) {
	o.tracker.Release(id)
	metrics.TrackedSessions.Set(float64(o.tracker.Len()))
}

func sleepUntil(ctx context.Context, t time.Time) error {
	return sleepFor(ctx, time.Until(t))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
