// Package betting accepts stakes on open sessions and serves the HTTP
// surface of the engine: bet submission, session and configuration reads,
// and the operator actions for sessions stuck after a reward failure.
//
// All monetary values use shopspring/decimal, never float64.
package betting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/choice"
	"github.com/monkify/session-engine/internal/metrics"
	"github.com/monkify/session-engine/internal/model"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
	"github.com/monkify/session-engine/internal/tracker"
)

var (
	ErrMissingField     = errors.New("betting: missing required field")
	ErrNotAcceptingBets = errors.New("betting: session is not accepting bets")
	ErrWrongAmount      = errors.New("betting: amount does not match the required stake")
)

// Operator is the part of the orchestrator the service calls into.
type Operator interface {
	RefundBet(ctx context.Context, betID string) error
	RetryRewards(ctx context.Context, sessionID string) error
	ConvertToRefund(ctx context.Context, sessionID string) error
}

// Service validates and records bets. Bets reach the tracker only after
// they are durably stored.
type Service struct {
	store   store.Store
	tracker *tracker.Tracker
	client  settlement.Client
	ops     Operator
	pub     broadcast.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a betting service. A nil publisher disables
// bet-accepted notifications.
func NewService(st store.Store, tr *tracker.Tracker, client settlement.Client, ops Operator, pub broadcast.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		tracker: tr,
		client:  client,
		ops:     ops,
		pub:     pub,
		logger:  logger.With("component", "betting"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBetRequest is the JSON body for POST /sessions/{sessionID}/bets.
type PlaceBetRequest struct {
	Wallet     string          `json:"wallet"`
	Choice     string          `json:"choice"`
	Seed       string          `json:"seed"`        // caller nonce
	PaymentRef string          `json:"payment_ref"` // stake transfer reference
	Amount     decimal.Decimal `json:"amount"`
}

// PlaceBet records a stake on a WaitingBets session.
//
// The payment is validated first. When it is invalid or its reference was
// already used, nothing was collected and the bet is simply rejected. Any
// later rejection happens after the stake was collected, so the bet is
// stored as NeedsRefunding and refunded right away; a failed refund is left
// to the refund sweeper and does not change the response.
func (s *Service) PlaceBet(ctx context.Context, sessionID string, req PlaceBetRequest) (*model.Bet, error) {
	if req.Wallet == "" || req.PaymentRef == "" {
		return nil, s.reject("missing_field", fmt.Errorf("%w: wallet and payment_ref are required", ErrMissingField))
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.reject("session", err)
	}

	bet := &model.Bet{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Seed:       req.Seed,
		PaymentRef: req.PaymentRef,
		Wallet:     req.Wallet,
		Choice:     choice.Normalize(req.Choice),
		Amount:     req.Amount,
		Status:     model.BetMade,
		CreatedAt:  s.now(),
	}
	logger := s.logger.With("session_id", sessionID, "bet_id", bet.ID, "payment_ref", bet.PaymentRef)

	if err := s.client.ValidatePayment(ctx, *bet); err != nil {
		return nil, s.reject("payment", err)
	}

	if err := s.check(sess, bet, req.Choice); err != nil {
		s.refundRejected(ctx, logger, bet)
		return nil, s.reject("validation", err)
	}

	if err := s.store.CreateBet(ctx, bet); err != nil {
		if errors.Is(err, store.ErrDuplicatePaymentRef) {
			return nil, s.reject("duplicate_payment", err)
		}
		return nil, fmt.Errorf("store bet: %w", err)
	}

	if err := s.tracker.Add(ctx, *bet); err != nil {
		// The session left WaitingBets between the check and the insert.
		logger.Warn("session closed while placing bet", "err", err)
		if terr := s.store.TransitionBet(ctx, bet.ID, model.BetMade, model.BetNeedsRefunding, s.now()); terr == nil {
			s.refund(ctx, logger, bet.ID)
		}
		return nil, s.reject("closed", fmt.Errorf("%w: %v", ErrNotAcceptingBets, err))
	}

	metrics.BetsPlaced.Inc()
	count, err := s.tracker.Count(ctx, sessionID)
	if err != nil {
		// The session was released right after the bet was tracked.
		logger.Debug("bet count unavailable", "err", err)
	}
	logger.Info("bet placed", "wallet", bet.Wallet, "choice", bet.Choice, "amount", bet.Amount.String(), "bets", count)
	s.pub.Publish(ctx, broadcast.SessionTopic(sessionID), broadcast.Event{
		Type:      broadcast.TypeBetAccepted,
		SessionID: sessionID,
		At:        bet.CreatedAt,
		Data:      broadcast.BetAccepted{BetID: bet.ID, Wallet: bet.Wallet, Choice: bet.Choice, Bets: count},
	})
	return bet, nil
}

// check validates a bet against its session. On success bet.Choice holds
// the normalized choice.
func (s *Service) check(sess *model.Session, bet *model.Bet, raw string) error {
	if sess.Status != model.SessionWaitingBets {
		return fmt.Errorf("%w: session is %s", ErrNotAcceptingBets, sess.Status)
	}
	if sess.Parameters == nil {
		return fmt.Errorf("session %s has no parameters", sess.ID)
	}
	params := *sess.Parameters

	c, err := choice.Validate(raw, params)
	if err != nil {
		return err
	}
	bet.Choice = c

	if !bet.Amount.Equal(params.RequiredAmount) {
		return fmt.Errorf("%w: got %s, expected %s", ErrWrongAmount, bet.Amount, params.RequiredAmount)
	}
	return nil
}

// refundRejected stores a rejected bet whose stake was collected and
// attempts its refund.
func (s *Service) refundRejected(ctx context.Context, logger *slog.Logger, bet *model.Bet) {
	orphan := *bet
	orphan.Status = model.BetNeedsRefunding
	if err := s.store.CreateBet(ctx, &orphan); err != nil {
		// A reused reference means the stake was never collected for this bet.
		if !errors.Is(err, store.ErrDuplicatePaymentRef) {
			logger.Error("could not record rejected bet for refund", "err", err)
		}
		return
	}
	s.refund(ctx, logger, orphan.ID)
}

func (s *Service) refund(ctx context.Context, logger *slog.Logger, betID string) {
	if s.ops == nil {
		return
	}
	if err := s.ops.RefundBet(ctx, betID); err != nil {
		logger.Warn("immediate refund failed, left for the sweeper", "err", err)
	}
}

func (s *Service) reject(reason string, err error) error {
	metrics.BetsRejected.WithLabelValues(reason).Inc()
	return err
}
