// Package store defines the persistence interface for the session engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for configurations), and in-memory (for testing).
//
// Every status change is conditional on the expected previous status and
// appends its log entry in the same atomic step. Concurrent orchestrators
// resolve contention through these compare-and-swap updates only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/monkify/session-engine/internal/model"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrStatusConflict      = errors.New("store: status changed concurrently")
	ErrInvalidTransition   = errors.New("store: transition not allowed")
	ErrDuplicatePaymentRef = errors.New("store: payment reference already used")
	ErrActiveSessionExists = errors.New("store: configuration already has an active session")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for configurations.
type Store interface {
	// --- Configurations ---

	// UpsertParameters creates or replaces a configuration.
	UpsertParameters(ctx context.Context, p *model.SessionParameters) error

	// GetParameters retrieves a configuration by ID.
	GetParameters(ctx context.Context, id string) (*model.SessionParameters, error)

	// ListParameters returns all configurations.
	ListParameters(ctx context.Context) ([]model.SessionParameters, error)

	// SetParametersActive toggles the only mutable field of a configuration.
	SetParametersActive(ctx context.Context, id string, active bool) error

	// ListIdleParameters returns active configurations with no active session.
	ListIdleParameters(ctx context.Context) ([]model.SessionParameters, error)

	// --- Sessions ---

	// CreateSession persists a new session. It fails with
	// ErrActiveSessionExists when the configuration already has one.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession loads a session with its parameters, bets and logs.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// ListSessionsByStatus returns sessions (without bets) in any of statuses.
	ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error)

	// TransitionSession applies t only if the stored status equals t.From.
	TransitionSession(ctx context.Context, t model.SessionTransition) error

	// --- Bets ---

	// CreateBet persists a bet. It fails with ErrDuplicatePaymentRef when the
	// payment reference was ever used before.
	CreateBet(ctx context.Context, b *model.Bet) error

	// GetBet loads a bet with its logs.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBets returns the bets of a session in creation order.
	ListBets(ctx context.Context, sessionID string) ([]model.Bet, error)

	// ListBetsByStatus returns bets in any of statuses across sessions.
	ListBetsByStatus(ctx context.Context, statuses ...model.BetStatus) ([]model.Bet, error)

	// TransitionBet moves a bet from → to, appending a status log entry.
	TransitionBet(ctx context.Context, betID string, from, to model.BetStatus, at time.Time) error

	// AppendBetTransaction records a completed settlement transfer.
	AppendBetTransaction(ctx context.Context, tx model.BetTransaction) error
}
