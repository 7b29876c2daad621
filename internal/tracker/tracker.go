// Package tracker keeps an in-memory view of the bets accepted for each open
// session so eligibility ("enough distinct players?") can be answered without
// a storage round trip per bet.
//
// The tracker is not the system of record. Its state may be dropped and
// rebuilt from storage at any time; callers re-read storage before any
// transition with external effects.
package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/monkify/session-engine/internal/model"
)

// ErrSessionUnknown is returned for sessions that were never registered or
// were already released.
var ErrSessionUnknown = errors.New("tracker: session unknown")

// entry holds one session's bets. lock is a one-slot semaphore so waiting
// for it can observe context cancellation.
type entry struct {
	lock chan struct{}
	bets []model.Bet
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.lock }

// Tracker aggregates bets per session. Sessions never contend with each
// other: the map lock is only held to find an entry, never while an entry's
// bets are read or written.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// New creates an empty tracker. One tracker lives for the whole process and
// is shared by the bet intake and the orchestrator.
func New() *Tracker {
	return &Tracker{sessions: make(map[string]*entry)}
}

// Register initializes tracking for a session. Calling it again for a
// registered session keeps the existing bets.
func (t *Tracker) Register(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[sessionID]; ok {
		return
	}
	t.sessions[sessionID] = &entry{lock: make(chan struct{}, 1)}
}

// Add appends a validated bet to its session. It may wait while another
// caller holds the session's lock.
func (t *Tracker) Add(ctx context.Context, bet model.Bet) error {
	e, err := t.lookup(bet.SessionID)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.bets = append(e.bets, bet)
	return nil
}

// HasEnoughDistinctPlayers reports whether the session holds at least
// minimum bets that are distinct by (choice, wallet).
func (t *Tracker) HasEnoughDistinctPlayers(ctx context.Context, sessionID string, minimum int) (bool, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return false, err
	}
	if err := e.acquire(ctx); err != nil {
		return false, err
	}
	defer e.release()

	distinct := lo.UniqBy(e.bets, func(b model.Bet) playerKey {
		return playerKey{choice: b.Choice, wallet: b.Wallet}
	})
	return len(distinct) >= minimum, nil
}

// Count returns the number of bets tracked for a session.
func (t *Tracker) Count(ctx context.Context, sessionID string) (int, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()
	return len(e.bets), nil
}

// Release drops all state for a session. Unknown sessions are ignored.
func (t *Tracker) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Len returns the number of sessions currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) lookup(sessionID string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}
	return e, nil
}

type playerKey struct {
	choice string
	wallet string
}
