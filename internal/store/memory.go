package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monkify/session-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	parameters  map[string]*model.SessionParameters
	sessions    map[string]*model.Session
	bets        map[string]*model.Bet
	betOrder    []string
	paymentRefs map[string]string // payment ref → bet ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parameters:  make(map[string]*model.SessionParameters),
		sessions:    make(map[string]*model.Session),
		bets:        make(map[string]*model.Bet),
		paymentRefs: make(map[string]string),
	}
}

// --- Configurations ---

func (s *MemoryStore) UpsertParameters(_ context.Context, p *model.SessionParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyParameters(*p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.parameters[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParameters(_ context.Context, id string) (*model.SessionParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.parameters[id]
	if !ok {
		return nil, fmt.Errorf("parameters %s: %w", id, ErrNotFound)
	}
	cp := copyParameters(*p)
	return &cp, nil
}

func (s *MemoryStore) ListParameters(_ context.Context) ([]model.SessionParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SessionParameters, 0, len(s.parameters))
	for _, p := range s.parameters {
		out = append(out, copyParameters(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetParametersActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parameters[id]
	if !ok {
		return fmt.Errorf("parameters %s: %w", id, ErrNotFound)
	}
	p.Active = active
	return nil
}

func (s *MemoryStore) ListIdleParameters(_ context.Context) ([]model.SessionParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SessionParameters
	for _, p := range s.parameters {
		if p.Active && !s.hasActiveSession(p.ID) {
			out = append(out, copyParameters(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parameters[sess.ParametersID]; !ok {
		return fmt.Errorf("parameters %s: %w", sess.ParametersID, ErrNotFound)
	}
	if sess.Status.IsActive() && s.hasActiveSession(sess.ParametersID) {
		return ErrActiveSessionExists
	}

	cp := copySession(*sess)
	cp.Parameters = nil
	cp.Bets = nil
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := copySession(*sess)
	if p, ok := s.parameters[sess.ParametersID]; ok {
		pc := copyParameters(*p)
		cp.Parameters = &pc
	}
	cp.Bets = s.sessionBets(id)
	return &cp, nil
}

func (s *MemoryStore) ListSessionsByStatus(_ context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []model.Session
	for _, sess := range s.sessions {
		if len(statuses) == 0 || want[sess.Status] {
			out = append(out, copySession(*sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionSession(_ context.Context, t model.SessionTransition) error {
	if !model.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.From, t.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, ErrNotFound)
	}
	if sess.Status != t.From {
		return fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, t.SessionID, sess.Status, t.From)
	}

	sess.StatusLogs = append(sess.StatusLogs, model.SessionStatusLog{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		PreviousStatus: t.From,
		NewStatus:      t.To,
		CreatedAt:      t.At,
	})
	sess.Status = t.To
	sess.UpdatedAt = t.At
	if t.StartDate != nil {
		v := *t.StartDate
		sess.StartDate = &v
	}
	if t.EndDate != nil {
		v := *t.EndDate
		sess.EndDate = &v
	}
	if t.Seed != nil {
		v := *t.Seed
		sess.Seed = &v
	}
	if t.WinningChoice != nil {
		v := *t.WinningChoice
		sess.WinningChoice = &v
	}
	return nil
}

// --- Bets ---

func (s *MemoryStore) CreateBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[b.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", b.SessionID, ErrNotFound)
	}
	if _, used := s.paymentRefs[b.PaymentRef]; used {
		return fmt.Errorf("%w: %s", ErrDuplicatePaymentRef, b.PaymentRef)
	}

	cp := copyBet(*b)
	s.bets[b.ID] = &cp
	s.betOrder = append(s.betOrder, b.ID)
	s.paymentRefs[b.PaymentRef] = b.ID
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	cp := copyBet(*b)
	return &cp, nil
}

func (s *MemoryStore) ListBets(_ context.Context, sessionID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionBets(sessionID), nil
}

func (s *MemoryStore) ListBetsByStatus(_ context.Context, statuses ...model.BetStatus) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.BetStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; want[b.Status] {
			out = append(out, copyBet(*b))
		}
	}
	return out, nil
}

func (s *MemoryStore) TransitionBet(_ context.Context, betID string, from, to model.BetStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return fmt.Errorf("bet %s: %w", betID, ErrNotFound)
	}
	if b.Status != from {
		return fmt.Errorf("%w: bet %s is %s, expected %s", ErrStatusConflict, betID, b.Status, from)
	}
	b.StatusLogs = append(b.StatusLogs, model.BetStatusLog{
		ID:             uuid.NewString(),
		BetID:          betID,
		PreviousStatus: from,
		NewStatus:      to,
		CreatedAt:      at,
	})
	b.Status = to
	return nil
}

func (s *MemoryStore) AppendBetTransaction(_ context.Context, tx model.BetTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[tx.BetID]
	if !ok {
		return fmt.Errorf("bet %s: %w", tx.BetID, ErrNotFound)
	}
	b.Transactions = append(b.Transactions, tx)
	return nil
}

// --- helpers (callers hold the lock) ---

func (s *MemoryStore) hasActiveSession(parametersID string) bool {
	for _, sess := range s.sessions {
		if sess.ParametersID == parametersID && sess.Status.IsActive() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) sessionBets(sessionID string) []model.Bet {
	var out []model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.SessionID == sessionID {
			out = append(out, copyBet(*b))
		}
	}
	return out
}

// Copies keep callers from mutating stored state through shared slices.

func copyParameters(p model.SessionParameters) model.SessionParameters {
	if p.ChoiceRequiredLength != nil {
		v := *p.ChoiceRequiredLength
		p.ChoiceRequiredLength = &v
	}
	p.PresetChoices = append([]string(nil), p.PresetChoices...)
	return p
}

func copySession(s model.Session) model.Session {
	s.StatusLogs = append([]model.SessionStatusLog(nil), s.StatusLogs...)
	return s
}

func copyBet(b model.Bet) model.Bet {
	b.StatusLogs = append([]model.BetStatusLog(nil), b.StatusLogs...)
	b.Transactions = append([]model.BetTransaction(nil), b.Transactions...)
	return b
}
