package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monkify/session-engine/internal/model"
)

// MemoryClient implements Client without a network. Used for testing and
// development. Failures can be injected per bet or for the handle.
type MemoryClient struct {
	mu          sync.Mutex
	unavailable bool
	failBets    map[string]bool
	invalid     map[string]string
	transfers   []MemoryTransfer
	applied     map[string]Receipt
	handleCalls int
	handleFailN int
}

// MemoryTransfer is one transfer recorded by MemoryClient.
type MemoryTransfer struct {
	Key    string
	BetID  string
	Wallet string
	Amount Amount
	Handle string
}

// NewMemoryClient creates a client where every call succeeds.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		failBets: make(map[string]bool),
		invalid:  make(map[string]string),
		applied:  make(map[string]Receipt),
	}
}

// SetUnavailable makes TransferHandle fail until reset.
func (c *MemoryClient) SetUnavailable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = v
}

// FailHandleTimes makes the next n TransferHandle calls fail.
func (c *MemoryClient) FailHandleTimes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handleFailN = n
}

// FailTransfersFor makes transfers to betID fail (or succeed again).
func (c *MemoryClient) FailTransfersFor(betID string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBets[betID] = fail
}

// RejectPayment marks a payment reference as invalid with reason.
func (c *MemoryClient) RejectPayment(paymentRef, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[paymentRef] = reason
}

// Transfers returns a copy of all successful transfers.
func (c *MemoryClient) Transfers() []MemoryTransfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MemoryTransfer(nil), c.transfers...)
}

// HandleCalls returns how many times TransferHandle was called.
func (c *MemoryClient) HandleCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleCalls
}

func (c *MemoryClient) TransferHandle(_ context.Context) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handleCalls++
	if c.unavailable {
		return Handle{}, ErrUnavailable
	}
	if c.handleFailN > 0 {
		c.handleFailN--
		return Handle{}, ErrUnavailable
	}
	return Handle{Value: uuid.NewString(), ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (c *MemoryClient) Transfer(_ context.Context, bet model.Bet, amount Amount, h Handle) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failBets[bet.ID] {
		return Receipt{}, fmt.Errorf("%w: bet %s", ErrTransferFailed, bet.ID)
	}
	key := TransferKey(bet)
	if r, ok := c.applied[key]; ok {
		return r, nil
	}
	c.transfers = append(c.transfers, MemoryTransfer{
		Key:    key,
		BetID:  bet.ID,
		Wallet: bet.Wallet,
		Amount: amount,
		Handle: h.Value,
	})
	r := Receipt{
		Amount:    amount.Value,
		Signature: uuid.NewString(),
		At:        time.Now().UTC(),
	}
	c.applied[key] = r
	return r, nil
}

func (c *MemoryClient) ValidatePayment(_ context.Context, bet model.Bet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason, ok := c.invalid[bet.PaymentRef]; ok {
		return fmt.Errorf("%w: %s", ErrInvalidPayment, reason)
	}
	return nil
}
