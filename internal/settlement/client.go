package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/monkify/session-engine/internal/model"
)

var (
	// ErrUnavailable is returned when no transfer handle can be obtained.
	ErrUnavailable = errors.New("settlement: service unavailable")

	// ErrTransferFailed is returned when the service rejected a transfer.
	ErrTransferFailed = errors.New("settlement: transfer failed")

	// ErrInvalidPayment is returned when a bet's payment does not check out.
	ErrInvalidPayment = errors.New("settlement: invalid payment")
)

// Handle is a short-lived token that authorizes transfers (a recent
// blockhash on chain-backed services).
type Handle struct {
	Value     string    `json:"handle"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Receipt describes a completed transfer; it maps onto a BetTransaction.
type Receipt struct {
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
	At        time.Time       `json:"at"`
}

// Transaction returns the log entry to record for this receipt.
func (r Receipt) Transaction(id, betID string) model.BetTransaction {
	return model.BetTransaction{
		ID:          id,
		BetID:       betID,
		Amount:      r.Amount,
		ExternalRef: r.Signature,
		CreatedAt:   r.At,
	}
}

// TransferKey identifies a transfer to the gateway for deduplication. It
// stays the same across retries until a transfer is recorded on the bet, so
// a retry after a lost response is not paid twice, and changes with the
// bet's status and credit count so a later payout is a new transfer.
func TransferKey(bet model.Bet) string {
	return fmt.Sprintf("%s:%s:%d", bet.ID, bet.Status, len(bet.Transactions))
}

// Client is the external settlement collaborator.
type Client interface {
	// TransferHandle obtains a fresh handle, or ErrUnavailable.
	TransferHandle(ctx context.Context) (Handle, error)

	// Transfer sends amount to the bet's wallet. Transfers repeating the
	// TransferKey of an applied one return its receipt without paying again.
	Transfer(ctx context.Context, bet model.Bet, amount Amount, h Handle) (Receipt, error)

	// ValidatePayment checks that the bet's payment reference really moved
	// the stake. The error wraps ErrInvalidPayment with the reason.
	ValidatePayment(ctx context.Context, bet model.Bet) error
}
