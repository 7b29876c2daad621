// Package settlement computes what a bet is owed and talks to the external
// settlement service that moves tokens.
//
// The calculator is side-effect free. Amounts already transferred to a bet
// (its transaction log) count as credits, so computing a payout again after a
// crash never pays twice. Callers record a transaction only after the
// external transfer succeeded.
//
// All monetary values use shopspring/decimal, never float64.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/monkify/session-engine/internal/model"
)

var (
	// ErrNoWinners is returned when the session has no bet awaiting a reward.
	ErrNoWinners = errors.New("settlement: no bets need rewarding")

	// ErrNotRewardable is returned for a bet that is not in NeedsRewarding.
	ErrNotRewardable = errors.New("settlement: bet is not awaiting a reward")

	// ErrNotRefundable is returned for a bet that is not in NeedsRefunding.
	ErrNotRefundable = errors.New("settlement: bet is not awaiting a refund")

	// ErrRewardSmallerThanStake is returned when a winner's share of the pot
	// would not even cover its own stake.
	ErrRewardSmallerThanStake = errors.New("settlement: reward smaller than stake")

	// ErrAlreadyRewarded is returned when credits already cover the reward.
	ErrAlreadyRewarded = errors.New("settlement: bet already rewarded")

	// ErrAlreadyRefunded is returned when credits already cover the refund.
	ErrAlreadyRefunded = errors.New("settlement: bet already refunded")

	// ErrInvalidCommission is returned for a commission outside [0, 1).
	ErrInvalidCommission = errors.New("settlement: commission must be in [0, 1)")
)

// Config holds the token settings used to turn decimal amounts into
// transferable units.
type Config struct {
	// Commission is the house share of the pot, e.g. 0.1 for 10%.
	Commission decimal.Decimal

	// Precision is the number of decimal places kept; amounts are rounded
	// toward zero at this precision.
	Precision int32

	// Decimals is the token's decimal exponent: 1 token = 10^Decimals units.
	Decimals int32
}

// Amount is a payout both as a decimal token amount and as integer units.
type Amount struct {
	Value decimal.Decimal `json:"value"`
	Units uint64          `json:"units"`
}

// Calculator computes rewards and refunds. It holds no state beyond its
// configuration and is safe for concurrent use.
type Calculator struct {
	cfg Config
	one decimal.Decimal
}

// NewCalculator validates cfg and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	if cfg.Commission.IsNegative() || cfg.Commission.GreaterThanOrEqual(one) {
		return nil, ErrInvalidCommission
	}
	if cfg.Precision < 0 || cfg.Decimals < 0 {
		return nil, errors.New("settlement: precision and decimals must not be negative")
	}
	return &Calculator{cfg: cfg, one: one}, nil
}

// Config returns the calculator's configuration.
func (c *Calculator) Config() Config { return c.cfg }

// Pot returns the total staked across bets net of commission:
//
//	pot = Σ amount × (1 − commission)
func (c *Calculator) Pot(bets []model.Bet) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bets {
		total = total.Add(b.Amount)
	}
	return total.Mul(c.one.Sub(c.cfg.Commission))
}

// Reward computes what is still owed to winner, one of the session's bets.
// Winners are the bets in NeedsRewarding or Rewarded; counting the already
// rewarded ones keeps every winner's share stable across retries.
func (c *Calculator) Reward(bets []model.Bet, winner model.Bet) (Amount, error) {
	pending, winners := 0, 0
	for _, b := range bets {
		switch b.Status {
		case model.BetNeedsRewarding:
			pending++
			winners++
		case model.BetRewarded:
			winners++
		}
	}
	if pending == 0 {
		return Amount{}, ErrNoWinners
	}
	if winner.Status != model.BetNeedsRewarding {
		return Amount{}, fmt.Errorf("%w: %s is %s", ErrNotRewardable, winner.ID, winner.Status)
	}

	share := c.Pot(bets).Div(decimal.NewFromInt(int64(winners)))
	if share.LessThan(winner.Amount) {
		return Amount{}, fmt.Errorf("%w: share %s, stake %s", ErrRewardSmallerThanStake, share, winner.Amount)
	}

	owed := share.Sub(winner.Credited()).Truncate(c.cfg.Precision)
	amount, ok := c.toUnits(owed)
	if !ok {
		return Amount{}, ErrAlreadyRewarded
	}
	return amount, nil
}

// Refund computes what is still owed to a bet in NeedsRefunding.
func (c *Calculator) Refund(bet model.Bet) (Amount, error) {
	if bet.Status != model.BetNeedsRefunding {
		return Amount{}, fmt.Errorf("%w: %s is %s", ErrNotRefundable, bet.ID, bet.Status)
	}

	owed := bet.Amount.Truncate(c.cfg.Precision).Sub(bet.Credited())
	amount, ok := c.toUnits(owed)
	if !ok {
		return Amount{}, ErrAlreadyRefunded
	}
	return amount, nil
}

// toUnits converts a token amount into integer units. It reports false when
// nothing positive is left to transfer.
func (c *Calculator) toUnits(v decimal.Decimal) (Amount, bool) {
	if !v.IsPositive() {
		return Amount{}, false
	}
	units := v.Shift(c.cfg.Decimals).IntPart()
	if units <= 0 {
		return Amount{}, false
	}
	return Amount{Value: v, Units: uint64(units)}, true
}
