// Package model defines the core domain types shared across the session engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CharacterClass is the alphabet a configuration draws from.
type CharacterClass string

const (
	ClassLetters CharacterClass = "letters"
	ClassDigits  CharacterClass = "digits"
	ClassMixed   CharacterClass = "mixed"
	// ClassPlayers derives the alphabet from the distinct characters of the
	// staked choices themselves.
	ClassPlayers CharacterClass = "players"
)

// Valid reports whether c is one of the known classes.
func (c CharacterClass) Valid() bool {
	switch c {
	case ClassLetters, ClassDigits, ClassMixed, ClassPlayers:
		return true
	}
	return false
}

// SessionParameters is a reusable configuration that sessions are spawned
// from. Only Active may change once a session references it.
type SessionParameters struct {
	ID                         string          `json:"id" db:"id" yaml:"id"`
	Name                       string          `json:"name" db:"name" yaml:"name"`
	CharacterClass             CharacterClass  `json:"character_class" db:"character_class" yaml:"character_class"`
	RequiredAmount             decimal.Decimal `json:"required_amount" db:"required_amount" yaml:"required_amount"`
	MinimumPlayers             int             `json:"minimum_players" db:"minimum_players" yaml:"minimum_players"`
	ChoiceRequiredLength       *int            `json:"choice_required_length,omitempty" db:"choice_required_length" yaml:"choice_required_length"`
	AcceptDuplicatedCharacters bool            `json:"accept_duplicated_characters" db:"accept_duplicated_characters" yaml:"accept_duplicated_characters"`
	PresetChoices              []string        `json:"preset_choices,omitempty" db:"preset_choices" yaml:"preset_choices"`
	Active                     bool            `json:"active" db:"active" yaml:"active"`
	CreatedAt                  time.Time       `json:"created_at" db:"created_at" yaml:"-"`
}

// Session is one run of the game tied to a configuration. Sessions are never
// deleted, only moved to a terminal status.
type Session struct {
	ID            string             `json:"id" db:"id"`
	ParametersID  string             `json:"parameters_id" db:"parameters_id"`
	Status        SessionStatus      `json:"status" db:"status"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
	StartDate     *time.Time         `json:"start_date,omitempty" db:"start_date"`
	EndDate       *time.Time         `json:"end_date,omitempty" db:"end_date"`
	Seed          *uint32            `json:"seed,omitempty" db:"seed"`
	WinningChoice *string            `json:"winning_choice,omitempty" db:"winning_choice"`
	StatusLogs    []SessionStatusLog `json:"status_logs"`

	// Parameters and Bets are loaded eagerly by Store.GetSession.
	Parameters *SessionParameters `json:"parameters,omitempty"`
	Bets       []Bet              `json:"bets,omitempty"`
}

// SessionStatusLog is an append-only record of one session transition.
type SessionStatusLog struct {
	ID             string        `json:"id" db:"id"`
	SessionID      string        `json:"session_id" db:"session_id"`
	PreviousStatus SessionStatus `json:"previous_status" db:"previous_status"`
	NewStatus      SessionStatus `json:"new_status" db:"new_status"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// SessionTransition is a conditional status change. It only applies when the
// stored status still equals From. The optional fields are written in the
// same atomic update.
type SessionTransition struct {
	SessionID     string
	From          SessionStatus
	To            SessionStatus
	At            time.Time
	StartDate     *time.Time
	EndDate       *time.Time
	Seed          *uint32
	WinningChoice *string
}

// Bet is one stake placed on a session.
type Bet struct {
	ID           string           `json:"id" db:"id"`
	SessionID    string           `json:"session_id" db:"session_id"`
	Seed         string           `json:"seed" db:"seed"`               // caller-supplied nonce
	PaymentRef   string           `json:"payment_ref" db:"payment_ref"` // globally unique
	Wallet       string           `json:"wallet" db:"wallet"`
	Choice       string           `json:"choice" db:"choice"` // normalized
	Amount       decimal.Decimal  `json:"amount" db:"amount"`
	Status       BetStatus        `json:"status" db:"status"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	StatusLogs   []BetStatusLog   `json:"status_logs"`
	Transactions []BetTransaction `json:"transactions"`
}

// Credited returns the sum of all settlement transfers already made to the bet.
func (b Bet) Credited() decimal.Decimal {
	total := decimal.Zero
	for _, tx := range b.Transactions {
		total = total.Add(tx.Amount)
	}
	return total
}

// BetStatusLog is an append-only record of one bet transition.
type BetStatusLog struct {
	ID             string    `json:"id" db:"id"`
	BetID          string    `json:"bet_id" db:"bet_id"`
	PreviousStatus BetStatus `json:"previous_status" db:"previous_status"`
	NewStatus      BetStatus `json:"new_status" db:"new_status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// BetTransaction records a settlement transfer that actually happened.
type BetTransaction struct {
	ID          string          `json:"id" db:"id"`
	BetID       string          `json:"bet_id" db:"bet_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	ExternalRef string          `json:"external_ref" db:"external_ref"` // e.g. transaction signature
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
