// Package broadcast pushes session events to observers. Delivery is
// fire-and-forget: publishers never block the caller on a slow subscriber
// and never report failures back to it.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Event types.
const (
	TypeCharacters      = "characters"
	TypeStatusChanged   = "status_changed"
	TypeBetAccepted     = "bet_accepted"
	TypeRewardRequested = "reward_requested"
)

// TopicSessions carries status changes of every session, for lobby views.
const TopicSessions = "sessions"

// SessionTopic is the per-session topic carrying characters, bets and status.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// Event is the envelope delivered to every sink.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// CharacterBatch is the payload of TypeCharacters. Offset is the number of
// characters emitted before this batch.
type CharacterBatch struct {
	Characters string `json:"characters"`
	Offset     int    `json:"offset"`
}

// StatusChanged is the payload of TypeStatusChanged. Winner fields are only
// set when the session reaches Ended.
type StatusChanged struct {
	Previous      string     `json:"previous"`
	Status        string     `json:"status"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	WinningChoice *string    `json:"winning_choice,omitempty"`
	Winners       []string   `json:"winners,omitempty"`
	WinnerCount   int        `json:"winner_count,omitempty"`
}

// BetAccepted is the payload of TypeBetAccepted.
type BetAccepted struct {
	BetID  string `json:"bet_id"`
	Wallet string `json:"wallet"`
	Choice string `json:"choice"`
	// Bets the session holds, this one included.
	Bets int `json:"bets"`
}

// Publisher delivers events to current subscribers of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event)
}

// Fanout publishes every event to all of its sinks.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, topic, ev)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) {}

// Recorded is one event captured by Recorder.
type Recorded struct {
	Topic string
	Event Event
}

// Recorder keeps every published event in memory. Used for testing.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Publish(_ context.Context, topic string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Topic: topic, Event: ev})
}

// Events returns a copy of recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Recorded
	for _, rec := range r.events {
		if len(types) == 0 || lo.Contains(types, rec.Event.Type) {
			out = append(out, rec)
		}
	}
	return out
}
