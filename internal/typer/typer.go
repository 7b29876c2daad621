// Package typer implements the outcome generator: a seeded emitter of random
// characters that stops on the first staked choice it types.
//
// The generator keeps a sliding window whose capacity is the longest staked
// choice. After every draw the window contents are looked up among the staked
// choices; a hit with at least one backer makes the typer finished. Choices
// shorter than the window are therefore only compared while the window is
// still filling up.
//
// Runs are replayable: the same seed, alphabet and choices produce the same
// character stream and the same winner.
package typer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sort"

	"github.com/monkify/session-engine/internal/model"
)

var (
	// ErrNoChoices is returned when the typer is built without any staked
	// choice; such a typer could never finish.
	ErrNoChoices = errors.New("typer: no staked choices")

	// ErrEmptyAlphabet is returned when there is nothing to draw from.
	ErrEmptyAlphabet = errors.New("typer: empty alphabet")
)

const (
	letters = "abcdefghijklmnopqrstuvwxyz"
	digits  = "0123456789"
)

// Typer draws characters until the window matches a backed choice.
// It is not safe for concurrent use; one session run owns one Typer.
type Typer struct {
	alphabet []rune
	backers  map[string]int
	window   []rune
	size     int
	rng      *mrand.Rand
	seed     uint32
	draws    int

	finished bool
	winner   string
	winners  int
}

// NewSeed returns a 32-bit seed from the operating system's CSPRNG.
func NewSeed() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("typer: read seed: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// New creates a typer drawing from alphabet. backers maps each staked choice
// to the number of bets placed on it; choices with zero backers (presets
// nobody picked) can be typed but never win.
func New(alphabet []rune, backers map[string]int, seed uint32) (*Typer, error) {
	if len(backers) == 0 {
		return nil, ErrNoChoices
	}
	if len(alphabet) == 0 {
		return nil, ErrEmptyAlphabet
	}

	size := 0
	owned := make(map[string]int, len(backers))
	for c, n := range backers {
		if l := len([]rune(c)); l > size {
			size = l
		}
		owned[c] = n
	}
	if size == 0 {
		return nil, ErrNoChoices
	}

	return &Typer{
		alphabet: append([]rune(nil), alphabet...),
		backers:  owned,
		window:   make([]rune, 0, size),
		size:     size,
		rng:      mrand.New(mrand.NewPCG(uint64(seed), uint64(seed)<<32|uint64(seed))),
		seed:     seed,
	}, nil
}

// ForSession builds a typer for a session from its configuration and the
// bets loaded from storage.
func ForSession(params model.SessionParameters, bets []model.Bet, seed uint32) (*Typer, error) {
	backers := Backers(params.PresetChoices, bets)
	return New(Alphabet(params.CharacterClass, backers), backers, seed)
}

// Backers counts bets per choice. Presets start at zero.
func Backers(presets []string, bets []model.Bet) map[string]int {
	backers := make(map[string]int, len(presets)+len(bets))
	for _, p := range presets {
		if _, ok := backers[p]; !ok {
			backers[p] = 0
		}
	}
	for _, b := range bets {
		backers[b.Choice]++
	}
	return backers
}

// Alphabet returns the characters a class draws from. For ClassPlayers it is
// the sorted set of distinct characters across all choices.
func Alphabet(class model.CharacterClass, choices map[string]int) []rune {
	switch class {
	case model.ClassLetters:
		return []rune(letters)
	case model.ClassDigits:
		return []rune(digits)
	case model.ClassMixed:
		return []rune(letters + digits)
	}

	set := make(map[rune]struct{})
	for c := range choices {
		for _, r := range c {
			set[r] = struct{}{}
		}
	}
	out := make([]rune, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Next draws one character, slides the window and checks for a winner. The
// character is returned even after the typer finished so callers can keep
// forwarding what was typed; the result never changes once set.
func (t *Typer) Next() rune {
	c := t.alphabet[t.rng.IntN(len(t.alphabet))]
	t.draws++

	if len(t.window) < t.size {
		t.window = append(t.window, c)
	} else {
		copy(t.window, t.window[1:])
		t.window[t.size-1] = c
	}

	if t.finished {
		return c
	}
	current := string(t.window)
	if n, ok := t.backers[current]; ok && n > 0 {
		t.finished = true
		t.winner = current
		t.winners = n
	}
	return c
}

// Finished reports whether a backed choice has been typed.
func (t *Typer) Finished() bool { return t.finished }

// WinningChoice returns the typed choice, empty until Finished.
func (t *Typer) WinningChoice() string { return t.winner }

// Winners returns the number of bets backing the winning choice.
func (t *Typer) Winners() int { return t.winners }

// Seed returns the seed the typer was created with.
func (t *Typer) Seed() uint32 { return t.seed }

// Draws returns how many characters have been typed.
func (t *Typer) Draws() int { return t.draws }

// WindowLength returns the capacity of the sliding window.
func (t *Typer) WindowLength() int { return t.size }
