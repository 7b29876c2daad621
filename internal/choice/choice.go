// Package choice normalizes the strings bettors stake on and validates them
// against the rules of a session configuration.
package choice

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/monkify/session-engine/internal/model"
)

var classPatterns = map[model.CharacterClass]*regexp.Regexp{
	model.ClassLetters: regexp.MustCompile(`^[a-z]+$`),
	model.ClassDigits:  regexp.MustCompile(`^[0-9]+$`),
	model.ClassMixed:   regexp.MustCompile(`^[a-z0-9]+$`),
	model.ClassPlayers: regexp.MustCompile(`^[a-z0-9]+$`),
}

var (
	ErrEmpty             = errors.New("choice: empty choice")
	ErrInvalidCharacters = errors.New("choice: characters not allowed by the session")
	ErrWrongLength       = errors.New("choice: wrong length")
	ErrDuplicatedChars   = errors.New("choice: duplicated characters are not accepted")
	ErrNotPreset         = errors.New("choice: not one of the preset choices")
	ErrUnknownCharClass  = errors.New("choice: unknown character class")
	ErrMixedPresetLength = errors.New("choice: preset choices differ in length")
)

// Normalize trims surrounding whitespace and case-folds the choice.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Validate normalizes raw and checks it against params. It returns the
// normalized choice on success.
func Validate(raw string, params model.SessionParameters) (string, error) {
	c := Normalize(raw)
	if c == "" {
		return "", ErrEmpty
	}

	pattern, ok := classPatterns[params.CharacterClass]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCharClass, params.CharacterClass)
	}
	if !pattern.MatchString(c) {
		return "", fmt.Errorf("%w: %q (class %s)", ErrInvalidCharacters, c, params.CharacterClass)
	}

	if params.ChoiceRequiredLength != nil && len(c) != *params.ChoiceRequiredLength {
		return "", fmt.Errorf("%w: got %d, expected %d", ErrWrongLength, len(c), *params.ChoiceRequiredLength)
	}

	if !params.AcceptDuplicatedCharacters && hasDuplicates(c) {
		return "", fmt.Errorf("%w: %q", ErrDuplicatedChars, c)
	}

	if len(params.PresetChoices) > 0 && !isPreset(c, params.PresetChoices) {
		return "", fmt.Errorf("%w: %q", ErrNotPreset, c)
	}

	return c, nil
}

// ValidateParameters checks that a configuration is internally consistent
// before it is stored.
func ValidateParameters(p model.SessionParameters) error {
	if !p.CharacterClass.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCharClass, p.CharacterClass)
	}
	if p.MinimumPlayers < 1 {
		return errors.New("choice: minimum players must be at least 1")
	}
	if !p.RequiredAmount.IsPositive() {
		return errors.New("choice: required amount must be positive")
	}
	if p.ChoiceRequiredLength != nil && *p.ChoiceRequiredLength < 1 {
		return errors.New("choice: required length must be positive")
	}
	length := 0
	for _, preset := range p.PresetChoices {
		// Presets go through the same rules as bets, minus the preset check.
		rules := p
		rules.PresetChoices = nil
		c, err := Validate(preset, rules)
		if err != nil {
			return fmt.Errorf("preset %q: %w", preset, err)
		}
		// The outcome window spans the longest staked choice, so a shorter
		// preset could only match while the window fills.
		n := len([]rune(c))
		if length != 0 && n != length {
			return fmt.Errorf("%w: %q has %d characters, expected %d", ErrMixedPresetLength, preset, n, length)
		}
		length = n
	}
	return nil
}

func hasDuplicates(c string) bool {
	seen := make(map[rune]struct{}, len(c))
	for _, r := range c {
		if _, ok := seen[r]; ok {
			return true
		}
		seen[r] = struct{}{}
	}
	return false
}

func isPreset(c string, presets []string) bool {
	for _, p := range presets {
		if Normalize(p) == c {
			return true
		}
	}
	return false
}
