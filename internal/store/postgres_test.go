package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("bets.amount", "1.250000000")
	require.NoError(t, err)
	assert.Equal(t, "1.25", v.String())

	for _, raw := range []string{"", "NaN", "1,5", "abc"} {
		_, err := parseAmount("bets.amount", raw)
		assert.ErrorContains(t, err, "bets.amount", raw)
	}
}
