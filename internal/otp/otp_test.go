package otp

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_SixDigitsInRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := Generate(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 100000)
		require.LessOrEqual(t, n, 999999)
	}
}

func TestGenerate_Lengths(t *testing.T) {
	for _, digits := range []int{1, 2, 4, 8, 12, MaxDigits} {
		code, err := Generate(digits)
		require.NoError(t, err)
		assert.Len(t, code, digits)
		assert.NotEqual(t, byte('0'), code[0], "leading zero in %q", code)
	}
}

func TestGenerate_RejectsBadDigits(t *testing.T) {
	for _, digits := range []int{0, -1, MaxDigits + 1} {
		_, err := Generate(digits)
		assert.Error(t, err, "digits=%d", digits)
	}
}

func TestGenerate_ReaderFailure(t *testing.T) {
	_, err := generate(bytes.NewReader(nil), 6)
	assert.Error(t, err)
}

// TestGenerate_DigitDistribution checks that no digit dominates any position.
// Position 0 ranges over 1..9, the others over 0..9.
func TestGenerate_DigitDistribution(t *testing.T) {
	const runs = 20000
	var counts [6][10]int
	for i := 0; i < runs; i++ {
		code, err := Generate(6)
		require.NoError(t, err)
		for pos := 0; pos < 6; pos++ {
			counts[pos][code[pos]-'0']++
		}
	}

	assert.Zero(t, counts[0][0], "first digit must never be zero")
	for pos := 0; pos < 6; pos++ {
		symbols := 10
		first := 0
		if pos == 0 {
			symbols, first = 9, 1
		}
		expected := runs / symbols
		lo, hi := expected*80/100, expected*120/100
		for d := first; d < 10; d++ {
			c := counts[pos][d]
			if c < lo || c > hi {
				t.Errorf("position %d digit %d appeared %d times, want %d (+/-20%%)", pos, d, c, expected)
			}
		}
	}
}
