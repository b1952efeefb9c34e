// Package otp generates the numeric start codes bound to a ride.
package otp

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// MaxDigits keeps 10^digits inside an int64.
const MaxDigits = 18

// Generate returns a code of exactly digits characters drawn uniformly from
// [10^(digits-1), 10^digits-1] using crypto/rand.
func Generate(digits int) (string, error) {
	return generate(rand.Reader, digits)
}

func generate(r io.Reader, digits int) (string, error) {
	if digits < 1 || digits > MaxDigits {
		return "", fmt.Errorf("otp: digits must be in [1,%d], got %d", MaxDigits, digits)
	}
	lo := pow10(digits - 1)
	hi := pow10(digits)
	n, err := rand.Int(r, big.NewInt(hi-lo))
	if err != nil {
		return "", fmt.Errorf("otp: read random: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()+lo), nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
