// Package internal holds token and code generation shared by the auth and
// verification packages.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const (
	refreshTokenRawSize = 40
	emailTokenRawSize   = 32
)

// NewRefreshToken returns a high-entropy opaque refresh-token value,
// hex-encoded.
func NewRefreshToken() (string, error) {
	var raw [refreshTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// NewEmailToken returns the opaque token embedded in a sign-in magic link.
func NewEmailToken() (string, error) {
	var raw [emailTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// NewOTPCode returns a uniformly random numeric code of the given length,
// zero-padded. Every value from all-zeros up is equally likely.
func NewOTPCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// HashToken derives a fixed-length key-safe digest of a token, for lock
// and lookup keys that must not carry the raw secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
