// Package auth generates and checks the one-time keys a viewer must offer
// before the host trusts any other traffic on a connection.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeyLen is the length in hex characters of a generated key.
const KeyLen = 16

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrKeyLength    = errors.New("auth: key length must be a positive even number")
)

// Validator validates an offered key.
type Validator interface {
	Validate(offered string) error
}

// StaticToken accepts exactly one key, compared byte for byte in constant
// time. An empty Token never validates.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(offered string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(offered)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(offered string) error

func (f FuncValidator) Validate(offered string) error {
	return f(offered)
}

// NewKey returns a fresh KeyLen-character lowercase hex key.
func NewKey() (string, error) {
	return GenerateKey(rand.Reader, KeyLen)
}

// GenerateKey reads n/2 bytes from src and hex encodes them.
func GenerateKey(src io.Reader, n int) (string, error) {
	if n <= 0 || n%2 != 0 {
		return "", fmt.Errorf("%w: %d", ErrKeyLength, n)
	}
	buf := make([]byte, n/2)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("auth: read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
