package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MaxTokenLength is the longest token bcrypt will hash without truncation
	MaxTokenLength = 72
)

// GatewayGuard checks the shared callback token against its bcrypt hash.
// The plain token is never stored.
type GatewayGuard struct {
	hash []byte
}

// NewGatewayGuard creates a guard for hash. An empty hash rejects every
// token.
func NewGatewayGuard(hash string) *GatewayGuard {
	return &GatewayGuard{hash: []byte(hash)}
}

// Verify reports whether token matches.
func (g *GatewayGuard) Verify(token string) bool {
	if g == nil || len(g.hash) == 0 || token == "" || len(token) > MaxTokenLength {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

// HashToken produces the value stored in gateway.token_hash.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("token must be at most %d bytes", MaxTokenLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(bytes), nil
}
