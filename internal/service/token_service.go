// Package service holds the application services behind the HTTP surface:
// session tokens and signature-based login.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aidchain/orchestrator/internal/config"
)

// ErrInvalidToken is returned for expired, malformed or forged tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is the session payload carried by a bearer token. The
// verified flag is advisory; write-gating consults the ledger's identity
// registry, not the token.
type TokenClaims struct {
	Verified bool   `json:"verified"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Address returns the wallet address the token was issued to.
func (c *TokenClaims) Address() string {
	return c.Subject
}

// TokenService issues and validates session tokens.
type TokenService interface {
	Issue(address string, verified bool, deviceID string) (token string, expiresIn int64, err error)
	Validate(token string) (*TokenClaims, error)
}

type tokenService struct {
	secret   []byte
	lifetime time.Duration
	skew     time.Duration
}

// NewTokenService creates a token service with HS256 signing.
func NewTokenService(cfg config.AuthConfig) TokenService {
	return &tokenService{
		secret:   []byte(cfg.TokenSecret),
		lifetime: cfg.TokenLifetime,
		skew:     cfg.ClockSkew,
	}
}

func (s *tokenService) Issue(address string, verified bool, deviceID string) (string, int64, error) {
	now := time.Now().UTC()
	claims := &TokenClaims{
		Verified: verified,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, int64(s.lifetime.Seconds()), nil
}

func (s *tokenService) Validate(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(s.skew))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
