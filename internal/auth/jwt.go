package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

type Role string

const (
	RoleParticipant Role = "participant"
	RoleSupervisor  Role = "supervisor"
	RoleAdmin       Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParticipant, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// TokenManager signs and verifies HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	issuer string
}

func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer}
}

func (m *TokenManager) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: p.Name,
		Role: p.Role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (m *TokenManager) Verify(tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Principal{UserID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
