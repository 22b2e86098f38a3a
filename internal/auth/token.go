// Package auth verifies agent credentials and issues agent tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/support-router/internal/model"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const issuer = "support-router"

// Gateway verifies agent tokens. Implementations may call out to a remote
// identity service and must honour ctx.
type Gateway interface {
	VerifyToken(ctx context.Context, token string) (*model.AgentIdentity, error)
}

// Claims represents JWT claims for an agent token.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// JWTGateway issues and verifies HS256 agent tokens.
type JWTGateway struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTGateway creates a gateway signing with secret. Tokens live for expiration.
func NewJWTGateway(secret string, expiration time.Duration) *JWTGateway {
	return &JWTGateway{
		secret:     []byte(secret),
		expiration: expiration,
		now:        time.Now,
	}
}

// IssueToken creates a signed token whose subject is agentID.
func (g *JWTGateway) IssueToken(agentID, username string) (string, error) {
	now := g.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiration)),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken implements Gateway.
func (g *JWTGateway) VerifyToken(ctx context.Context, tokenString string) (*model.AgentIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &model.AgentIdentity{AgentID: claims.Subject}, nil
}

var _ Gateway = (*JWTGateway)(nil)
