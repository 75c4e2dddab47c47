// ABOUTME: JWT token verification for authenticating dashboard and agent connections
// ABOUTME: Uses HS256 signing with configurable secret and decodes the caller's Identity

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier verifies a bearer token and decodes the identity it carries
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// claims is the JWT body issued to dashboard users
type claims struct {
	Email          string `json:"email,omitempty"`
	Role           string `json:"role,omitempty"`
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity from the sub, email,
// role and org_id claims. sub and org_id are required.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if c.OrganizationID == "" {
		return nil, fmt.Errorf("%w: org_id", ErrMissingClaim)
	}

	role := c.Role
	if role == "" {
		role = RoleAgent
	}

	return &Identity{
		UserID:         c.Subject,
		Email:          c.Email,
		Role:           role,
		OrganizationID: c.OrganizationID,
	}, nil
}

// Generate creates a new JWT token for id with expiration
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Email:          id.Email,
		Role:           id.Role,
		OrganizationID: id.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
