package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "audittrail/pkg/domain-errors"
)

// Claims are the caller claims issued by the identity provider. The role is
// read from the custom:role claim, falling back to role.
type Claims struct {
	CustomRole string `json:"custom:role,omitempty"`
	PlainRole  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Role returns the caller's role claim.
func (c *Claims) Role() string {
	if c.CustomRole != "" {
		return c.CustomRole
	}
	return c.PlainRole
}

// JWTService verifies caller tokens and, for local tooling, issues them.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
}

// NewJWTService builds a verifier for HS256 tokens. Empty issuer or
// audience disables the matching check.
func NewJWTService(signingKey string, issuer string, audience string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateAccessToken signs a token for subject with role.
func (s *JWTService) GenerateAccessToken(subject, role string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		CustomRole: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = []string{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}
