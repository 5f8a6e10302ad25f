package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors. Callers outside the AS must collapse all of them into a
// single invalid_token response; the distinction is for server-side logs.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrWrongIssuer   = errors.New("unexpected issuer")
	ErrWrongAudience = errors.New("unexpected audience")
)

// AccessTokenClaims are the claims carried by an access token.
// Audience accepts both the string and array JSON encodings.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	Name     string `json:"name,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Scopes returns the granted scopes as a list.
func (c *AccessTokenClaims) Scopes() []string {
	return ParseScopes(c.Scope)
}

// SignParams describes the grant an access token is minted for.
type SignParams struct {
	Subject  string
	Scope    string
	Name     string
	ClientID string
}

// TokenCodec signs and verifies HS256 access tokens pinned to one issuer
// and one audience. The AS and RS share a codec built from the same secret.
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// TokenCodecOption configures a TokenCodec.
type TokenCodecOption func(*TokenCodec)

// WithTokenClock overrides the clock used for iat/exp and for verification.
func WithTokenClock(now func() time.Time) TokenCodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec creates a codec. ttl is the access token lifetime.
func NewTokenCodec(secret, issuer, audience string, ttl time.Duration, opts ...TokenCodecOption) *TokenCodec {
	c := &TokenCodec{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured access token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issuer returns the issuer the codec signs for and accepts.
func (c *TokenCodec) Issuer() string { return c.issuer }

// Audience returns the resource identifier the codec signs for and accepts.
func (c *TokenCodec) Audience() string { return c.audience }

// Sign mints an access token with iat=now and exp=now+ttl.
func (c *TokenCodec) Sign(p SignParams) (string, *AccessTokenClaims, error) {
	if p.Subject == "" {
		return "", nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if p.Scope == "" {
		return "", nil, fmt.Errorf("%w: scope", ErrMissingClaim)
	}

	now := c.now().Truncate(time.Second)
	claims := &AccessTokenClaims{
		Scope:    p.Scope,
		Name:     p.Name,
		ClientID: p.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    c.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, expiry, issuer and audience, and that sub and
// scope are present. Any failure returns an error wrapping one of the
// token sentinels.
func (c *TokenCodec) Verify(tokenString string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: %v", ErrWrongIssuer, err)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, fmt.Errorf("%w: %v", ErrWrongAudience, err)
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return nil, fmt.Errorf("%w: %v", ErrMissingClaim, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Scope == "" {
		return nil, fmt.Errorf("%w: scope", ErrMissingClaim)
	}
	return claims, nil
}
