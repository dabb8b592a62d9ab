// token.go

// Signed session tokens (HS256 JWT).
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload of a session token.
// Identity fields are informational; authorization re-reads the account on every request.
type SessionClaims struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies session tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a Tokens signing with secret; issued tokens live for ttl.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for account. Returns the token and its expiry.
func (t *Tokens) Issue(a *store.Account) (string, time.Time, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token id: %w", err)
	}

	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := SessionClaims{
		AccountID: a.ID,
		Email:     a.Email,
		Username:  a.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   strconv.FormatInt(a.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies signature and expiry and returns the claims.
// Every failure wraps ErrInvalidToken.
func (t *Tokens) Parse(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AccountID <= 0 {
		return nil, fmt.Errorf("%w: missing account_id claim", ErrInvalidToken)
	}
	return claims, nil
}
