// Package auth verifies the HS256 bearer tokens used by the HTTP API and the
// websocket handshake. Token issuance belongs to the identity service; Issue
// exists for local tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/roadside-dispatch/internal/models"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Kind   models.UserKind
}

type claims struct {
	Kind models.UserKind `json:"user_type"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks signature, expiry and the user kind claim.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if c.Subject == "" || !c.Kind.Valid() {
		return Identity{}, fmt.Errorf("%w: incomplete claims", ErrUnauthorized)
	}
	return Identity{UserID: c.Subject, Kind: c.Kind}, nil
}

// VerifyKind additionally requires the declared kind to match the token.
func (v *Verifier) VerifyKind(token string, declared models.UserKind) (Identity, error) {
	id, err := v.Verify(token)
	if err != nil {
		return id, err
	}
	if declared != "" && declared != id.Kind {
		return Identity{}, fmt.Errorf("%w: user type mismatch", ErrUnauthorized)
	}
	return id, nil
}

// FromBearer extracts the token from an Authorization header value.
func FromBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Issue signs a token for id valid for ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Kind: id.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
