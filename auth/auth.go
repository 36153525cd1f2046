// Package auth is the identity gate for both transport channels: it turns a
// raw credential into a verified identity before any session state exists.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

var (
	// ErrUnauthenticated means no credential was supplied at all.
	ErrUnauthenticated = eris.New("not authorized")
	// ErrInvalidCredential means the credential failed to decode or verify.
	ErrInvalidCredential = eris.New("authentication failed")
	// ErrAccountNotFound means the credential decoded but the account is gone.
	ErrAccountNotFound = eris.New("user not found")
	// ErrForbidden rejects non-admin identities on the admin channel.
	ErrForbidden = eris.New("admins only")
)

// Identity is the read-only result of a successful authentication.
type Identity struct {
	AccountID   string
	DisplayName string
	Admin       bool
}

// AccountSource resolves a decoded account id to its stored identity.
type AccountSource interface {
	LookupIdentity(ctx context.Context, accountID string) (Identity, error)
}

// Verifier validates HS256 tokens carrying an "id" claim and resolves the
// claimed account against storage. Verification has no side effects.
type Verifier struct {
	secret   []byte
	accounts AccountSource
	tokenTTL time.Duration
}

type accountClaims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

func NewVerifier(secret []byte, accounts AccountSource, tokenTTL time.Duration) *Verifier {
	if tokenTTL <= 0 {
		tokenTTL = 30 * 24 * time.Hour
	}
	return &Verifier{secret: secret, accounts: accounts, tokenTTL: tokenTTL}
}

// Authenticate verifies a raw token and resolves the account it names.
func (v *Verifier) Authenticate(ctx context.Context, rawToken string) (Identity, error) {
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	claims := &accountClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid || claims.ID == "" {
		return Identity{}, ErrInvalidCredential
	}

	identity, err := v.accounts.LookupIdentity(ctx, claims.ID)
	if err != nil {
		return Identity{}, ErrAccountNotFound
	}
	return identity, nil
}

// RequireAdmin gates the administrative channel.
func (v *Verifier) RequireAdmin(identity Identity) error {
	if !identity.Admin {
		return ErrForbidden
	}
	return nil
}

// Issue signs a token for the given account id.
func (v *Verifier) Issue(accountID string, now time.Time) (string, error) {
	claims := accountClaims{
		ID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", eris.Wrap(err, "sign token")
	}
	return signed, nil
}

// TokenFromRequest extracts the raw credential the way the HTTP and WS
// surfaces present it: token cookie, then bearer header, then query param.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
