package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload carried by a gateway session token. Unlike a
// batch-RPC credit token, a session token carries no usage counter: it only
// asserts which wallet address the bearer authenticated as.
type SessionClaims struct {
	jwt.RegisteredClaims
	WalletAddress string `json:"wallet_address"`
}

// JWTSessionProvider issues and validates HS256 session tokens, read from
// either a "session" cookie or an "Authorization: Session <token>" header.
type JWTSessionProvider struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewJWTSessionProvider builds a provider signing with secret and expiring
// issued tokens after expiry.
func NewJWTSessionProvider(secret []byte, expiry time.Duration, issuer string) *JWTSessionProvider {
	return &JWTSessionProvider{secret: secret, expiry: expiry, issuer: issuer}
}

// IssueToken mints a signed session token for walletAddress.
func (p *JWTSessionProvider) IssueToken(walletAddress string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiry)),
		},
		WalletAddress: walletAddress,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Resolve implements identity.SessionProvider: it reads a session token out
// of the request and validates it, returning the wallet address it asserts.
func (p *JWTSessionProvider) Resolve(ctx context.Context, r *http.Request) (string, bool, error) {
	raw := extractSessionToken(r)
	if raw == "" {
		return "", false, nil
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", false, nil
		}
		return "", false, err
	}
	if claims.WalletAddress == "" {
		return "", false, nil
	}
	return claims.WalletAddress, true, nil
}

func extractSessionToken(r *http.Request) string {
	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Session ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Session "))
	}
	return ""
}
