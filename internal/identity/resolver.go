// Package identity resolves the caller behind an inbound gateway request:
// API key, session token, or bare wallet header, in that priority order.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

// AuthMethod tags how a caller's identity was established.
type AuthMethod string

const (
	AuthMethodAPIKey      AuthMethod = "api_key"
	AuthMethodSession     AuthMethod = "session"
	AuthMethodWalletHeader AuthMethod = "wallet_header"
	AuthMethodNone        AuthMethod = "none"
)

// Identity is the resolved caller, or the zero value when unauthenticated.
type Identity struct {
	ID            string
	WalletAddress string
	Email         string
	DisplayName   string
}

// SessionProvider consults an external session store (cookie, bearer
// session token, OAuth) and resolves the caller if one exists. Failure of
// the provider is isolated by the Resolver: it never aborts resolution.
type SessionProvider interface {
	Resolve(ctx context.Context, r *http.Request) (walletAddress string, ok bool, err error)
}

// Resolver implements the gateway's AuthResolve stage collaborator.
type Resolver struct {
	store   storage.GatewayStore
	session SessionProvider
}

// New builds a Resolver backed by the given store and session provider.
// session may be nil, in which case step 2 of priority resolution is skipped.
func New(store storage.GatewayStore, session SessionProvider) *Resolver {
	return &Resolver{store: store, session: session}
}

// HashAPIKey is the fixed, deterministic hashing function used both at
// issuance and at validation time. SHA-256 is sufficient here: API keys are
// high-entropy random tokens, not user-chosen passwords, so a fast hash does
// not create a brute-force surface.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolve implements the priority-ordered identity lookup: API key, then
// session, then wallet header. The first hit wins; failure of any one
// source is isolated and only falls through to the next. Only when all
// three are exhausted does it return AuthMethodNone.
func (res *Resolver) Resolve(ctx context.Context, r *http.Request, parsedBody map[string]any) (*Identity, AuthMethod) {
	if key := extractAPIKey(r, parsedBody); key != "" {
		if id, ok := res.resolveByAPIKey(ctx, key); ok {
			return id, AuthMethodAPIKey
		}
	}

	if res.session != nil {
		if wallet, ok, err := res.session.Resolve(ctx, r); err == nil && ok {
			if id, ok := res.resolveByWallet(ctx, wallet); ok {
				return id, AuthMethodSession
			}
		}
	}

	if wallet := strings.TrimSpace(r.Header.Get("X-Wallet-Address")); wallet != "" {
		if id, ok := res.ResolveOrCreateByWallet(ctx, wallet); ok {
			return id, AuthMethodWalletHeader
		}
	}

	return nil, AuthMethodNone
}

func extractAPIKey(r *http.Request, parsedBody map[string]any) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-KEY")); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if k := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); k != "" {
			return k
		}
	}
	if q := r.URL.Query().Get("api_key"); q != "" {
		return q
	}
	if parsedBody != nil {
		if v, ok := parsedBody["api_key"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (res *Resolver) resolveByAPIKey(ctx context.Context, key string) (*Identity, bool) {
	user, _, err := res.store.ValidateAPIKey(ctx, HashAPIKey(key))
	if err != nil || user == nil {
		return nil, false
	}
	id := &Identity{ID: user.ID, Email: user.Email, DisplayName: user.DisplayName}
	id.WalletAddress = res.primaryWalletAddress(ctx, user.ID)
	return id, true
}

// primaryWalletAddress returns the primary wallet (isPrimary=true), else the
// first active wallet, else empty string.
func (res *Resolver) primaryWalletAddress(ctx context.Context, userID string) string {
	wallets, err := res.store.GetUserWallets(ctx, userID, false)
	if err != nil || len(wallets) == 0 {
		return ""
	}
	var firstActive string
	for _, w := range wallets {
		if w.IsPrimary {
			return w.Address
		}
		if w.IsActive && firstActive == "" {
			firstActive = w.Address
		}
	}
	return firstActive
}

func (res *Resolver) resolveByWallet(ctx context.Context, address string) (*Identity, bool) {
	user, err := res.store.GetUserByWalletAddress(ctx, address)
	if err != nil || user == nil {
		return nil, false
	}
	return &Identity{ID: user.ID, WalletAddress: address, Email: user.Email, DisplayName: user.DisplayName}, true
}

// ResolveOrCreateByWallet looks up a user by wallet address, creating one
// if none exists yet. Used by the payment pipeline to attach an identity to
// a payer discovered only via a decoded X-PAYMENT authorization.
func (res *Resolver) ResolveOrCreateByWallet(ctx context.Context, address string) (*Identity, bool) {
	if id, ok := res.resolveByWallet(ctx, address); ok {
		return id, true
	}
	user, err := res.store.CreateUser(ctx, storage.CreateUserInput{
		WalletAddress: address,
		Blockchain:    InferChainFamily(address),
	})
	if err != nil || user == nil {
		return nil, false
	}
	return &Identity{ID: user.ID, WalletAddress: address, Email: user.Email, DisplayName: user.DisplayName}, true
}

// InferChainFamily guesses the blockchain family from address shape:
// 0x-prefixed 42-char strings are EVM, 44-char non-0x strings are Solana,
// and anything ending in .near or a bare 64-hex string is NEAR.
func InferChainFamily(address string) string {
	switch {
	case strings.HasPrefix(address, "0x") && len(address) == 42:
		return "evm"
	case len(address) == 44 && !strings.HasPrefix(address, "0x"):
		return "solana"
	case strings.HasSuffix(address, ".near"):
		return "near"
	case len(address) == 64 && isHex(address):
		return "near"
	default:
		return "unknown"
	}
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// ParseQuery is a small helper for stages that need to read api_key out of a
// raw query string without constructing a full *http.Request.
func ParseQuery(rawQuery string) url.Values {
	v, err := url.ParseQuery(rawQuery)
	if err != nil {
		return url.Values{}
	}
	return v
}
