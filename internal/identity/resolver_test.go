package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

func seedUserWithAPIKey(t *testing.T, store *storage.MemoryGatewayStore, rawKey, wallet string) {
	t.Helper()
	store.SeedAPIKey(HashAPIKey(rawKey), storage.APIKey{
		KeyHash: HashAPIKey(rawKey),
		UserID:  "user_1",
		Label:   "test",
	}, storage.User{ID: "user_1", DisplayName: "Ada"})

	if _, err := store.CreateUser(context.Background(), storage.CreateUserInput{WalletAddress: wallet, Blockchain: "evm"}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func TestResolve_APIKeyHeaderTakesPriority(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	seedUserWithAPIKey(t, store, "sk_live_abc", "0x000000000000000000000000000000000000dead")
	res := New(store, nil)

	r := httptest.NewRequest(http.MethodPost, "/mcp/srv1/rpc", nil)
	r.Header.Set("X-API-KEY", "sk_live_abc")
	r.Header.Set("X-Wallet-Address", "0x0000000000000000000000000000000000beef")

	id, method := res.Resolve(context.Background(), r, nil)
	if method != AuthMethodAPIKey {
		t.Fatalf("expected AuthMethodAPIKey, got %s", method)
	}
	if id == nil || id.ID != "user_1" {
		t.Fatalf("expected user_1, got %+v", id)
	}
}

func TestResolve_BearerAPIKey(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	seedUserWithAPIKey(t, store, "sk_live_bearer", "0x0000000000000000000000000000000000cafe")
	res := New(store, nil)

	r := httptest.NewRequest(http.MethodPost, "/mcp/srv1/rpc", nil)
	r.Header.Set("Authorization", "Bearer sk_live_bearer")

	id, method := res.Resolve(context.Background(), r, nil)
	if method != AuthMethodAPIKey || id == nil {
		t.Fatalf("expected API key resolution, got %s / %+v", method, id)
	}
}

func TestResolve_WalletHeaderCreatesUser(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	res := New(store, nil)

	r := httptest.NewRequest(http.MethodPost, "/mcp/srv1/rpc", nil)
	r.Header.Set("X-Wallet-Address", "0x00000000000000000000000000000000001234")

	id, method := res.Resolve(context.Background(), r, nil)
	if method != AuthMethodWalletHeader {
		t.Fatalf("expected AuthMethodWalletHeader, got %s", method)
	}
	if id == nil || id.WalletAddress != "0x00000000000000000000000000000000001234" {
		t.Fatalf("expected new user wallet bound, got %+v", id)
	}

	// Resolving again must reuse the same user, not create a second one.
	id2, _ := res.Resolve(context.Background(), r, nil)
	if id2.ID != id.ID {
		t.Fatalf("expected stable user id across requests, got %s then %s", id.ID, id2.ID)
	}
}

func TestResolve_SessionTakesPriorityOverWalletHeader(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	sessionProvider := &fakeSessionProvider{address: "0x00000000000000000000000000000000005e55", ok: true}
	res := New(store, sessionProvider)

	r := httptest.NewRequest(http.MethodPost, "/mcp/srv1/rpc", nil)
	r.Header.Set("X-Wallet-Address", "0x000000000000000000000000000000000ffff1")

	id, method := res.Resolve(context.Background(), r, nil)
	if method != AuthMethodSession {
		t.Fatalf("expected AuthMethodSession, got %s", method)
	}
	if id.WalletAddress != "0x00000000000000000000000000000000005e55" {
		t.Fatalf("unexpected wallet address resolved: %s", id.WalletAddress)
	}
}

func TestResolve_NoCredentials(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	res := New(store, nil)
	r := httptest.NewRequest(http.MethodPost, "/mcp/srv1/rpc", nil)

	id, method := res.Resolve(context.Background(), r, nil)
	if method != AuthMethodNone || id != nil {
		t.Fatalf("expected no identity, got %s / %+v", method, id)
	}
}

func TestInferChainFamily(t *testing.T) {
	cases := map[string]string{
		"0x0000000000000000000000000000000000000000":   "evm",
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "solana",
		"alice.near": "near",
	}
	for addr, want := range cases {
		if got := InferChainFamily(addr); got != want {
			t.Errorf("InferChainFamily(%q) = %q, want %q", addr, got, want)
		}
	}
}

type fakeSessionProvider struct {
	address string
	ok      bool
	err     error
}

func (f *fakeSessionProvider) Resolve(ctx context.Context, r *http.Request) (string, bool, error) {
	return f.address, f.ok, f.err
}

func TestJWTSessionProvider_RoundTrip(t *testing.T) {
	p := NewJWTSessionProvider([]byte("test-secret"), time.Hour, "mcpay-sub002")
	tok, err := p.IssueToken("0x00000000000000000000000000000000009999")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Session "+tok)

	addr, ok, err := p.Resolve(context.Background(), r)
	if err != nil || !ok {
		t.Fatalf("Resolve failed: ok=%v err=%v", ok, err)
	}
	if addr != "0x00000000000000000000000000000000009999" {
		t.Fatalf("unexpected address: %s", addr)
	}
}

func TestJWTSessionProvider_RejectsBadSignature(t *testing.T) {
	p1 := NewJWTSessionProvider([]byte("secret-a"), time.Hour, "mcpay-sub002")
	p2 := NewJWTSessionProvider([]byte("secret-b"), time.Hour, "mcpay-sub002")

	tok, err := p1.IssueToken("0x0000000000000000000000000000000000abcd")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Session "+tok)

	_, ok, err := p2.Resolve(context.Background(), r)
	if ok || err == nil {
		t.Fatalf("expected signature validation failure, got ok=%v err=%v", ok, err)
	}
}
