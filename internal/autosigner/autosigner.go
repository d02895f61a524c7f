// Package autosigner produces a valid X-PAYMENT header on behalf of a
// caller whose wallet is custodied by the gateway (a "managed wallet"),
// so that API-key and managed-wallet callers never have to hand-construct
// x402 authorizations themselves.
package autosigner

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/money"
)

// Payment is the intent the pipeline asks the signer to authorize.
type Payment struct {
	MaxAmountRequired string // human-readable decimal string
	Network           string
	Asset             string
	PayTo             string
	Resource          string // "mcpay://<tool-name>"
	Description       string
	TokenDecimals     uint8
	ChainID           int64
	TokenName         string // EIP-712 domain name of Asset
}

// Result is the outcome of a sign attempt.
type Result struct {
	Success              bool
	SignedPaymentHeader  string
	WalletAddress        string
	Strategy             string
	Error                string
}

// UserRef identifies the caller a signature is being produced for, when
// known. Auto-sign may also run for a nil user, immediately after which
// the caller resolves-or-creates a user for the returned WalletAddress.
type UserRef struct {
	ID string
}

// AutoSigner is the capability PaymentPreAuth depends on.
type AutoSigner interface {
	Sign(payment Payment, user *UserRef) (Result, error)
}

// KeyStore resolves the managed private key for a user's wallet on a given
// chain family. Implementations back this with whatever custody provider
// the deployment uses (e.g. Coinbase CDP); the gateway core only needs the
// capability, not the provider.
type KeyStore interface {
	PrivateKeyFor(userID, chainFamily string) (*ecdsa.PrivateKey, error)
}

// ManagedEVMSigner signs EIP-3009 transferWithAuthorization payloads using
// keys resolved from a KeyStore. It only ever runs for managed-wallet or
// API-key callers, never for session-only users (enforced by the caller,
// per the gateway's auto-sign scope policy).
type ManagedEVMSigner struct {
	keys KeyStore
	ttl  time.Duration
}

// NewManagedEVMSigner builds a signer with the given authorization window
// length (ValidBefore = now + ttl).
func NewManagedEVMSigner(keys KeyStore, ttl time.Duration) *ManagedEVMSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ManagedEVMSigner{keys: keys, ttl: ttl}
}

// Sign builds and signs a fresh EIP-3009 authorization for payment.
func (s *ManagedEVMSigner) Sign(payment Payment, user *UserRef) (Result, error) {
	if user == nil {
		return Result{Success: false, Error: "autosigner: managed signing requires a resolved user"}, nil
	}

	key, err := s.keys.PrivateKeyFor(user.ID, "evm")
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	value, err := valueFromHumanReadable(payment.MaxAmountRequired, payment.TokenDecimals)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	now := time.Now()
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	auth := facilitator.EVMAuthorization{
		From:        from.Hex(),
		To:          payment.PayTo,
		Value:       value.String(),
		ValidAfter:  "0",
		ValidBefore: big.NewInt(now.Add(s.ttl).Unix()).String(),
		Nonce:       common.BytesToHash(nonce).Hex(),
	}

	digest := facilitator.EIP712Digest(auth, payment.TokenName, big.NewInt(payment.ChainID), payment.Asset)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	sig[64] += 27

	decoded := facilitator.DecodedPayment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     payment.Network,
		EVM: &facilitator.EVMPayload{
			Signature:     fmt.Sprintf("0x%x", sig),
			Authorization: auth,
		},
	}
	header, err := facilitator.EncodePayment(decoded)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	return Result{
		Success:             true,
		SignedPaymentHeader: header,
		WalletAddress:       from.Hex(),
		Strategy:            "managed_evm_eip3009",
	}, nil
}

func valueFromHumanReadable(amount string, decimals uint8) (*big.Int, error) {
	raw, err := money.ParseRawAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("autosigner: invalid amount %q", amount)
	}
	return value, nil
}
