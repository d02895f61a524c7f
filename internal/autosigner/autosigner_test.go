package autosigner

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
)

type memKeyStore struct {
	keys map[string]*ecdsa.PrivateKey
}

func (m *memKeyStore) PrivateKeyFor(userID, chainFamily string) (*ecdsa.PrivateKey, error) {
	k, ok := m.keys[userID+":"+chainFamily]
	if !ok {
		return nil, fmt.Errorf("no managed key for %s/%s", userID, chainFamily)
	}
	return k, nil
}

func TestManagedEVMSigner_SignProducesVerifiableHeader(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := &memKeyStore{keys: map[string]*ecdsa.PrivateKey{"user_1:evm": key}}
	signer := NewManagedEVMSigner(store, 5*time.Minute)

	payment := Payment{
		MaxAmountRequired: "0.05",
		TokenDecimals:     6,
		Network:           "base-sepolia",
		Asset:             "0x1234567890123456789012345678901234567890",
		PayTo:             "0x0000000000000000000000000000000000bEEF",
		Resource:          "mcpay://echo",
		Description:       "Execution of echo",
		ChainID:           84532,
		TokenName:         "USDC",
	}

	result, err := signer.Sign(payment, &UserRef{ID: "user_1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !result.Success || result.SignedPaymentHeader == "" {
		t.Fatalf("expected successful sign, got %+v", result)
	}

	decoded, err := facilitator.DecodePayment(result.SignedPaymentHeader)
	if err != nil {
		t.Fatalf("decode signed header: %v", err)
	}
	if decoded.EVM == nil || decoded.EVM.Authorization.Value != "50000" {
		t.Fatalf("expected value 50000 base units from 0.05 at 6 decimals, got %+v", decoded.EVM)
	}

	fc, err := facilitator.NewEVMClient(facilitator.EVMConfig{
		RPCURL:        "https://example-rpc.invalid",
		RelayerKeyHex: fmt.Sprintf("%x", crypto.FromECDSA(key)), // any key works; Verify doesn't use the relayer key
		ChainID:       84532,
		TokenName:     "USDC",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEVMClient: %v", err)
	}

	verifyResult, err := fc.Verify(result.SignedPaymentHeader, facilitator.Requirements{
		Network:           payment.Network,
		PayTo:             payment.PayTo,
		MaxAmountRequired: "50000",
		Asset:             payment.Asset,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verifyResult.OK {
		t.Fatalf("expected auto-signed payment to verify successfully")
	}
}

func TestManagedEVMSigner_RequiresResolvedUser(t *testing.T) {
	store := &memKeyStore{keys: map[string]*ecdsa.PrivateKey{}}
	signer := NewManagedEVMSigner(store, time.Minute)

	result, err := signer.Sign(Payment{}, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if result.Success {
		t.Fatalf("expected sign to fail without a resolved user")
	}
}

func TestManagedEVMSigner_FailsWithoutManagedKey(t *testing.T) {
	store := &memKeyStore{keys: map[string]*ecdsa.PrivateKey{}}
	signer := NewManagedEVMSigner(store, time.Minute)

	result, err := signer.Sign(Payment{}, &UserRef{ID: "nobody"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if result.Success {
		t.Fatalf("expected sign to fail without a managed key for the user")
	}
}
