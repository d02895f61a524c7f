package facilitator

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

func signedAuthorizationHeader(t *testing.T, c *EVMClient, payerKeyHex string, auth EVMAuthorization, assetAddr string) string {
	t.Helper()
	payerKey, err := crypto.HexToECDSA(payerKeyHex)
	if err != nil {
		t.Fatalf("parse payer key: %v", err)
	}

	digest := c.eip712Digest(auth, assetAddr)
	sig, err := crypto.Sign(digest.Bytes(), payerKey)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	sig[64] += 27

	d := DecodedPayment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		EVM: &EVMPayload{
			Signature:     "0x" + fmt.Sprintf("%x", sig),
			Authorization: auth,
		},
	}
	encoded, err := EncodePayment(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoded
}

func newTestEVMClient(t *testing.T) (*EVMClient, string) {
	t.Helper()
	relayerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate relayer key: %v", err)
	}
	relayerHex := fmt.Sprintf("%x", crypto.FromECDSA(relayerKey))

	c, err := NewEVMClient(EVMConfig{
		RPCURL:        "https://example-rpc.invalid",
		RelayerKeyHex: relayerHex,
		ChainID:       84532,
		TokenName:     "USDC",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEVMClient: %v", err)
	}
	return c, relayerHex
}

func TestEVMClient_VerifyAcceptsValidSignature(t *testing.T) {
	c, _ := newTestEVMClient(t)

	payerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate payer key: %v", err)
	}
	payerAddr := crypto.PubkeyToAddress(payerKey.PublicKey)
	payerHex := fmt.Sprintf("%x", crypto.FromECDSA(payerKey))

	asset := common.HexToAddress("0x1234567890123456789012345678901234567890")
	auth := EVMAuthorization{
		From:        payerAddr.Hex(),
		To:          "0x0000000000000000000000000000000000bEEF",
		Value:       "50000",
		ValidAfter:  "0",
		ValidBefore: big.NewInt(time.Now().Add(time.Hour).Unix()).String(),
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
	}

	header := signedAuthorizationHeader(t, c, payerHex, auth, asset.Hex())

	requirements := Requirements{
		Network:           "base-sepolia",
		PayTo:             auth.To,
		MaxAmountRequired: "50000",
		Asset:             asset.Hex(),
	}

	result, err := c.Verify(header, requirements)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected verify to accept a correctly signed authorization")
	}
}

func TestEVMClient_VerifyRejectsWrongSigner(t *testing.T) {
	c, _ := newTestEVMClient(t)

	payerKey, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	payerAddr := crypto.PubkeyToAddress(payerKey.PublicKey)
	otherHex := fmt.Sprintf("%x", crypto.FromECDSA(otherKey))

	asset := common.HexToAddress("0x1234567890123456789012345678901234567890")
	auth := EVMAuthorization{
		From:        payerAddr.Hex(), // claims to be payer, but other key signs
		To:          "0x0000000000000000000000000000000000bEEF",
		Value:       "50000",
		ValidAfter:  "0",
		ValidBefore: big.NewInt(time.Now().Add(time.Hour).Unix()).String(),
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000002",
	}

	header := signedAuthorizationHeader(t, c, otherHex, auth, asset.Hex())

	requirements := Requirements{Network: "base-sepolia", PayTo: auth.To, MaxAmountRequired: "50000", Asset: asset.Hex()}
	result, err := c.Verify(header, requirements)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.OK {
		t.Fatalf("expected verify to reject a mismatched signer")
	}
}

func TestEVMClient_VerifyRejectsExpiredWindow(t *testing.T) {
	c, _ := newTestEVMClient(t)
	payerKey, _ := crypto.GenerateKey()
	payerAddr := crypto.PubkeyToAddress(payerKey.PublicKey)
	payerHex := fmt.Sprintf("%x", crypto.FromECDSA(payerKey))

	asset := common.HexToAddress("0x1234567890123456789012345678901234567890")
	auth := EVMAuthorization{
		From:        payerAddr.Hex(),
		To:          "0x0000000000000000000000000000000000bEEF",
		Value:       "50000",
		ValidAfter:  "0",
		ValidBefore: "1", // long expired
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000003",
	}
	header := signedAuthorizationHeader(t, c, payerHex, auth, asset.Hex())

	requirements := Requirements{Network: "base-sepolia", PayTo: auth.To, MaxAmountRequired: "50000", Asset: asset.Hex()}
	result, err := c.Verify(header, requirements)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.OK {
		t.Fatalf("expected verify to reject an expired authorization window")
	}
}

func TestEVMClient_VerifyRejectsInsufficientAmount(t *testing.T) {
	c, _ := newTestEVMClient(t)
	payerKey, _ := crypto.GenerateKey()
	payerAddr := crypto.PubkeyToAddress(payerKey.PublicKey)
	payerHex := fmt.Sprintf("%x", crypto.FromECDSA(payerKey))

	asset := common.HexToAddress("0x1234567890123456789012345678901234567890")
	auth := EVMAuthorization{
		From:        payerAddr.Hex(),
		To:          "0x0000000000000000000000000000000000bEEF",
		Value:       "100",
		ValidAfter:  "0",
		ValidBefore: big.NewInt(time.Now().Add(time.Hour).Unix()).String(),
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000004",
	}
	header := signedAuthorizationHeader(t, c, payerHex, auth, asset.Hex())

	requirements := Requirements{Network: "base-sepolia", PayTo: auth.To, MaxAmountRequired: "50000", Asset: asset.Hex()}
	result, err := c.Verify(header, requirements)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.OK {
		t.Fatalf("expected verify to reject an authorization below the required amount")
	}
}
