package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)
const transferWithAuthSig = "transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	authTypeHash   = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// EVMClient settles the "exact" scheme against an EVM chain using EIP-3009
// transferWithAuthorization, submitted by a facilitator-held relay key.
type EVMClient struct {
	rpcURL     string
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	tokenName  string
	logger     zerolog.Logger
}

// EVMConfig configures one EVMClient instance per chain.
type EVMConfig struct {
	RPCURL        string
	RelayerKeyHex string // hex-encoded ECDSA private key, no 0x prefix required
	ChainID       int64
	TokenName     string // EIP-712 domain name of the settled asset, e.g. "USDC"
}

// NewEVMClient builds an EVMClient from a hex-encoded relayer private key.
func NewEVMClient(cfg EVMConfig, logger zerolog.Logger) (*EVMClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("facilitator: parse relayer key: %w", err)
	}
	return &EVMClient{
		rpcURL:     cfg.RPCURL,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokenName:  cfg.TokenName,
		logger:     logger.With().Str("component", "evm_facilitator").Logger(),
	}, nil
}

// Verify recovers the signer from the EIP-712 digest and checks it matches
// authorization.From, the authorization window is currently valid, and the
// amount/recipient match requirements.
func (c *EVMClient) Verify(paymentHeader string, requirements Requirements) (VerifyResult, error) {
	decoded, err := DecodePayment(paymentHeader)
	if err != nil || decoded.EVM == nil {
		return VerifyResult{OK: false}, nil
	}
	auth := decoded.EVM.Authorization

	now := time.Now().Unix()
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	if validAfter == nil || validBefore == nil {
		return VerifyResult{OK: false}, nil
	}
	if now < validAfter.Int64() || now > validBefore.Int64() {
		return VerifyResult{OK: false}, nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return VerifyResult{OK: false}, nil
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return VerifyResult{OK: false}, nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if ok && value.Cmp(required) < 0 {
		return VerifyResult{OK: false}, nil
	}

	digest := c.eip712Digest(auth, requirements.Asset)
	sig, err := decodeSignature(decoded.EVM.Signature)
	if err != nil {
		return VerifyResult{OK: false}, nil
	}
	pub, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return VerifyResult{OK: false}, nil
	}
	pubKey, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return VerifyResult{OK: false}, nil
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return VerifyResult{OK: false}, nil
	}

	return VerifyResult{OK: true}, nil
}

// Settle submits the transferWithAuthorization call on-chain, paying gas
// from the facilitator's relayer key, and waits for inclusion is left to the
// caller: Settle returns once the transaction is accepted by the mempool.
func (c *EVMClient) Settle(decoded DecodedPayment, requirements Requirements) (SettleResult, error) {
	if decoded.EVM == nil {
		return SettleResult{Success: false, ErrorReason: "missing evm payload"}, nil
	}
	auth := decoded.EVM.Authorization

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: dial rpc: %w", err)
	}
	defer client.Close()

	data, err := packTransferWithAuth(auth, decoded.EVM.Signature)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}

	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: pending nonce: %w", err)
	}

	asset := common.HexToAddress(requirements.Asset)
	callMsg := ethereum.CallMsg{From: c.address, To: &asset, Data: data}
	gasLimit, err := client.EstimateGas(ctx, callMsg)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: estimate gas: %w", err)
	}
	gasLimit = gasLimit + gasLimit/5 // 20% buffer

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: suggest tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: head header: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &asset,
		Data:      data,
	})

	signer := types.NewLondonSigner(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: sign tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}

	c.logger.Info().Str("tx_hash", signedTx.Hash().Hex()).Str("network", requirements.Network).Msg("settled evm payment")
	return SettleResult{Success: true, Transaction: signedTx.Hash().Hex()}, nil
}

func (c *EVMClient) eip712Digest(auth EVMAuthorization, verifyingContract string) common.Hash {
	return EIP712Digest(auth, c.tokenName, c.chainID, verifyingContract)
}

// EIP712Digest builds the signing digest for a transferWithAuthorization
// message under the given domain. Exported so autosigner implementations
// can produce the same digest a verifier will recompute.
func EIP712Digest(auth EVMAuthorization, tokenName string, chainID *big.Int, verifyingContract string) common.Hash {
	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(tokenName)),
		crypto.Keccak256([]byte("1")),
		pad32(chainID.Bytes()),
		addrPad(common.HexToAddress(verifyingContract)),
	)

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonce := common.HexToHash(auth.Nonce)

	structHash := crypto.Keccak256Hash(
		authTypeHash.Bytes(),
		addrPad(common.HexToAddress(auth.From)),
		addrPad(common.HexToAddress(auth.To)),
		pad32(value.Bytes()),
		pad32(validAfter.Bytes()),
		pad32(validBefore.Bytes()),
		nonce.Bytes(),
	)

	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainSeparator.Bytes(),
		structHash.Bytes(),
	)
}

func pad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func addrPad(a common.Address) []byte {
	return pad32(a.Bytes())
}

func decodeSignature(sigHex string) ([]byte, error) {
	sig := common.FromHex(sigHex)
	if len(sig) != 65 {
		return nil, fmt.Errorf("facilitator: signature must be 65 bytes, got %d", len(sig))
	}
	// go-ethereum's Ecrecover expects the recovery id in [0,1); EIP-3009
	// signatures commonly carry it as 27/28.
	out := make([]byte, 65)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, nil
}

func packTransferWithAuth(auth EVMAuthorization, sigHex string) ([]byte, error) {
	sig := common.FromHex(sigHex)
	if len(sig) != 65 {
		return nil, fmt.Errorf("facilitator: signature must be 65 bytes")
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])

	abiArgs := abi.Arguments{
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes32")},
		{Type: mustType("uint8")},
		{Type: mustType("bytes32")},
		{Type: mustType("bytes32")},
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)

	packed, err := abiArgs.Pack(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		common.HexToHash(auth.Nonce),
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("facilitator: pack transferWithAuthorization: %w", err)
	}

	selector := crypto.Keccak256([]byte(transferWithAuthSig))[:4]
	return append(selector, packed...), nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
