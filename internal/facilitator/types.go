// Package facilitator implements the x402 settlement clients the payment
// subsystem calls during PaymentPreAuth (verify) and PaymentCapture
// (settle): one for EVM "exact" scheme transfers authorized via
// EIP-3009/EIP-712, one for Solana SPL transfers.
package facilitator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Requirements is one PaymentRequirements entry as presented to clients in
// a 402 response and consumed by verify/settle.
type Requirements struct {
	Scheme            string            `json:"scheme"` // always "exact"
	Network           string            `json:"network"`
	Resource          string            `json:"resource"` // "mcpay://<tool-name>"
	Description       string            `json:"description"`
	PayTo             string            `json:"payTo"`
	MaxAmountRequired string            `json:"maxAmountRequired"` // human-readable decimal string
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
	X402Version       int               `json:"x402Version"`
}

// EVMAuthorization is the EIP-3009 transferWithAuthorization payload signed
// by the payer's wallet.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayload is the scheme-specific payload for the "exact" EVM scheme.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// DecodedPayment is the parsed form of an X-PAYMENT header, covering both
// the EVM "exact" scheme and the Solana SPL-transfer scheme. Exactly one of
// EVM or Solana is populated, per Scheme.
type DecodedPayment struct {
	X402Version int        `json:"x402Version"`
	Scheme      string     `json:"scheme"`
	Network     string     `json:"network"`
	EVM         *EVMPayload `json:"-"`
	SolanaRaw   json.RawMessage `json:"-"`
}

type envelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodePayment base64-decodes and parses an X-PAYMENT header value.
func DecodePayment(header string) (DecodedPayment, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(header); err != nil {
			return DecodedPayment{}, fmt.Errorf("facilitator: decode X-PAYMENT: %w", err)
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return DecodedPayment{}, fmt.Errorf("facilitator: parse X-PAYMENT: %w", err)
	}

	out := DecodedPayment{X402Version: env.X402Version, Scheme: env.Scheme, Network: env.Network}
	switch env.Scheme {
	case "exact":
		var p EVMPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return out, fmt.Errorf("facilitator: parse exact-scheme payload: %w", err)
		}
		out.EVM = &p
	case "solana-spl-transfer", "solana":
		out.SolanaRaw = env.Payload
	default:
		return out, fmt.Errorf("facilitator: unsupported scheme %q", env.Scheme)
	}
	return out, nil
}

// EncodePayment is the inverse of DecodePayment, used by tests asserting
// the decode(encode(x)) == x round-trip property and by AutoSigner
// implementations that build headers programmatically.
func EncodePayment(d DecodedPayment) (string, error) {
	env := envelope{X402Version: d.X402Version, Scheme: d.Scheme, Network: d.Network}
	switch {
	case d.EVM != nil:
		payload, err := json.Marshal(d.EVM)
		if err != nil {
			return "", err
		}
		env.Payload = payload
	case d.SolanaRaw != nil:
		env.Payload = d.SolanaRaw
	default:
		return "", fmt.Errorf("facilitator: DecodedPayment has no populated payload")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// TerminalHTTPResponse lets a Facilitator short-circuit verify with a
// response of its own choosing, bypassing the gateway's standard 402 body.
type TerminalHTTPResponse struct {
	Status int
	Body   []byte
	Header map[string]string
}

// VerifyResult is the outcome of Client.Verify.
type VerifyResult struct {
	OK       bool
	Terminal *TerminalHTTPResponse
}

// SettleResult is the outcome of Client.Settle.
type SettleResult struct {
	Success     bool
	Transaction string
	ErrorReason string
}

// Client is the capability the payment subsystem depends on. Exactly one
// implementation is picked per DecodedPayment.Network by the Router.
type Client interface {
	Verify(paymentHeader string, requirements Requirements) (VerifyResult, error)
	Settle(decoded DecodedPayment, requirements Requirements) (SettleResult, error)
}
