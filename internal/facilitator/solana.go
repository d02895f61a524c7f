package facilitator

import (
	"context"
	"fmt"
	"time"

	solanaverifier "github.com/wtfsayo/mcpay-sub002/pkg/x402/solana"
	"github.com/wtfsayo/mcpay-sub002/pkg/x402"
)

// SolanaClient settles the Solana SPL-transfer scheme. The underlying
// SolanaVerifier broadcasts and confirms the transaction in one call, so
// this client's Verify stays structural (parses and sanity-checks the
// payload without touching the chain) while Settle performs the actual
// broadcast-and-confirm against solana-go.
type SolanaClient struct {
	verifier   *solanaverifier.SolanaVerifier
	tokenMint  string
	recipient  string
	settleWait time.Duration
}

// NewSolanaClient wraps an already-configured SolanaVerifier.
func NewSolanaClient(verifier *solanaverifier.SolanaVerifier, tokenMint, recipient string) *SolanaClient {
	return &SolanaClient{verifier: verifier, tokenMint: tokenMint, recipient: recipient, settleWait: 30 * time.Second}
}

// Verify performs a structural check only: the payload must decode and
// carry a non-empty transaction. Funds move during Settle, not here,
// matching the gateway's split verify/settle model.
func (c *SolanaClient) Verify(paymentHeader string, requirements Requirements) (VerifyResult, error) {
	proof, err := x402.ParsePaymentProof(paymentHeader)
	if err != nil {
		return VerifyResult{OK: false}, nil
	}
	if proof.Transaction == "" {
		return VerifyResult{OK: false}, nil
	}
	return VerifyResult{OK: true}, nil
}

// Settle submits the payer-signed transaction and waits for finalized
// confirmation, returning the on-chain signature as the transaction hash.
func (c *SolanaClient) Settle(decoded DecodedPayment, requirements Requirements) (SettleResult, error) {
	if decoded.SolanaRaw == nil {
		return SettleResult{Success: false, ErrorReason: "missing solana payload"}, nil
	}

	encoded, err := EncodePayment(decoded)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}
	proof, err := x402.ParsePaymentProof(encoded)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}

	required, err := parseAmount(requirements.MaxAmountRequired)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}

	requirement := x402.Requirement{
		RecipientOwner: c.recipient,
		TokenMint:      c.tokenMint,
		Amount:         required,
		Network:        requirements.Network,
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.settleWait)
	defer cancel()

	result, err := c.verifier.Verify(ctx, proof, requirement)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}
	return SettleResult{Success: true, Transaction: result.Signature}, nil
}

func parseAmount(humanReadable string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(humanReadable, "%f", &f); err != nil {
		return 0, fmt.Errorf("facilitator: parse amount %q: %w", humanReadable, err)
	}
	return f, nil
}
