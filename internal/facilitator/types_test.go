package facilitator

import "testing"

func TestDecodeEncodeRoundTrip_EVM(t *testing.T) {
	d := DecodedPayment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		EVM: &EVMPayload{
			Signature: "0xabc",
			Authorization: EVMAuthorization{
				From:        "0x0000000000000000000000000000000000dEaD",
				To:          "0x0000000000000000000000000000000000bEEF",
				Value:       "50000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x01",
			},
		},
	}

	encoded, err := EncodePayment(d)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("DecodePayment: %v", err)
	}

	if decoded.Scheme != d.Scheme || decoded.Network != d.Network {
		t.Fatalf("envelope mismatch: got %+v", decoded)
	}
	if decoded.EVM == nil || decoded.EVM.Authorization.From != d.EVM.Authorization.From {
		t.Fatalf("payload mismatch: got %+v", decoded.EVM)
	}
}

func TestDecodePayment_RejectsUnsupportedScheme(t *testing.T) {
	d := DecodedPayment{X402Version: 1, Scheme: "unknown-scheme", Network: "base"}
	encoded, err := EncodePayment(DecodedPayment{
		X402Version: d.X402Version, Scheme: d.Scheme, Network: d.Network,
		SolanaRaw: nil, EVM: &EVMPayload{},
	})
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}

	if _, err := DecodePayment(encoded); err == nil {
		t.Fatalf("expected unsupported scheme to fail decode")
	}
}

func TestDecodePayment_RejectsGarbageBase64(t *testing.T) {
	if _, err := DecodePayment("not-base64!!!"); err == nil {
		t.Fatalf("expected decode error on invalid base64")
	}
}
