package model

import "math/big"

type OwnerKind string

const (
	// OwnerKindPlainKey is a conventional public-key-derived address that
	// signs directly with a private key.
	OwnerKindPlainKey OwnerKind = "plain_key"

	// OwnerKindPasskey is a verifier contract parameterized by a WebAuthn
	// P-256 public key; the verifier itself becomes the registered owner.
	OwnerKindPasskey OwnerKind = "passkey"
)

// OwnerSpec is a closed variant describing how a wallet owner is represented
// on-chain. Exactly one representation is populated per value; consumers
// switch on Kind and must treat unknown kinds as invalid rather than
// defaulting.
type OwnerSpec struct {
	Kind OwnerKind

	// Address is set for OwnerKindPlainKey.
	Address string

	// PublicKeyX/PublicKeyY are the P-256 coordinates extracted from a
	// WebAuthn attestation, set for OwnerKindPasskey.
	PublicKeyX *big.Int
	PublicKeyY *big.Int
}

func PlainKeyOwner(address string) OwnerSpec {
	return OwnerSpec{Kind: OwnerKindPlainKey, Address: address}
}

func PasskeyOwner(x, y *big.Int) OwnerSpec {
	return OwnerSpec{Kind: OwnerKindPasskey, PublicKeyX: x, PublicKeyY: y}
}
