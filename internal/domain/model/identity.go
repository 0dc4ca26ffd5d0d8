package model

import "math/big"

// AuthMethod is how an identity authenticates to the application. It decides
// which owner representation controls the identity's vault seats.
type AuthMethod string

const (
	AuthMethodWalletConnected AuthMethod = "wallet_connected"
	AuthMethodDerivedKey      AuthMethod = "derived_key"
	AuthMethodPasskey         AuthMethod = "passkey"
	AuthMethodDigitalID       AuthMethod = "digital_id"
)

// Identity is a verified application identity as supplied by the upstream
// auth collaborator. Address is the stable identity key. Passkey is present
// only when a WebAuthn credential with extracted public-key coordinates
// exists for the identity.
type Identity struct {
	Address    string
	AuthMethod AuthMethod
	Passkey    *PasskeyCredential
}

// PasskeyCredential holds the P-256 public key coordinates extracted from a
// WebAuthn attestation.
type PasskeyCredential struct {
	CredentialID string
	PublicKeyX   *big.Int
	PublicKeyY   *big.Int
}
