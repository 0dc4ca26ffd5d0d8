// Package signer decides which on-chain owner representation controls an
// identity's vault seat and whether the identity can currently produce a
// valid authorization. It never mutates on-chain state.
package signer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Spritz-Labs/spritz-vault/internal/derive"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// Reason explains why an identity cannot sign right now.
type Reason string

const (
	// ReasonNeedsPasskey: the auth method requires a passkey-derived
	// signer but no credential with extracted coordinates exists yet.
	ReasonNeedsPasskey Reason = "needs_passkey"
)

// Resolution is the outcome of resolving one identity against one chain.
// SignerAddress is empty exactly when CanSign is false.
type Resolution struct {
	SignerAddress string
	Owner         model.OwnerSpec
	CanSign       bool
	Reason        Reason
}

// Resolver maps identities to the signer addresses that hold their vault
// seats, per auth-method policy:
//
//	wallet_connected  plain key (the connected key)
//	derived_key       plain key (server-derivable key)
//	passkey           passkey-derived verifier, iff coordinates exist
//	digital_id        passkey-derived verifier, iff coordinates exist
type Resolver struct {
	deriver *derive.Deriver
}

func NewResolver(deriver *derive.Deriver) *Resolver {
	return &Resolver{deriver: deriver}
}

// Resolve determines the signer address for an identity on a chain.
// Unresolvable passkey identities return CanSign=false with a reason rather
// than an error; malformed identities and unsupported chains return the
// derivation error as-is.
func (r *Resolver) Resolve(identity model.Identity, chainID uint64) (Resolution, error) {
	switch identity.AuthMethod {
	case model.AuthMethodWalletConnected, model.AuthMethodDerivedKey:
		owner := model.PlainKeyOwner(identity.Address)
		addr, err := r.deriver.OwnerAddress(owner, chainID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			SignerAddress: NormalizeAddress(addr),
			Owner:         owner,
			CanSign:       true,
		}, nil

	case model.AuthMethodPasskey, model.AuthMethodDigitalID:
		if identity.Passkey == nil || identity.Passkey.PublicKeyX == nil || identity.Passkey.PublicKeyY == nil {
			return Resolution{CanSign: false, Reason: ReasonNeedsPasskey}, nil
		}
		owner := model.PasskeyOwner(identity.Passkey.PublicKeyX, identity.Passkey.PublicKeyY)
		addr, err := r.deriver.OwnerAddress(owner, chainID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			SignerAddress: NormalizeAddress(addr),
			Owner:         owner,
			CanSign:       true,
		}, nil

	default:
		return Resolution{}, fmt.Errorf("%w: unknown auth method %q", derive.ErrInvalidOwnerSpec, identity.AuthMethod)
	}
}

// Drift compares a stored address against a freshly derived one and returns
// the corrected value plus whether the stored state had drifted (e.g. a
// passkey credential was re-derived after the stored value was written).
// Reconciliation is the caller's job: recompute and persist, never trust the
// stale value.
func Drift(stored string, fresh common.Address) (corrected string, drifted bool) {
	corrected = NormalizeAddress(fresh)
	return corrected, !strings.EqualFold(strings.TrimSpace(stored), corrected)
}

// NormalizeAddress lowercases an address for storage. Derived addresses are
// persisted lowercase so equality checks never depend on checksum casing.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
