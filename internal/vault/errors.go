package vault

import (
	"errors"
	"fmt"
	"strings"
)

// Taxonomy errors surfaced to callers. Derivation errors
// (derive.ErrUnsupportedChain, derive.ErrInvalidOwnerSpec) pass through
// unwrapped; everything here originates in the registry or coordinator.
var (
	ErrVaultNotFound       = errors.New("vault not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidThreshold: threshold < 1 or > member count.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrMissingSigner: vault creation with at least one member whose
	// signer address cannot be resolved. Use AsMissingSigner to recover
	// the unresolved identities.
	ErrMissingSigner = errors.New("missing signer")

	// ErrNotAMember: the caller identity holds no active seat on the vault.
	ErrNotAMember = errors.New("not a vault member")

	// ErrAlreadySigned: a confirmation already exists for this
	// (transaction, signer) pair. Authoritative even under concurrent
	// requests; it reflects the storage uniqueness constraint, not an
	// application pre-check.
	ErrAlreadySigned = errors.New("already signed")

	// ErrInsufficientConfirmations: execute called below threshold.
	ErrInsufficientConfirmations = errors.New("insufficient confirmations")

	// ErrNotProposer: cancel attempted by someone other than the proposer.
	ErrNotProposer = errors.New("not the proposer")

	// ErrNotPending: a terminal transaction cannot transition again.
	ErrNotPending = errors.New("transaction not pending")
)

// MissingSignerError lists the identities that blocked vault creation.
type MissingSignerError struct {
	Identities []string
}

func (e *MissingSignerError) Error() string {
	return fmt.Sprintf("missing signer for identities: %s", strings.Join(e.Identities, ", "))
}

func (e *MissingSignerError) Unwrap() error { return ErrMissingSigner }

// AsMissingSigner extracts the unresolved identity list from err, if any.
func AsMissingSigner(err error) (*MissingSignerError, bool) {
	var msErr *MissingSignerError
	if errors.As(err, &msErr) {
		return msErr, true
	}
	return nil, false
}
