// Package vault implements the custody core: the vault registry and the
// transaction coordinator. All coordination state lives in the store; the
// package holds no in-process locks, so correctness under concurrency rests
// on the store's uniqueness constraints and compare-and-swap transitions.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/derive"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/metrics"
	"github.com/Spritz-Labs/spritz-vault/internal/signer"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

// Service is the vault registry and transaction coordinator. It is safe for
// concurrent use; every operation is a request-scoped round-trip to the
// store.
type Service struct {
	vaults        store.VaultRepository
	transactions  store.TransactionRepository
	confirmations store.ConfirmationRepository
	deriver       *derive.Deriver
	resolver      *signer.Resolver
	broadcaster   Broadcaster
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(
	vaults store.VaultRepository,
	transactions store.TransactionRepository,
	confirmations store.ConfirmationRepository,
	deriver *derive.Deriver,
	resolver *signer.Resolver,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *Service {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &Service{
		vaults:        vaults,
		transactions:  transactions,
		confirmations: confirmations,
		deriver:       deriver,
		resolver:      resolver,
		broadcaster:   broadcaster,
		logger:        logger.With("component", "vault"),
		now:           time.Now,
	}
}

// MemberInput is one participant in a vault being created.
type MemberInput struct {
	Identity model.Identity
	Nickname string
}

type CreateVaultInput struct {
	Name      string
	ChainID   uint64
	Threshold int

	// CreatorAddress must match one of Members.
	CreatorAddress string
	Members        []MemberInput
}

// CreateVault resolves every participant's signer, derives the
// counterfactual wallet address over the canonically sorted signer set, and
// persists vault plus members as one atomic unit.
func (s *Service) CreateVault(ctx context.Context, input CreateVaultInput) (*model.Vault, error) {
	if len(input.Members) == 0 {
		return nil, fmt.Errorf("%w: vault needs at least one member", ErrInvalidThreshold)
	}
	if input.Threshold < 1 || input.Threshold > len(input.Members) {
		metrics.VaultCreateFailures.WithLabelValues("invalid_threshold").Inc()
		return nil, fmt.Errorf("%w: threshold %d for %d members", ErrInvalidThreshold, input.Threshold, len(input.Members))
	}
	if !s.deriver.SupportsChain(input.ChainID) {
		metrics.VaultCreateFailures.WithLabelValues("unsupported_chain").Inc()
		return nil, fmt.Errorf("%w: chain %d", derive.ErrUnsupportedChain, input.ChainID)
	}

	type resolvedMember struct {
		input      MemberInput
		resolution signer.Resolution
	}

	resolved := make([]resolvedMember, 0, len(input.Members))
	var unresolved []string
	creatorSeen := false
	for _, m := range input.Members {
		res, err := s.resolver.Resolve(m.Identity, input.ChainID)
		if err != nil {
			return nil, fmt.Errorf("resolve member %s: %w", m.Identity.Address, err)
		}
		if !res.CanSign {
			unresolved = append(unresolved, m.Identity.Address)
			continue
		}
		if strings.EqualFold(m.Identity.Address, input.CreatorAddress) {
			creatorSeen = true
		}
		resolved = append(resolved, resolvedMember{input: m, resolution: res})
	}
	if len(unresolved) > 0 {
		metrics.VaultCreateFailures.WithLabelValues("missing_signer").Inc()
		return nil, &MissingSignerError{Identities: unresolved}
	}
	if !creatorSeen {
		return nil, fmt.Errorf("%w: creator %s is not among the members", ErrNotAMember, input.CreatorAddress)
	}

	// Canonical ordering: the derivation input encodes owners positionally,
	// so the signer set is sorted case-insensitively before deriving and the
	// same order is used everywhere the address is recomputed.
	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].resolution.SignerAddress < resolved[j].resolution.SignerAddress
	})

	owners := make([]model.OwnerSpec, len(resolved))
	for i, m := range resolved {
		owners[i] = m.resolution.Owner
	}

	// Time-derived salt keeps repeat vaults of the same membership from
	// colliding on the same counterfactual address.
	saltNonce := big.NewInt(s.now().UnixMilli())

	start := time.Now()
	walletAddr, err := s.deriver.WalletAddress(owners, input.Threshold, saltNonce, input.ChainID)
	metrics.DerivationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.VaultCreateFailures.WithLabelValues("derivation").Inc()
		return nil, err
	}

	v := &model.Vault{
		ID:            uuid.New(),
		Name:          input.Name,
		ChainID:       input.ChainID,
		Threshold:     input.Threshold,
		SaltNonce:     saltNonce.String(),
		WalletAddress: signer.NormalizeAddress(walletAddr),
		IsDeployed:    false,
	}

	members := make([]model.VaultMember, len(resolved))
	for i, m := range resolved {
		members[i] = model.VaultMember{
			VaultID:         v.ID,
			IdentityAddress: strings.ToLower(m.input.Identity.Address),
			SignerAddress:   m.resolution.SignerAddress,
			Nickname:        m.input.Nickname,
			IsCreator:       strings.EqualFold(m.input.Identity.Address, input.CreatorAddress),
			Status:          model.MemberStatusActive,
		}
	}

	if err := s.vaults.CreateWithMembers(ctx, v, members); err != nil {
		metrics.VaultCreateFailures.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("persist vault: %w", err)
	}
	v.Members = members

	metrics.VaultsCreated.WithLabelValues(chainLabel(v.ChainID)).Inc()
	s.logger.Info("vault created",
		"vault_id", v.ID,
		"chain_id", v.ChainID,
		"threshold", v.Threshold,
		"members", len(members),
		"wallet_address", v.WalletAddress,
	)
	return v, nil
}

// GetVault returns a vault with its members.
func (s *Service) GetVault(ctx context.Context, id uuid.UUID) (*model.Vault, error) {
	v, err := s.vaults.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	members, err := s.vaults.ListMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Members = members
	return v, nil
}

// ListVaults returns the vaults on which the identity holds an active seat.
func (s *Service) ListVaults(ctx context.Context, identityAddress string) ([]model.Vault, error) {
	return s.vaults.ListByIdentity(ctx, identityAddress)
}

// MarkDeployed records the deployment-status transition for a vault.
func (s *Service) MarkDeployed(ctx context.Context, id uuid.UUID) error {
	if err := s.vaults.SetDeployed(ctx, id, true); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrVaultNotFound
		}
		return err
	}
	s.logger.Info("vault marked deployed", "vault_id", id)
	return nil
}

// ReconcileVault re-derives the vault's wallet address from the members'
// current identities and corrects stored state if a representation rotated
// (for example a passkey credential was re-derived). Drift is logged and
// repaired, never surfaced as a hard error: reconciliation is
// non-destructive and the fresh derivation is the truth.
func (s *Service) ReconcileVault(ctx context.Context, id uuid.UUID, identities []model.Identity) (*model.Vault, error) {
	v, err := s.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[string]model.Identity, len(identities))
	for _, identity := range identities {
		byIdentity[strings.ToLower(identity.Address)] = identity
	}

	type seat struct {
		member     model.VaultMember
		resolution signer.Resolution
	}
	seats := make([]seat, 0, len(v.Members))
	for _, m := range v.Members {
		identity, ok := byIdentity[m.IdentityAddress]
		if !ok {
			return nil, fmt.Errorf("%w: no identity supplied for member %s", ErrMissingSigner, m.IdentityAddress)
		}
		res, err := s.resolver.Resolve(identity, v.ChainID)
		if err != nil {
			return nil, fmt.Errorf("resolve member %s: %w", m.IdentityAddress, err)
		}
		if !res.CanSign {
			return nil, &MissingSignerError{Identities: []string{m.IdentityAddress}}
		}

		if res.SignerAddress != m.SignerAddress {
			metrics.AddressDriftDetected.WithLabelValues("signer").Inc()
			s.logger.Warn("member signer drift detected, correcting",
				"vault_id", v.ID,
				"identity", m.IdentityAddress,
				"stored", m.SignerAddress,
				"derived", res.SignerAddress,
			)
			if err := s.vaults.UpdateMemberSigner(ctx, v.ID, m.IdentityAddress, res.SignerAddress); err != nil {
				return nil, fmt.Errorf("correct member signer: %w", err)
			}
			removed, err := s.confirmations.DeletePendingBySigner(ctx, v.ID, m.SignerAddress)
			if err != nil {
				return nil, fmt.Errorf("invalidate stale confirmations: %w", err)
			}
			if removed > 0 {
				s.logger.Info("invalidated confirmations of retired signer",
					"vault_id", v.ID,
					"signer", m.SignerAddress,
					"removed", removed,
				)
			}
			m.SignerAddress = res.SignerAddress
		}
		seats = append(seats, seat{member: m, resolution: res})
	}

	sort.Slice(seats, func(i, j int) bool {
		return seats[i].resolution.SignerAddress < seats[j].resolution.SignerAddress
	})
	owners := make([]model.OwnerSpec, len(seats))
	for i, st := range seats {
		owners[i] = st.resolution.Owner
	}

	saltNonce, ok := new(big.Int).SetString(v.SaltNonce, 10)
	if !ok {
		return nil, fmt.Errorf("vault %s: malformed salt nonce %q", v.ID, v.SaltNonce)
	}
	fresh, err := s.deriver.WalletAddress(owners, v.Threshold, saltNonce, v.ChainID)
	if err != nil {
		return nil, err
	}

	if corrected, drifted := signer.Drift(v.WalletAddress, fresh); drifted {
		metrics.AddressDriftDetected.WithLabelValues("wallet").Inc()
		s.logger.Warn("wallet address drift detected, correcting",
			"vault_id", v.ID,
			"stored", v.WalletAddress,
			"derived", corrected,
		)
		if err := s.vaults.UpdateWalletAddress(ctx, v.ID, corrected); err != nil {
			return nil, fmt.Errorf("correct wallet address: %w", err)
		}
		v.WalletAddress = corrected
	}
	return v, nil
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
