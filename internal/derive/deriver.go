// Package derive computes the deterministic counterfactual addresses of
// threshold wallets and their passkey verifier owners before anything is
// deployed on-chain.
//
// The scheme is two-stage: an initializer payload encodes the owner set,
// threshold and auxiliary module addresses; the CREATE2 salt is
// keccak256(keccak256(initializer) || saltNonce); the final address is
// keccak256(0xff || factory || salt || keccak256(creationCode || singleton))
// truncated to 20 bytes. The same computation runs at wallet creation and at
// every later read, so it must stay pure and deterministic: no I/O, no
// ambient state.
package derive

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

var (
	// ErrUnsupportedChain means no deployment table entry exists for the
	// requested chain. Derivation must never fall back to a guessed
	// factory: the resulting address would be wrong and fund-losing.
	ErrUnsupportedChain = errors.New("derive: unsupported chain")

	// ErrInvalidOwnerSpec means an owner representation is malformed
	// (bad address, missing or out-of-range P-256 coordinates).
	ErrInvalidOwnerSpec = errors.New("derive: invalid owner spec")
)

// setupABI mirrors the wallet singleton's setup call; its encoding is the
// initializer payload whose hash feeds the CREATE2 salt.
const setupABIJSON = `[{"name":"setup","type":"function","inputs":[
	{"name":"_owners","type":"address[]"},
	{"name":"_threshold","type":"uint256"},
	{"name":"to","type":"address"},
	{"name":"data","type":"bytes"},
	{"name":"fallbackHandler","type":"address"},
	{"name":"paymentToken","type":"address"},
	{"name":"payment","type":"uint256"},
	{"name":"paymentReceiver","type":"address"}]}]`

// configureABI is the verifier proxy initializer: a P-256 public key plus the
// on-chain verifier contract it delegates signature checks to.
const configureABIJSON = `[{"name":"configure","type":"function","inputs":[
	{"name":"x","type":"uint256"},
	{"name":"y","type":"uint256"},
	{"name":"verifier","type":"address"}]}]`

// proxyCreationCode is the wallet proxy deployment bytecode. The singleton
// address is appended as the sole constructor argument before hashing.
const proxyCreationCodeHex = "0x608060405234801561001057600080fd5b506040516101e63803806101e68339818101604052602081101561003357600080fd5b8101908080519060200190929190505050600073ffffffffffffffffffffffffffffffffffffffff168173ffffffffffffffffffffffffffffffffffffffff1614156100ca576040517f08c379a00000000000000000000000000000000000000000000000000000000081526004018080602001828103825260228152602001806101c46022913960400191505060405180910390fd5b806000806101000a81548173ffffffffffffffffffffffffffffffffffffffff021916908373ffffffffffffffffffffffffffffffffffffffff1602179055505060ab806101196000396000f3fe608060405273ffffffffffffffffffffffffffffffffffffffff600054167fa619486e0000000000000000000000000000000000000000000000000000000060003514156050578060005260206000f35b3660008037600080366000845af43d6000803e60008114156070573d6000fd5b3d6000f3fea2646970667358221220d1429297349653a4918076d650332de1a1068c5f3e07c5c82360c277770b955264736f6c63430007060033476e6f73697320536166652070726f787920726571756972657320612076616c69642073696e676c65746f6e20616464726573730000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// signerProxyCreationCode is the passkey verifier proxy deployment bytecode,
// deployed by the signer factory with the signer singleton appended the same
// way one level down.
const signerProxyCreationCodeHex = "0x608060405234801561001057600080fd5b5060405161017338038061017383398181016040528101906100329190610054565b806000806101000a81548173ffffffffffffffffffffffffffffffffffffffff021916908373ffffffffffffffffffffffffffffffffffffffff160217905550506100c4565b60008151905061004e816100ad565b92915050565b60006020828403121561006657600080fd5b60006100748482850161003f565b91505092915050565b600061008882610094565b9050919050565b600073ffffffffffffffffffffffffffffffffffffffff82169050919050565b6100b68161007d565b81146100c157600080fd5b50565b60a1806100d26000396000f3fe608060405236600080376000803660008054610100900473ffffffffffffffffffffffffffffffffffffffff165af43d6000803e8060008114605c573d6000f35b3d6000fdfea26469706673582212203cd27f02ad79fcd285cdbb0ab135c74d517a4d6ccd4ab0d05ef4e019c0a1a4f164736f6c63430008040033"

var (
	setupABI       = mustParseABI(setupABIJSON)
	configureABI   = mustParseABI(configureABIJSON)
	proxyCode      = common.FromHex(proxyCreationCodeHex)
	signerCode     = common.FromHex(signerProxyCreationCodeHex)
	p256FieldPrime = elliptic.P256().Params().P
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("derive: parse abi: %v", err))
	}
	return parsed
}

// Deriver computes counterfactual wallet and verifier addresses from an
// immutable per-chain deployment table.
type Deriver struct {
	deployments Deployments
}

func NewDeriver(deployments Deployments) *Deriver {
	return &Deriver{deployments: deployments}
}

// SupportsChain reports whether a deployment entry exists for chainID.
func (d *Deriver) SupportsChain(chainID uint64) bool {
	_, ok := d.deployments[chainID]
	return ok
}

// WalletAddress derives the deterministic deployment address of a wallet
// owned by the given owner set with the given threshold and salt nonce.
// Owners must already be in canonical order: the initializer encodes them
// positionally, so a different order is a different wallet.
func (d *Deriver) WalletAddress(owners []model.OwnerSpec, threshold int, saltNonce *big.Int, chainID uint64) (common.Address, error) {
	dep, ok := d.deployments[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: chain %d", ErrUnsupportedChain, chainID)
	}
	if len(owners) == 0 {
		return common.Address{}, fmt.Errorf("%w: empty owner set", ErrInvalidOwnerSpec)
	}
	if threshold < 1 || threshold > len(owners) {
		return common.Address{}, fmt.Errorf("%w: threshold %d out of range for %d owners", ErrInvalidOwnerSpec, threshold, len(owners))
	}
	if saltNonce == nil || saltNonce.Sign() < 0 {
		return common.Address{}, fmt.Errorf("%w: salt nonce must be a non-negative integer", ErrInvalidOwnerSpec)
	}

	ownerAddrs := make([]common.Address, len(owners))
	for i, owner := range owners {
		addr, err := d.ownerAddress(owner, dep)
		if err != nil {
			return common.Address{}, err
		}
		ownerAddrs[i] = addr
	}

	initializer, err := buildInitializer(ownerAddrs, threshold, dep.FallbackHandler)
	if err != nil {
		return common.Address{}, fmt.Errorf("encode initializer: %w", err)
	}

	salt := crypto.Keccak256(crypto.Keccak256(initializer), common.LeftPadBytes(saltNonce.Bytes(), 32))
	initCodeHash := crypto.Keccak256(proxyCode, common.LeftPadBytes(dep.Singleton.Bytes(), 32))
	return create2Address(dep.Factory, salt, initCodeHash), nil
}

// SignerAddress derives the counterfactual address of the passkey verifier
// proxy for a P-256 public key. The verifier proxy is itself a CREATE2
// deployment one level below the wallet, so a passkey-derived owner never
// collides with a plain-key owner for the same nominal identity.
func (d *Deriver) SignerAddress(x, y *big.Int, chainID uint64) (common.Address, error) {
	dep, ok := d.deployments[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: chain %d", ErrUnsupportedChain, chainID)
	}
	if err := validateP256Coordinate("x", x); err != nil {
		return common.Address{}, err
	}
	if err := validateP256Coordinate("y", y); err != nil {
		return common.Address{}, err
	}

	initializer, err := configureABI.Pack("configure", x, y, dep.P256Verifier)
	if err != nil {
		return common.Address{}, fmt.Errorf("encode verifier initializer: %w", err)
	}

	// Verifier proxies are keyed purely by their public key; the salt nonce
	// is fixed at zero so one credential maps to exactly one verifier.
	salt := crypto.Keccak256(crypto.Keccak256(initializer), common.LeftPadBytes(nil, 32))
	initCodeHash := crypto.Keccak256(signerCode, common.LeftPadBytes(dep.SignerSingleton.Bytes(), 32))
	return create2Address(dep.SignerFactory, salt, initCodeHash), nil
}

// OwnerAddress resolves one owner spec to the address registered on the
// wallet: the key's own address for plain-key owners, the derived verifier
// proxy address for passkey owners.
func (d *Deriver) OwnerAddress(owner model.OwnerSpec, chainID uint64) (common.Address, error) {
	dep, ok := d.deployments[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: chain %d", ErrUnsupportedChain, chainID)
	}
	return d.ownerAddress(owner, dep)
}

func (d *Deriver) ownerAddress(owner model.OwnerSpec, dep ChainDeployments) (common.Address, error) {
	switch owner.Kind {
	case model.OwnerKindPlainKey:
		if !common.IsHexAddress(owner.Address) {
			return common.Address{}, fmt.Errorf("%w: malformed owner address %q", ErrInvalidOwnerSpec, owner.Address)
		}
		return common.HexToAddress(owner.Address), nil

	case model.OwnerKindPasskey:
		if err := validateP256Coordinate("x", owner.PublicKeyX); err != nil {
			return common.Address{}, err
		}
		if err := validateP256Coordinate("y", owner.PublicKeyY); err != nil {
			return common.Address{}, err
		}
		initializer, err := configureABI.Pack("configure", owner.PublicKeyX, owner.PublicKeyY, dep.P256Verifier)
		if err != nil {
			return common.Address{}, fmt.Errorf("encode verifier initializer: %w", err)
		}
		salt := crypto.Keccak256(crypto.Keccak256(initializer), common.LeftPadBytes(nil, 32))
		initCodeHash := crypto.Keccak256(signerCode, common.LeftPadBytes(dep.SignerSingleton.Bytes(), 32))
		return create2Address(dep.SignerFactory, salt, initCodeHash), nil

	default:
		return common.Address{}, fmt.Errorf("%w: unknown owner kind %q", ErrInvalidOwnerSpec, owner.Kind)
	}
}

func validateP256Coordinate(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: missing public key %s coordinate", ErrInvalidOwnerSpec, name)
	}
	if v.Sign() <= 0 || v.Cmp(p256FieldPrime) >= 0 {
		return fmt.Errorf("%w: public key %s coordinate out of field range", ErrInvalidOwnerSpec, name)
	}
	return nil
}

func buildInitializer(owners []common.Address, threshold int, fallbackHandler common.Address) ([]byte, error) {
	return setupABI.Pack("setup",
		owners,
		big.NewInt(int64(threshold)),
		common.Address{}, // no delegatecall during setup
		[]byte{},
		fallbackHandler,
		common.Address{}, // payment token: none
		big.NewInt(0),
		common.Address{},
	)
}

func create2Address(deployer common.Address, salt, initCodeHash []byte) common.Address {
	buf := make([]byte, 0, 1+common.AddressLength+len(salt)+len(initCodeHash))
	buf = append(buf, 0xff)
	buf = append(buf, deployer.Bytes()...)
	buf = append(buf, salt...)
	buf = append(buf, initCodeHash...)
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}
