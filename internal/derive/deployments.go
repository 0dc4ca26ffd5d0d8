package derive

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDeployments is the set of fixed contract addresses the derivation
// scheme depends on for one chain. Every field must be populated; a chain
// with no entry is ErrUnsupportedChain, never a guessed default, since a
// wrong factory produces an address nobody controls.
type ChainDeployments struct {
	Factory         common.Address `yaml:"factory"`
	Singleton       common.Address `yaml:"singleton"`
	FallbackHandler common.Address `yaml:"fallbackHandler"`

	// Passkey-derived owners are verifier proxies deployed one level down
	// by their own CREATE2 factory.
	SignerFactory   common.Address `yaml:"signerFactory"`
	SignerSingleton common.Address `yaml:"signerSingleton"`
	P256Verifier    common.Address `yaml:"p256Verifier"`
}

// Deployments is an immutable chainID -> ChainDeployments table injected into
// the Deriver at construction.
type Deployments map[uint64]ChainDeployments

// Canonical deterministic-deployment addresses, identical across the
// supported chains.
var (
	defaultFactory         = common.HexToAddress("0xa6B71E26C5e0845f74c812102Ca7114b6a896AB2")
	defaultSingleton       = common.HexToAddress("0x3E5c63644E683549055b9Be8653de26E0B4CD36E")
	defaultFallbackHandler = common.HexToAddress("0xf48f2B2d2a534e402487b3ee7C18c33Aec0Fe5e4")
	defaultSignerFactory   = common.HexToAddress("0x1d31F259eE307358a26dFb23EB365939E8641195")
	defaultSignerSingleton = common.HexToAddress("0x270D7E4a57E6322f336261f3EaE2BADe72E68d72")
	defaultP256Verifier    = common.HexToAddress("0xc2b78104907F722DABAc4C69f826a522B2754De4")
)

var supportedChainIDs = []uint64{
	1,        // ethereum
	10,       // optimism
	137,      // polygon
	8453,     // base
	42161,    // arbitrum
	11155111, // sepolia
}

// DefaultDeployments returns the built-in deployment table.
func DefaultDeployments() Deployments {
	d := make(Deployments, len(supportedChainIDs))
	for _, chainID := range supportedChainIDs {
		d[chainID] = ChainDeployments{
			Factory:         defaultFactory,
			Singleton:       defaultSingleton,
			FallbackHandler: defaultFallbackHandler,
			SignerFactory:   defaultSignerFactory,
			SignerSingleton: defaultSignerSingleton,
			P256Verifier:    defaultP256Verifier,
		}
	}
	return d
}

type deploymentsFile struct {
	Chains map[uint64]chainDeploymentsYAML `yaml:"chains"`
}

type chainDeploymentsYAML struct {
	Factory         string `yaml:"factory"`
	Singleton       string `yaml:"singleton"`
	FallbackHandler string `yaml:"fallbackHandler"`
	SignerFactory   string `yaml:"signerFactory"`
	SignerSingleton string `yaml:"signerSingleton"`
	P256Verifier    string `yaml:"p256Verifier"`
}

// LoadDeployments reads a YAML override file and merges it over the built-in
// table. Entries replace whole chains; partial overrides are rejected so a
// half-specified chain cannot silently mix defaults into the scheme.
func LoadDeployments(path string) (Deployments, error) {
	deployments := DefaultDeployments()
	if path == "" {
		return deployments, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployments file: %w", err)
	}

	var file deploymentsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse deployments file: %w", err)
	}

	for chainID, entry := range file.Chains {
		parsed, err := parseChainDeployments(entry)
		if err != nil {
			return nil, fmt.Errorf("deployments for chain %d: %w", chainID, err)
		}
		deployments[chainID] = parsed
	}
	return deployments, nil
}

func parseChainDeployments(entry chainDeploymentsYAML) (ChainDeployments, error) {
	fields := map[string]string{
		"factory":         entry.Factory,
		"singleton":       entry.Singleton,
		"fallbackHandler": entry.FallbackHandler,
		"signerFactory":   entry.SignerFactory,
		"signerSingleton": entry.SignerSingleton,
		"p256Verifier":    entry.P256Verifier,
	}
	parsed := make(map[string]common.Address, len(fields))
	for name, value := range fields {
		if !common.IsHexAddress(value) {
			return ChainDeployments{}, fmt.Errorf("%s: invalid address %q", name, value)
		}
		parsed[name] = common.HexToAddress(value)
	}
	return ChainDeployments{
		Factory:         parsed["factory"],
		Singleton:       parsed["singleton"],
		FallbackHandler: parsed["fallbackHandler"],
		SignerFactory:   parsed["signerFactory"],
		SignerSingleton: parsed["signerSingleton"],
		P256Verifier:    parsed["p256Verifier"],
	}, nil
}
