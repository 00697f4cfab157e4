package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/evm"
)

// EvmConfig holds the destination-chain side: one signing key for all
// chains plus the discovered network list.
type EvmConfig struct {
	PrivateKey   string `mapstructure:"private_key"`
	NetworksFile string `mapstructure:"networks_file"`

	// Networks is filled by Load from the environment scan and the
	// optional networks file, not by viper.
	Networks []EvmNetwork `mapstructure:"-"`
}

// EnabledNetworks filters out chains that were declared but disabled.
func (c EvmConfig) EnabledNetworks() []EvmNetwork {
	out := make([]EvmNetwork, 0, len(c.Networks))
	for _, n := range c.Networks {
		if n.IsEnabled() {
			out = append(out, n)
		}
	}
	return out
}

// EvmNetwork is one destination chain as declared in the environment
// (prefix scan) or the networks file. Numeric amounts stay strings
// until NetworkConfig parses them, so errors can name the exact value.
type EvmNetwork struct {
	Name                 string   `yaml:"name"`
	RPCURL               string   `yaml:"rpc_url"`
	FallbackRPCURLs      []string `yaml:"fallback_rpc_urls"`
	ContractAddress      string   `yaml:"contract_address"`
	ChainID              uint64   `yaml:"chain_id"`
	GasLimit             uint64   `yaml:"gas_limit"`
	GasPrice             string   `yaml:"gas_price"`
	MaxFeePerGas         string   `yaml:"max_fee_per_gas"`
	MaxPriorityFeePerGas string   `yaml:"max_priority_fee_per_gas"`
	Enabled              *bool    `yaml:"enabled"`
	FeeClaimThreshold    string   `yaml:"fee_claim_threshold"`
}

// IsEnabled defaults to true when the flag was never set.
func (n EvmNetwork) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// NetworkConfig parses the declaration into the client's config shape.
func (n EvmNetwork) NetworkConfig() (evm.NetworkConfig, error) {
	if n.Name == "" {
		return evm.NetworkConfig{}, errors.New("config: EVM network without a name")
	}
	if n.RPCURL == "" {
		return evm.NetworkConfig{}, fmt.Errorf("config: network %s: rpc url is required", n.Name)
	}
	if !common.IsHexAddress(n.ContractAddress) {
		return evm.NetworkConfig{}, fmt.Errorf("config: network %s: %q is not a valid contract address", n.Name, n.ContractAddress)
	}
	if n.ChainID == 0 {
		return evm.NetworkConfig{}, fmt.Errorf("config: network %s: chain id is required", n.Name)
	}

	cfg := evm.NetworkConfig{
		Name:            n.Name,
		ChainID:         n.ChainID,
		RPCURL:          n.RPCURL,
		FallbackRPCURLs: n.FallbackRPCURLs,
		CoreAddress:     common.HexToAddress(n.ContractAddress),
		GasLimit:        n.GasLimit,
		Enabled:         n.IsEnabled(),
	}

	var err error
	if cfg.GasPrice, err = parseWei(n.GasPrice, n.Name, "gas price"); err != nil {
		return evm.NetworkConfig{}, err
	}
	if cfg.MaxFeePerGas, err = parseWei(n.MaxFeePerGas, n.Name, "max fee per gas"); err != nil {
		return evm.NetworkConfig{}, err
	}
	if cfg.MaxPriorityFeePerGas, err = parseWei(n.MaxPriorityFeePerGas, n.Name, "max priority fee per gas"); err != nil {
		return evm.NetworkConfig{}, err
	}
	if cfg.FeeClaimThreshold, err = parseWei(n.FeeClaimThreshold, n.Name, "fee claim threshold"); err != nil {
		return evm.NetworkConfig{}, err
	}
	return cfg, nil
}

func parseWei(s, network, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("config: network %s: %s %q is not a non-negative integer", network, field, s)
	}
	return n, nil
}

// Prefixes that look like chain declarations but belong to other
// configuration domains.
var reservedPrefixes = map[string]struct{}{
	"":          {},
	"SEDA":      {},
	"COSMOS":    {},
	"EVM":       {},
	"SCHEDULER": {},
	"SOLVER":    {},
	"HEALTH":    {},
	"LOG":       {},
}

// discoverNetworks builds the destination list: entries from the
// optional YAML networks file first, then chains declared through
// <PREFIX>_RPC_URL environment variables. An environment declaration
// replaces a file entry with the same name.
func discoverNetworks(file string, env map[string]string) ([]EvmNetwork, error) {
	byName := make(map[string]EvmNetwork)

	if file != "" {
		fromFile, err := loadNetworksFile(file)
		if err != nil {
			return nil, err
		}
		for _, n := range fromFile {
			if n.Name == "" {
				return nil, fmt.Errorf("config: networks file %s: entry without a name", file)
			}
			byName[strings.ToLower(n.Name)] = n
		}
	}

	for key := range env {
		prefix, ok := strings.CutSuffix(key, "_RPC_URL")
		if !ok {
			continue
		}
		if _, reserved := reservedPrefixes[prefix]; reserved {
			continue
		}
		n, err := networkFromEnv(prefix, env)
		if err != nil {
			return nil, err
		}
		byName[n.Name] = n
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	networks := make([]EvmNetwork, 0, len(names))
	for _, name := range names {
		networks = append(networks, byName[name])
	}
	return networks, nil
}

func networkFromEnv(prefix string, env map[string]string) (EvmNetwork, error) {
	get := func(suffix string) string {
		return strings.TrimSpace(env[prefix+suffix])
	}

	n := EvmNetwork{
		Name:                 strings.ToLower(prefix),
		RPCURL:               get("_RPC_URL"),
		ContractAddress:      get("_CONTRACT_ADDRESS"),
		GasPrice:             get("_GAS_PRICE"),
		MaxFeePerGas:         get("_MAX_FEE_PER_GAS"),
		MaxPriorityFeePerGas: get("_MAX_PRIORITY_FEE_PER_GAS"),
		FeeClaimThreshold:    get("_FEE_CLAIM_THRESHOLD"),
	}

	if raw := get("_FALLBACK_RPC_URLS"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				n.FallbackRPCURLs = append(n.FallbackRPCURLs, u)
			}
		}
	}
	if raw := get("_CHAIN_ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return EvmNetwork{}, fmt.Errorf("config: %s_CHAIN_ID: %w", prefix, err)
		}
		n.ChainID = id
	}
	if raw := get("_GAS_LIMIT"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return EvmNetwork{}, fmt.Errorf("config: %s_GAS_LIMIT: %w", prefix, err)
		}
		n.GasLimit = limit
	}
	if raw := get("_ENABLED"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return EvmNetwork{}, fmt.Errorf("config: %s_ENABLED: %w", prefix, err)
		}
		n.Enabled = &enabled
	}
	return n, nil
}

type networksFile struct {
	Networks []EvmNetwork `yaml:"networks"`
}

func loadNetworksFile(path string) ([]EvmNetwork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: networks file: %w", err)
	}
	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: networks file %s: %w", path, err)
	}
	return file.Networks, nil
}

func environMap() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
