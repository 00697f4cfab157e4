// Package config loads solver configuration from the environment:
// SEDA chain settings, the DataRequest template, scheduler cadence,
// Cosmos posting limits, and the EVM destination networks.
package config

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

var validate = validator.New()

// Config is the full solver configuration. Load populates it from the
// environment and validates it; a Config that Load returned is safe to
// use as-is.
type Config struct {
	LogLevel   string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	HealthAddr string `mapstructure:"health_addr" validate:"required"`

	Seda      SedaConfig      `mapstructure:"seda"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cosmos    CosmosConfig    `mapstructure:"cosmos"`
	Evm       EvmConfig       `mapstructure:"evm"`
}

// SedaConfig covers the SEDA chain connection and the DataRequest
// template posted every tick.
type SedaConfig struct {
	Network      string `mapstructure:"network" validate:"required,oneof=testnet mainnet local"`
	RPCEndpoint  string `mapstructure:"rpc_endpoint"`
	CoreContract string `mapstructure:"core_contract"`
	Mnemonic     string `mapstructure:"mnemonic" validate:"required"`

	OracleProgramID  string `mapstructure:"oracle_program_id"`
	OracleProgramIDs string `mapstructure:"oracle_program_ids"`

	DrTimeoutSeconds         int `mapstructure:"dr_timeout_seconds" validate:"min=1"`
	DrPollingIntervalSeconds int `mapstructure:"dr_polling_interval_seconds" validate:"min=1"`

	DrVersion         string `mapstructure:"dr_version" validate:"required"`
	ExecInputs        string `mapstructure:"exec_inputs"`
	TallyInputs       string `mapstructure:"tally_inputs"`
	ExecGasLimit      uint64 `mapstructure:"exec_gas_limit" validate:"min=1"`
	TallyGasLimit     uint64 `mapstructure:"tally_gas_limit" validate:"min=1"`
	ReplicationFactor uint16 `mapstructure:"replication_factor" validate:"min=1"`
	ConsensusFilter   string `mapstructure:"consensus_filter"`
	GasPrice          string `mapstructure:"gas_price" validate:"required,number"`
	RequestFee        string `mapstructure:"request_fee" validate:"omitempty,number"`
	ResultFee         string `mapstructure:"result_fee" validate:"omitempty,number"`
	BatchFee          string `mapstructure:"batch_fee" validate:"omitempty,number"`
	PaybackAddress    string `mapstructure:"payback_address"`
}

// SchedulerConfig shapes the posting cadence.
type SchedulerConfig struct {
	IntervalMS int    `mapstructure:"interval_ms" validate:"min=1"`
	Continuous bool   `mapstructure:"continuous"`
	MaxRetries int    `mapstructure:"max_retries" validate:"min=0"`
	Memo       string `mapstructure:"memo"`
}

// Interval converts the millisecond setting.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// CosmosConfig shapes the sequence coordinator and the SEDA tx fees.
type CosmosConfig struct {
	PostingTimeoutMS int    `mapstructure:"posting_timeout_ms" validate:"min=1"`
	MaxQueueSize     int    `mapstructure:"max_queue_size" validate:"min=1"`
	GasLimit         uint64 `mapstructure:"gas_limit" validate:"min=1"`
	GasPrice         string `mapstructure:"gas_price" validate:"required,number"`
}

// PostingTimeout converts the millisecond setting.
func (c CosmosConfig) PostingTimeout() time.Duration {
	return time.Duration(c.PostingTimeoutMS) * time.Millisecond
}

// TxGasPrice parses the Cosmos transaction gas price in aseda.
func (c CosmosConfig) TxGasPrice() (math.Int, error) {
	return parseInt(c.GasPrice, "COSMOS_GAS_PRICE")
}

// Load reads the environment, applies defaults, discovers EVM networks
// and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	networks, err := discoverNetworks(cfg.Evm.NetworksFile, environMap())
	if err != nil {
		return nil, err
	}
	cfg.Evm.Networks = networks

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"log_level":   "LOG_LEVEL",
		"health_addr": "HEALTH_ADDR",

		"seda.network":                     "SEDA_NETWORK",
		"seda.rpc_endpoint":                "SEDA_RPC_ENDPOINT",
		"seda.core_contract":               "SEDA_CORE_CONTRACT",
		"seda.mnemonic":                    "SEDA_MNEMONIC",
		"seda.oracle_program_id":           "SEDA_ORACLE_PROGRAM_ID",
		"seda.oracle_program_ids":          "SEDA_ORACLE_PROGRAM_IDS",
		"seda.dr_timeout_seconds":          "SEDA_DR_TIMEOUT_SECONDS",
		"seda.dr_polling_interval_seconds": "SEDA_DR_POLLING_INTERVAL_SECONDS",
		"seda.dr_version":                  "SEDA_DR_VERSION",
		"seda.exec_inputs":                 "SEDA_EXEC_INPUTS",
		"seda.tally_inputs":                "SEDA_TALLY_INPUTS",
		"seda.exec_gas_limit":              "SEDA_EXEC_GAS_LIMIT",
		"seda.tally_gas_limit":             "SEDA_TALLY_GAS_LIMIT",
		"seda.replication_factor":          "SEDA_REPLICATION_FACTOR",
		"seda.consensus_filter":            "SEDA_CONSENSUS_FILTER",
		"seda.gas_price":                   "SEDA_GAS_PRICE",
		"seda.request_fee":                 "SEDA_REQUEST_FEE",
		"seda.result_fee":                  "SEDA_RESULT_FEE",
		"seda.batch_fee":                   "SEDA_BATCH_FEE",
		"seda.payback_address":             "SEDA_PAYBACK_ADDRESS",

		"scheduler.interval_ms": "SCHEDULER_INTERVAL_MS",
		"scheduler.continuous":  "SCHEDULER_CONTINUOUS",
		"scheduler.max_retries": "SCHEDULER_MAX_RETRIES",
		"scheduler.memo":        "SCHEDULER_MEMO",

		"cosmos.posting_timeout_ms": "COSMOS_POSTING_TIMEOUT_MS",
		"cosmos.max_queue_size":     "COSMOS_MAX_QUEUE_SIZE",
		"cosmos.gas_limit":          "COSMOS_GAS_LIMIT",
		"cosmos.gas_price":          "COSMOS_GAS_PRICE",

		"evm.private_key":   "EVM_PRIVATE_KEY",
		"evm.networks_file": "SOLVER_NETWORKS_FILE",
	} {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("health_addr", "0.0.0.0:8080")

	v.SetDefault("seda.network", "testnet")
	v.SetDefault("seda.dr_timeout_seconds", 60)
	v.SetDefault("seda.dr_polling_interval_seconds", 3)
	v.SetDefault("seda.dr_version", "0.0.1")
	v.SetDefault("seda.exec_gas_limit", uint64(300_000_000_000_000))
	v.SetDefault("seda.tally_gas_limit", uint64(50_000_000_000_000))
	v.SetDefault("seda.replication_factor", 1)
	v.SetDefault("seda.consensus_filter", "0x00")
	v.SetDefault("seda.gas_price", "10000")
	v.SetDefault("seda.request_fee", "0")
	v.SetDefault("seda.result_fee", "0")
	v.SetDefault("seda.batch_fee", "0")

	v.SetDefault("scheduler.interval_ms", 15000)
	v.SetDefault("scheduler.continuous", true)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.memo", "seda push solver")

	v.SetDefault("cosmos.posting_timeout_ms", 20000)
	v.SetDefault("cosmos.max_queue_size", 100)
	v.SetDefault("cosmos.gas_limit", 1_500_000)
	v.SetDefault("cosmos.gas_price", "10000000000")
}

// Validate checks everything Load cannot express through struct tags:
// mnemonic validity, program id shape, network lookups, key format and
// per-network value parsing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !bip39.IsMnemonicValid(c.Seda.Mnemonic) {
		return errors.New("config: SEDA_MNEMONIC is not a valid BIP-39 mnemonic")
	}
	if _, err := c.Seda.ProgramIDs(); err != nil {
		return err
	}
	if _, err := c.Seda.ChainNetwork(); err != nil {
		return err
	}
	if _, err := c.DataRequests(); err != nil {
		return err
	}
	if _, err := c.Cosmos.TxGasPrice(); err != nil {
		return err
	}

	enabled := c.Evm.EnabledNetworks()
	if len(enabled) > 0 && c.Evm.PrivateKey == "" {
		return errors.New("config: EVM networks configured but EVM_PRIVATE_KEY is missing")
	}
	if c.Evm.PrivateKey != "" {
		if _, err := c.Evm.ParsePrivateKey(); err != nil {
			return err
		}
	}
	for _, network := range c.Evm.Networks {
		if _, err := network.NetworkConfig(); err != nil {
			return err
		}
	}
	return nil
}

// ProgramIDs merges SEDA_ORACLE_PROGRAM_ID and the comma-separated
// SEDA_ORACLE_PROGRAM_IDS into a deduplicated list. At least one id is
// required.
func (c SedaConfig) ProgramIDs() ([]seda.Hash, error) {
	raw := make([]string, 0, 4)
	if c.OracleProgramID != "" {
		raw = append(raw, c.OracleProgramID)
	}
	for _, part := range strings.Split(c.OracleProgramIDs, ",") {
		if part = strings.TrimSpace(part); part != "" {
			raw = append(raw, part)
		}
	}
	if len(raw) == 0 {
		return nil, errors.New("config: SEDA_ORACLE_PROGRAM_ID or SEDA_ORACLE_PROGRAM_IDS is required")
	}

	seen := make(map[seda.Hash]struct{}, len(raw))
	ids := make([]seda.Hash, 0, len(raw))
	for _, s := range raw {
		id, err := seda.HexToHash(s)
		if err != nil {
			return nil, fmt.Errorf("config: oracle program id %q: %w", s, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ChainNetwork resolves the network preset and applies the endpoint and
// core contract overrides.
func (c SedaConfig) ChainNetwork() (seda.Network, error) {
	network, err := seda.NetworkByName(c.Network)
	if err != nil {
		return seda.Network{}, fmt.Errorf("config: %w", err)
	}
	if c.RPCEndpoint != "" {
		network.RPCEndpoint = c.RPCEndpoint
	}
	if c.CoreContract != "" {
		network.CoreContract = c.CoreContract
	}
	return network, nil
}

// DrTimeout is the oracle result await window.
func (c SedaConfig) DrTimeout() time.Duration {
	return time.Duration(c.DrTimeoutSeconds) * time.Second
}

// DrPollingInterval spaces result queries during the await.
func (c SedaConfig) DrPollingInterval() time.Duration {
	return time.Duration(c.DrPollingIntervalSeconds) * time.Second
}

// DataRequests builds one request template per configured oracle
// program id. The memo is left empty; the executor stamps it per
// attempt.
func (c *Config) DataRequests() ([]seda.DataRequest, error) {
	ids, err := c.Seda.ProgramIDs()
	if err != nil {
		return nil, err
	}

	gasPrice, err := parseInt(c.Seda.GasPrice, "SEDA_GAS_PRICE")
	if err != nil {
		return nil, err
	}
	fees, err := c.Seda.fees()
	if err != nil {
		return nil, err
	}
	execInputs, err := decodeBytes(c.Seda.ExecInputs, "SEDA_EXEC_INPUTS")
	if err != nil {
		return nil, err
	}
	tallyInputs, err := decodeBytes(c.Seda.TallyInputs, "SEDA_TALLY_INPUTS")
	if err != nil {
		return nil, err
	}
	filter, err := decodeBytes(c.Seda.ConsensusFilter, "SEDA_CONSENSUS_FILTER")
	if err != nil {
		return nil, err
	}
	payback, err := decodeBytes(c.Seda.PaybackAddress, "SEDA_PAYBACK_ADDRESS")
	if err != nil {
		return nil, err
	}

	templates := make([]seda.DataRequest, 0, len(ids))
	for _, id := range ids {
		templates = append(templates, seda.DataRequest{
			Version:           c.Seda.DrVersion,
			ExecProgramID:     id,
			ExecInputs:        execInputs,
			ExecGasLimit:      c.Seda.ExecGasLimit,
			TallyProgramID:    id,
			TallyInputs:       tallyInputs,
			TallyGasLimit:     c.Seda.TallyGasLimit,
			ReplicationFactor: c.Seda.ReplicationFactor,
			ConsensusFilter:   filter,
			GasPrice:          gasPrice,
			PaybackAddress:    payback,
			Fees:              fees,
		})
	}
	return templates, nil
}

func (c SedaConfig) fees() (seda.RequestFees, error) {
	request, err := parseInt(c.RequestFee, "SEDA_REQUEST_FEE")
	if err != nil {
		return seda.RequestFees{}, err
	}
	result, err := parseInt(c.ResultFee, "SEDA_RESULT_FEE")
	if err != nil {
		return seda.RequestFees{}, err
	}
	batch, err := parseInt(c.BatchFee, "SEDA_BATCH_FEE")
	if err != nil {
		return seda.RequestFees{}, err
	}
	return seda.RequestFees{RequestFee: request, ResultFee: result, BatchFee: batch}, nil
}

func parseInt(s, name string) (math.Int, error) {
	if s == "" {
		return math.ZeroInt(), nil
	}
	n, ok := math.NewIntFromString(s)
	if !ok || n.IsNegative() {
		return math.Int{}, fmt.Errorf("config: %s: %q is not a non-negative integer", name, s)
	}
	return n, nil
}

// decodeBytes turns an env value into bytes: values with a 0x prefix
// are hex-decoded, anything else is taken verbatim. Empty stays nil.
func decodeBytes(s, name string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", name, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

// ParsePrivateKey parses EVM_PRIVATE_KEY, with or without 0x prefix.
func (c EvmConfig) ParsePrivateKey() (*ecdsa.PrivateKey, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(c.PrivateKey, "0x"), "0X")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("config: EVM_PRIVATE_KEY: %w", err)
	}
	return key, nil
}
