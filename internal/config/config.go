package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"launchLedger/internal/model"
)

// Config holds configuration values for the reconciler loaded from flags, env, or config file.
type Config struct {
	Chains                []ChainConfig
	Store                 string
	PGDSN                 string
	PollInterval          time.Duration
	BatchSize             uint64
	MaxRetries            int
	RetryBackoff          time.Duration
	RPCTimeout            time.Duration
	RedisAddr             string
	LeaseTTL              time.Duration
	KafkaBrokers          []string
	AlertTopic            string
	MetricsAddr           string
	ContributionTolerance *big.Int
	StuckFinalizeAfter    time.Duration
	Referral              ReferralRates
	AuditOut              string
	LogLevel              string
}

// ChainConfig is the immutable per-chain record handed to the chain reader.
type ChainConfig struct {
	ChainID       uint64           `mapstructure:"chain-id"`
	RPCURL        string           `mapstructure:"rpc"`
	Confirmations uint64           `mapstructure:"confirmations"`
	ReorgWindow   uint64           `mapstructure:"reorg-window"`
	RPCTimeout    time.Duration    `mapstructure:"rpc-timeout"`
	Contracts     []ContractConfig `mapstructure:"contracts"`
}

// ContractConfig binds one contract address to the event class it emits.
type ContractConfig struct {
	Address    string `mapstructure:"address"`
	Class      string `mapstructure:"class"`
	StartBlock uint64 `mapstructure:"start-block"`
}

// Partitions returns one partition per configured contract.
func (c ChainConfig) Partitions() ([]model.Partition, error) {
	partitions := make([]model.Partition, 0, len(c.Contracts))
	for _, contract := range c.Contracts {
		class, err := model.ParseEventClass(contract.Class)
		if err != nil {
			return nil, fmt.Errorf("chain %d contract %s: %w", c.ChainID, contract.Address, err)
		}
		partitions = append(partitions, model.Partition{
			ChainID:  c.ChainID,
			Contract: model.NormalizeAddress(contract.Address),
			Class:    class,
		})
	}
	return partitions, nil
}

// StartBlock returns the configured first block for a partition's contract.
func (c ChainConfig) StartBlock(p model.Partition) uint64 {
	for _, contract := range c.Contracts {
		if model.NormalizeAddress(contract.Address) == p.Contract && strings.EqualFold(contract.Class, string(p.Class)) {
			return contract.StartBlock
		}
	}
	return 0
}

// ReferralRates are the reward shares per source type.
type ReferralRates struct {
	Fairlaunch decimal.Decimal
	Bonding    decimal.Decimal
	BlueCheck  decimal.Decimal
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return Config{}, err
	}

	chains, err := loadChains(v)
	if err != nil {
		return Config{}, err
	}

	tolerance, ok := new(big.Int).SetString(v.GetString("contribution-tolerance"), 10)
	if !ok || tolerance.Sign() < 0 {
		return Config{}, fmt.Errorf("invalid contribution-tolerance: %q", v.GetString("contribution-tolerance"))
	}

	rates, err := loadRates(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Chains:                chains,
		Store:                 v.GetString("store"),
		PGDSN:                 v.GetString("pg-dsn"),
		PollInterval:          v.GetDuration("poll-interval"),
		BatchSize:             v.GetUint64("batch-size"),
		MaxRetries:            v.GetInt("max-retries"),
		RetryBackoff:          v.GetDuration("retry-backoff"),
		RPCTimeout:            v.GetDuration("rpc-timeout"),
		RedisAddr:             v.GetString("redis-addr"),
		LeaseTTL:              v.GetDuration("lease-ttl"),
		KafkaBrokers:          getStringSlice(v, "kafka-brokers"),
		AlertTopic:            v.GetString("alert-topic"),
		MetricsAddr:           v.GetString("metrics-addr"),
		ContributionTolerance: tolerance,
		StuckFinalizeAfter:    v.GetDuration("stuck-finalize-after"),
		Referral:              rates,
		AuditOut:              v.GetString("audit-out"),
		LogLevel:              v.GetString("log-level"),
	}

	return cfg, cfg.Validate()
}

// Validate checks the parts of the configuration every command depends on.
func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("chain id is required")
		}
		if _, dup := seen[ch.ChainID]; dup {
			return fmt.Errorf("chain %d configured twice", ch.ChainID)
		}
		seen[ch.ChainID] = struct{}{}
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc url is required", ch.ChainID)
		}
		if len(ch.Contracts) == 0 {
			return fmt.Errorf("chain %d: contract list is required", ch.ChainID)
		}
		if _, err := ch.Partitions(); err != nil {
			return err
		}
	}
	switch c.Store {
	case "postgres":
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store: %q", c.Store)
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	return nil
}

// Chain returns the configuration for a chain id.
func (c Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", "postgres")
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("rpc-timeout", 10*time.Second)
	v.SetDefault("confirmations", uint64(15))
	v.SetDefault("reorg-window", uint64(64))
	v.SetDefault("lease-ttl", 30*time.Second)
	v.SetDefault("alert-topic", "reconciler.alerts")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("contribution-tolerance", "0")
	v.SetDefault("stuck-finalize-after", time.Hour)
	v.SetDefault("referral.fairlaunch-rate", "0.01")
	v.SetDefault("referral.bonding-rate", "0.005")
	v.SetDefault("referral.bluecheck-rate", "0.1")
	v.SetDefault("audit-out", "./data/audit.jsonl")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return v, nil
}

// loadChains reads the chains list, or builds a single chain from the shorthand flags.
func loadChains(v *viper.Viper) ([]ChainConfig, error) {
	var chains []ChainConfig
	if v.IsSet("chains") {
		if err := v.UnmarshalKey("chains", &chains); err != nil {
			return nil, fmt.Errorf("decode chains: %w", err)
		}
	}

	if rpcURL := v.GetString("rpc"); rpcURL != "" {
		contracts, err := parseContracts(getStringSlice(v, "contract"), v.GetUint64("start-block"))
		if err != nil {
			return nil, err
		}
		chains = append(chains, ChainConfig{
			ChainID:   v.GetUint64("chain-id"),
			RPCURL:    rpcURL,
			Contracts: contracts,
		})
	}

	for i := range chains {
		if chains[i].Confirmations == 0 {
			chains[i].Confirmations = v.GetUint64("confirmations")
		}
		if chains[i].ReorgWindow == 0 {
			chains[i].ReorgWindow = v.GetUint64("reorg-window")
		}
		if chains[i].RPCTimeout == 0 {
			chains[i].RPCTimeout = v.GetDuration("rpc-timeout")
		}
	}
	return chains, nil
}

// parseContracts reads class=address pairs.
func parseContracts(items []string, startBlock uint64) ([]ContractConfig, error) {
	contracts := make([]ContractConfig, 0, len(items))
	for _, item := range items {
		pairs := parseStringMap(item)
		if len(pairs) == 0 {
			return nil, fmt.Errorf("invalid contract %q, expected class=address", item)
		}
		for class, address := range pairs {
			contracts = append(contracts, ContractConfig{Address: address, Class: class, StartBlock: startBlock})
		}
	}
	return contracts, nil
}

func loadRates(v *viper.Viper) (ReferralRates, error) {
	parse := func(key string) (decimal.Decimal, error) {
		rate, err := decimal.NewFromString(v.GetString(key))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return decimal.Zero, fmt.Errorf("invalid %s: %s is outside [0, 1]", key, rate)
		}
		return rate, nil
	}

	var (
		rates ReferralRates
		err   error
	)
	if rates.Fairlaunch, err = parse("referral.fairlaunch-rate"); err != nil {
		return ReferralRates{}, err
	}
	if rates.Bonding, err = parse("referral.bonding-rate"); err != nil {
		return ReferralRates{}, err
	}
	if rates.BlueCheck, err = parse("referral.bluecheck-rate"); err != nil {
		return ReferralRates{}, err
	}
	return rates, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
