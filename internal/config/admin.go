package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// AdminConfig holds configuration for the operator commands.
type AdminConfig struct {
	Store    string
	PGDSN    string
	AuditOut string
	LogLevel string
	Config   Config
}

// LoadAdmin loads configuration for commands that only need the store.
// Chain settings are read but not required.
func LoadAdmin(cfgFile string, flags *pflag.FlagSet) (AdminConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return AdminConfig{}, err
	}

	chains, err := loadChains(v)
	if err != nil {
		return AdminConfig{}, err
	}

	cfg := AdminConfig{
		Store:    v.GetString("store"),
		PGDSN:    v.GetString("pg-dsn"),
		AuditOut: v.GetString("audit-out"),
		LogLevel: v.GetString("log-level"),
		Config: Config{
			Chains:       chains,
			BatchSize:    v.GetUint64("batch-size"),
			MaxRetries:   v.GetInt("max-retries"),
			RetryBackoff: v.GetDuration("retry-backoff"),
			RPCTimeout:   v.GetDuration("rpc-timeout"),
			RedisAddr:    v.GetString("redis-addr"),
			LeaseTTL:     v.GetDuration("lease-ttl"),
		},
	}

	switch cfg.Store {
	case "postgres":
		if cfg.PGDSN == "" {
			return AdminConfig{}, fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case "memory":
	default:
		return AdminConfig{}, fmt.Errorf("unknown store: %q", cfg.Store)
	}
	return cfg, nil
}
