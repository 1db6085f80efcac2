package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchLedger/internal/model"
)

const sampleConfig = `
store: memory
poll-interval: 2s
contribution-tolerance: "1000"
referral:
  bonding-rate: "0.02"
chains:
  - chain-id: 56
    rpc: http://localhost:8545
    confirmations: 12
    contracts:
      - address: "0xAbC0000000000000000000000000000000000001"
        class: sale
        start-block: 100
      - address: "0xabc0000000000000000000000000000000000002"
        class: bonding
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadChainsFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 1)
	ch := cfg.Chains[0]
	assert.Equal(t, uint64(56), ch.ChainID)
	assert.Equal(t, uint64(12), ch.Confirmations)
	assert.Equal(t, uint64(64), ch.ReorgWindow)
	assert.Equal(t, 10*time.Second, ch.RPCTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "1000", cfg.ContributionTolerance.String())
	assert.Equal(t, "0.02", cfg.Referral.Bonding.String())
	assert.Equal(t, "0.01", cfg.Referral.Fairlaunch.String())

	partitions, err := ch.Partitions()
	require.NoError(t, err)
	require.Len(t, partitions, 2)
	assert.Equal(t, model.Partition{ChainID: 56, Contract: "0xabc0000000000000000000000000000000000001", Class: model.ClassSale}, partitions[0])
	assert.Equal(t, uint64(100), ch.StartBlock(partitions[0]))
	assert.Equal(t, uint64(0), ch.StartBlock(partitions[1]))
}

func TestLoadShorthandFlags(t *testing.T) {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Uint64("chain-id", 0, "")
	flags.StringSlice("contract", nil, "")
	flags.String("store", "postgres", "")
	require.NoError(t, flags.Parse([]string{
		"--store", "memory",
		"--rpc", "http://node",
		"--chain-id", "97",
		"--contract", "verification=0x00000000000000000000000000000000000000aa",
	}))

	cfg, err := Load(writeConfig(t, "log-level: debug\n"), flags)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, uint64(97), cfg.Chains[0].ChainID)
	assert.Equal(t, "verification", cfg.Chains[0].Contracts[0].Class)
	assert.Equal(t, uint64(15), cfg.Chains[0].Confirmations)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Store)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	chains := "chains:\n  - chain-id: 1\n    rpc: http://x\n    contracts:\n      - address: \"0x01\"\n        class: sale\n"
	cases := map[string]string{
		"no chains":     "store: memory\n",
		"unknown class": "store: memory\n" + strings.Replace(chains, "class: sale", "class: swaps", 1),
		"no dsn":        chains,
		"bad tolerance": "store: memory\ncontribution-tolerance: \"-5\"\n" + chains,
		"bad rate":      "store: memory\nreferral:\n  fairlaunch-rate: \"2\"\n" + chains,
		"unknown store": "store: sqlite\n" + chains,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadAdminWithoutChains(t *testing.T) {
	cfg, err := LoadAdmin(writeConfig(t, "store: memory\naudit-out: /tmp/a.jsonl\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "/tmp/a.jsonl", cfg.AuditOut)
	assert.Empty(t, cfg.Config.Chains)
}
