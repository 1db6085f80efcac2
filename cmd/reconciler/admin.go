package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchLedger/internal/config"
	"launchLedger/internal/driver"
	"launchLedger/internal/finalize"
	"launchLedger/internal/launchpad"
	"launchLedger/internal/model"
	"launchLedger/internal/reconcile"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
	"launchLedger/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the reconciler tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, func(ctx context.Context, cfg config.AdminConfig, store storage.Store, logger *zap.Logger) error {
				pg, ok := store.(*postgres.Store)
				if !ok {
					logger.Info("nothing to migrate", zap.String("store", cfg.Store))
					return nil
				}
				return pg.Migrate(ctx)
			})
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List confirmed triggers that lack a referral ledger entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceName, _ := cmd.Flags().GetString("source")
			source, err := model.ParseSourceType(sourceName)
			if err != nil {
				return err
			}
			return withAdmin(cmd, func(ctx context.Context, cfg config.AdminConfig, store storage.Store, logger *zap.Logger) error {
				records, err := referral.NewAdmin(store, logger).AuditMissingEntries(ctx, source)
				if err != nil {
					return err
				}
				sink := storage.NewJsonlSink(cfg.AuditOut)
				if err := sink.PutAuditRecords(records); err != nil {
					return err
				}
				logger.Info("audit complete",
					zap.String("source", string(source)),
					zap.Int("missing", len(records)),
					zap.String("out", sink.Path()),
				)
				return printJSON(cmd, records)
			})
		},
	}
	cmd.Flags().String("source", "", "source type (FAIRLAUNCH, BONDING, BLUECHECK)")
	cmd.Flags().String("audit-out", "./data/audit.jsonl", "JSONL file the findings are appended to")
	_ = cmd.MarkFlagRequired("source")
	addStoreFlags(cmd)
	return cmd
}

func newCorrectScaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct-scale",
		Short: "Multiply implausibly small ledger amounts by a scale factor (dry run unless --apply)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceName, _ := cmd.Flags().GetString("source")
			source, err := model.ParseSourceType(sourceName)
			if err != nil {
				return err
			}
			chainID, _ := cmd.Flags().GetUint64("chain-id")
			thresholdRaw, _ := cmd.Flags().GetString("threshold")
			factorRaw, _ := cmd.Flags().GetString("factor")
			apply, _ := cmd.Flags().GetBool("apply")

			threshold, err := parseAmount("threshold", thresholdRaw)
			if err != nil {
				return err
			}
			factor, err := parseAmount("factor", factorRaw)
			if err != nil {
				return err
			}

			return withAdmin(cmd, func(ctx context.Context, cfg config.AdminConfig, store storage.Store, logger *zap.Logger) error {
				corrections, err := referral.NewAdmin(store, logger).CorrectScaleError(ctx, referral.ScaleCorrection{
					Source:    source,
					ChainID:   chainID,
					Threshold: threshold,
					Factor:    factor,
					Apply:     apply,
				})
				if err != nil {
					return err
				}
				if apply {
					if err := storage.NewJsonlSink(cfg.AuditOut).PutScaleCorrections(corrections); err != nil {
						return err
					}
				}
				logger.Info("scale correction complete",
					zap.String("source", string(source)),
					zap.Uint64("chain_id", chainID),
					zap.Int("entries", len(corrections)),
					zap.Bool("applied", apply),
				)
				return printJSON(cmd, corrections)
			})
		},
	}
	cmd.Flags().String("source", "", "source type (FAIRLAUNCH, BONDING, BLUECHECK)")
	cmd.Flags().Uint64("chain-id", 0, "chain id of the entries to correct")
	cmd.Flags().String("threshold", "", "entries with 0 < amount < threshold are corrected")
	cmd.Flags().String("factor", "", "multiplier, integer or exponent form such as 1e9")
	cmd.Flags().Bool("apply", false, "write the corrections instead of listing them")
	cmd.Flags().String("audit-out", "./data/audit.jsonl", "JSONL file applied corrections are appended to")
	for _, name := range []string{"source", "chain-id", "threshold", "factor"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addStoreFlags(cmd)
	return cmd
}

func newRewindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewind",
		Short: "Move a partition cursor back and invalidate what was applied above it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, _ := cmd.Flags().GetUint64("chain-id")
			contract, _ := cmd.Flags().GetString("contract")
			className, _ := cmd.Flags().GetString("class")
			toBlock, _ := cmd.Flags().GetUint64("to")

			class, err := model.ParseEventClass(className)
			if err != nil {
				return err
			}
			p := model.Partition{ChainID: chainID, Contract: model.NormalizeAddress(contract), Class: class}

			return withAdmin(cmd, func(ctx context.Context, cfg config.AdminConfig, store storage.Store, logger *zap.Logger) error {
				normalizer, err := launchpad.NewNormalizer()
				if err != nil {
					return err
				}
				locker, closeLocker, err := newLocker(ctx, cfg.Config)
				if err != nil {
					return err
				}
				defer closeLocker()

				tracker := finalize.NewTracker(logger)
				d, err := driver.New(driver.Options{BatchSize: cfg.Config.BatchSize}, nil, driver.Deps{
					Store:      store,
					Reconciler: reconcile.New(tracker, referral.NewEngine(config.ReferralRates{}, logger), nil, logger),
					Tracker:    tracker,
					Normalizer: normalizer,
					Locker:     locker,
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				cursor, err := d.RewindPartition(ctx, p, toBlock)
				if err != nil {
					return err
				}
				return printJSON(cmd, cursor)
			})
		},
	}
	cmd.Flags().Uint64("chain-id", 0, "chain id of the partition")
	cmd.Flags().String("contract", "", "contract address of the partition")
	cmd.Flags().String("class", "", "event class of the partition (sale, bonding, verification)")
	cmd.Flags().Uint64("to", 0, "last block to keep")
	cmd.Flags().String("redis-addr", "", "Redis address of the running reconcilers' partition leases")
	for _, name := range []string{"chain-id", "contract", "class", "to"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addStoreFlags(cmd)
	return cmd
}

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List quarantined raw events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, _ := cmd.Flags().GetUint64("chain-id")
			limit, _ := cmd.Flags().GetInt("limit")
			return withAdmin(cmd, func(ctx context.Context, _ config.AdminConfig, store storage.Store, _ *zap.Logger) error {
				var events []model.QuarantinedEvent
				if err := store.WithTx(ctx, func(tx storage.Tx) error {
					var err error
					events, err = tx.ListQuarantined(ctx, chainID, limit)
					return err
				}); err != nil {
					return err
				}
				return printJSON(cmd, events)
			})
		},
	}
	cmd.Flags().Uint64("chain-id", 0, "chain id filter, 0 for all")
	cmd.Flags().Int("limit", 100, "maximum number of events")
	addStoreFlags(cmd)
	return cmd
}

type adminFunc func(ctx context.Context, cfg config.AdminConfig, store storage.Store, logger *zap.Logger) error

// withAdmin loads the admin configuration and opens the store for one operator command.
func withAdmin(cmd *cobra.Command, fn adminFunc) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAdmin(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(ctx, cfg.Store, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, cfg, store, logger)
}

// parseAmount reads a non-negative integer in plain or exponent notation.
func parseAmount(name, raw string) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("invalid %s %q: must be a non-negative integer", name, raw)
	}
	return d.BigInt(), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
