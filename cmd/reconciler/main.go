package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"launchLedger/internal/alert"
	"launchLedger/internal/chain"
	"launchLedger/internal/config"
	"launchLedger/internal/driver"
	"launchLedger/internal/finalize"
	"launchLedger/internal/launchpad"
	"launchLedger/internal/lease"
	"launchLedger/internal/metrics"
	"launchLedger/internal/reconcile"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
	"launchLedger/internal/storage/memory"
	"launchLedger/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "reconciler",
		Short:        "Launchpad chain reconciliation engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile chain events into the off-chain store",
		RunE:  runReconciler,
	}

	runCmd.Flags().String("rpc", "", "RPC URL for a single-chain setup")
	runCmd.Flags().Uint64("chain-id", 0, "chain id for a single-chain setup")
	runCmd.Flags().StringSlice("contract", nil, "class=address pairs for a single-chain setup (sale, bonding, verification)")
	runCmd.Flags().Uint64("start-block", 0, "first block for contracts given on the command line")
	runCmd.Flags().Uint64("confirmations", 15, "blocks below head before an event is confirmed")
	runCmd.Flags().Uint64("reorg-window", 64, "blocks of hashes kept for reorg detection")
	runCmd.Flags().Duration("poll-interval", 5*time.Second, "delay between sync passes")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per log fetch")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts per RPC call")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Duration("rpc-timeout", 10*time.Second, "timeout of a single RPC call")
	runCmd.Flags().String("redis-addr", "", "Redis address for partition leases, empty for a single process")
	runCmd.Flags().Duration("lease-ttl", 30*time.Second, "partition lease time to live")
	runCmd.Flags().StringSlice("kafka-brokers", nil, "Kafka brokers for alerts (comma-separated)")
	runCmd.Flags().String("alert-topic", "reconciler.alerts", "Kafka topic for alerts")
	runCmd.Flags().String("metrics-addr", "", "listen address for /metrics, empty to disable")
	runCmd.Flags().String("contribution-tolerance", "0", "allowed excess of confirmed contributions over the reported total, in base units")
	runCmd.Flags().Duration("stuck-finalize-after", time.Hour, "alert when settlement has not moved for this long")
	addStoreFlags(runCmd)

	root.AddCommand(runCmd)
	root.AddCommand(newMigrateCmd(), newAuditCmd(), newCorrectScaleCmd(), newRewindCmd(), newQuarantineCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "postgres", "store backend (postgres, memory)")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func runReconciler(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	normalizer, err := launchpad.NewNormalizer()
	if err != nil {
		return err
	}

	chains := make([]driver.Chain, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		if ch.RPCTimeout == 0 {
			ch.RPCTimeout = cfg.RPCTimeout
		}
		client, err := chain.NewClient(ctx, ch)
		if err != nil {
			return fmt.Errorf("connect chain %d: %w", ch.ChainID, err)
		}
		defer client.Close()

		state, err := launchpad.NewStateReader(client)
		if err != nil {
			return err
		}
		chains = append(chains, driver.Chain{Config: ch, Reader: client, State: state})
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	alerter, closeAlerter, err := newAlerter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAlerter()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	tracker := finalize.NewTracker(logger)
	reconciler := reconcile.New(tracker, referral.NewEngine(cfg.Referral, logger), cfg.ContributionTolerance, logger)

	d, err := driver.New(driver.Options{
		PollInterval:       cfg.PollInterval,
		BatchSize:          cfg.BatchSize,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
		StuckFinalizeAfter: cfg.StuckFinalizeAfter,
	}, chains, driver.Deps{
		Store:      store,
		Reconciler: reconciler,
		Tracker:    tracker,
		Normalizer: normalizer,
		Locker:     locker,
		Alerter:    alerter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("reconciler start",
		zap.Int("chains", len(chains)),
		zap.String("store", cfg.Store),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Bool("redis_lease", cfg.RedisAddr != ""),
		zap.Int("kafka_brokers", len(cfg.KafkaBrokers)),
	)

	return d.Run(ctx)
}

func openStore(ctx context.Context, kind, dsn string, logger *zap.Logger) (storage.Store, error) {
	switch kind {
	case "memory":
		logger.Warn("using the in-memory store, nothing is persisted")
		return memory.NewStore(), nil
	case "postgres":
		store, err := postgres.NewStore(ctx, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store: %q", kind)
	}
}

func newLocker(ctx context.Context, cfg config.Config) (lease.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lease.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return lease.NewRedisLocker(client, "reconciler:lease:", cfg.LeaseTTL), func() { _ = client.Close() }, nil
}

func newAlerter(cfg config.Config, logger *zap.Logger) (alert.Alerter, func(), error) {
	alerters := alert.Fanout{alert.NewLogAlerter(logger)}
	if len(cfg.KafkaBrokers) == 0 {
		return alerters, func() {}, nil
	}
	kafka, err := alert.NewKafkaAlerter(cfg.KafkaBrokers, cfg.AlertTopic)
	if err != nil {
		return nil, nil, err
	}
	return append(alerters, kafka), func() {
		if err := kafka.Close(); err != nil {
			logger.Warn("close kafka producer", zap.Error(err))
		}
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
