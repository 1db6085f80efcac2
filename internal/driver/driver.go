package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"launchLedger/internal/alert"
	"launchLedger/internal/chain"
	"launchLedger/internal/config"
	"launchLedger/internal/finalize"
	"launchLedger/internal/lease"
	"launchLedger/internal/model"
	"launchLedger/internal/reconcile"
	"launchLedger/internal/storage"
)

// Reader is the part of the chain reader the driver consumes.
type Reader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (model.BlockRef, error)
	FetchLogs(ctx context.Context, contract string, from, to uint64, topic0 []common.Hash) ([]model.LogRecord, error)
}

// StatePoller reads a round's authoritative state from its launchpad contract.
type StatePoller interface {
	FinalizeStep(ctx context.Context, contract, round string) (model.FinalizeStep, error)
	RoundStatus(ctx context.Context, contract, round string) (model.RoundStatus, error)
}

// Normalizer turns raw logs into chain events.
type Normalizer interface {
	Topics(class model.EventClass) []common.Hash
	Normalize(log model.LogRecord, class model.EventClass) (model.ChainEvent, error)
}

// Chain binds one chain's immutable configuration to its reader and state poller.
// State may be nil, in which case finalization is driven by logs alone.
type Chain struct {
	Config config.ChainConfig
	Reader Reader
	State  StatePoller
}

// Options are the loop settings shared by every partition.
type Options struct {
	PollInterval       time.Duration
	BatchSize          uint64
	MaxRetries         int
	RetryBackoff       time.Duration
	StuckFinalizeAfter time.Duration
}

// Deps are the collaborators of the driver.
type Deps struct {
	Store      storage.Store
	Reconciler *reconcile.Reconciler
	Tracker    *finalize.Tracker
	Normalizer Normalizer
	Locker     lease.Locker
	Alerter    alert.Alerter
	Logger     *zap.Logger
}

// Driver schedules reconciliation: one loop per partition and one finalization poller per chain.
type Driver struct {
	opts       Options
	chains     []Chain
	store      storage.Store
	reconciler *reconcile.Reconciler
	tracker    *finalize.Tracker
	normalizer Normalizer
	locker     lease.Locker
	alerter    alert.Alerter
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	stalled map[string]struct{}
}

// New builds a Driver with its dependencies.
func New(opts Options, chains []Chain, deps Deps) (*Driver, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is nil")
	}
	if deps.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is nil")
	}
	if opts.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	for _, c := range chains {
		if c.Reader == nil {
			return nil, fmt.Errorf("chain %d: reader is nil", c.Config.ChainID)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = finalize.NewTracker(logger)
	}
	locker := deps.Locker
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}

	return &Driver{
		opts:       opts,
		chains:     chains,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		tracker:    tracker,
		normalizer: deps.Normalizer,
		locker:     locker,
		alerter:    alerter,
		logger:     logger,
		now:        time.Now,
		stalled:    make(map[string]struct{}),
	}, nil
}

// Run drives every partition and poller until ctx is done. A partition that hits a permanent
// error stops on its own; the others keep running and Run reports the first such error once
// everything has exited.
func (d *Driver) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range d.chains {
		partitions, err := c.Config.Partitions()
		if err != nil {
			return &chain.PermanentConfigError{Reason: "partitions", Err: err}
		}
		for _, p := range partitions {
			c, p := c, p
			g.Go(func() error { return d.runPartition(ctx, c, p) })
		}
		if c.State != nil {
			c := c
			g.Go(func() error { return d.runPoller(ctx, c) })
		}
	}
	return g.Wait()
}

func (d *Driver) runPartition(ctx context.Context, c Chain, p model.Partition) error {
	logger := d.logger.With(zap.String("partition", p.String()))
	logger.Info("partition start", zap.Uint64("start_block", c.Config.StartBlock(p)))
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.locker.Release(releaseCtx, leaseKey(p)); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			logger.Warn("release lease failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		err := d.SyncOnce(ctx, c, p)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case chain.IsPermanent(err):
			logger.Error("partition halted", zap.Error(err))
			d.alert(ctx, alert.SeverityCritical, "partition halted", err.Error(), p.String(), nil)
			return fmt.Errorf("partition %s: %w", p, err)
		default:
			logger.Warn("sync failed", zap.Error(err))
			var exhausted *RetriesExhaustedError
			if errors.As(err, &exhausted) {
				d.alert(ctx, alert.SeverityWarning, "rpc retries exhausted", err.Error(), p.String(),
					map[string]string{"op": exhausted.Op})
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) runPoller(ctx context.Context, c Chain) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.PollOnce(ctx, c); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("finalize poll failed", zap.Uint64("chain_id", c.Config.ChainID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ErrLeaseLost is returned when another consumer took over a lease during a pass.
var ErrLeaseLost = errors.New("lease lost")

// renewLease extends a lease taken at the start of a pass. It is called before every commit;
// a pass that lost its lease stops without writing.
func (d *Driver) renewLease(ctx context.Context, key string) error {
	held, err := d.locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if !held {
		d.logger.Warn("lease lost", zap.String("key", key))
		return fmt.Errorf("%s: %w", key, ErrLeaseLost)
	}
	return nil
}

// anomalyTx remembers the anomalies recorded through it.
type anomalyTx struct {
	storage.Tx
	recorded *[]model.Anomaly
}

func (t anomalyTx) RecordAnomaly(ctx context.Context, a model.Anomaly) error {
	if err := t.Tx.RecordAnomaly(ctx, a); err != nil {
		return err
	}
	*t.recorded = append(*t.recorded, a)
	return nil
}

// withTx runs fn in a store transaction and alerts on every anomaly it recorded once the
// transaction has committed.
func (d *Driver) withTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	var recorded []model.Anomaly
	err := d.store.WithTx(ctx, func(tx storage.Tx) error {
		recorded = recorded[:0]
		return fn(anomalyTx{Tx: tx, recorded: &recorded})
	})
	if err != nil {
		return err
	}
	for _, a := range recorded {
		d.alert(ctx, alert.SeverityWarning, "reconciliation anomaly", a.Detail,
			fmt.Sprintf("%d/%s", a.ChainID, a.Subject),
			map[string]string{"kind": string(a.Kind), "tx_hash": a.TxHash})
	}
	return nil
}

func (d *Driver) retry(ctx context.Context, chainID uint64, op string, fn func(context.Context) error) error {
	return withRetry(ctx, op, d.opts.MaxRetries, d.opts.RetryBackoff, func(err error) {
		kind := "transient"
		if chain.IsPermanent(err) {
			kind = "permanent"
		}
		rpcErrors(chainID, kind)
		d.logger.Warn("rpc call failed", zap.Uint64("chain_id", chainID), zap.String("op", op), zap.Error(err))
	}, fn)
}

func (d *Driver) alert(ctx context.Context, severity alert.Severity, title, message, source string, tags map[string]string) {
	err := d.alerter.Send(ctx, alert.Alert{
		Title:     title,
		Message:   message,
		Severity:  severity,
		Source:    source,
		Tags:      tags,
		Timestamp: d.now().UTC(),
	})
	if err != nil {
		d.logger.Warn("alert delivery failed", zap.String("title", title), zap.Error(err))
	}
}

func leaseKey(p model.Partition) string {
	return "partition/" + p.String()
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
