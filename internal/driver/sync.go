package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"launchLedger/internal/launchpad"
	"launchLedger/internal/metrics"
	"launchLedger/internal/model"
	"launchLedger/internal/reconcile"
	"launchLedger/internal/storage"
)

// SyncOnce brings one partition up to the chain head. Blocks at or below head minus the
// confirmation depth are applied and the cursor advances through them in the same transaction.
// Contributions above that depth are applied as pending and re-derived on every pass until they
// are confirmed or dropped.
func (d *Driver) SyncOnce(ctx context.Context, c Chain, p model.Partition) error {
	start := d.now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(chainLabel(p.ChainID), string(p.Class)).Observe(d.now().Sub(start).Seconds())
	}()

	held, err := d.locker.Acquire(ctx, leaseKey(p))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		d.logger.Debug("partition leased elsewhere", zap.String("partition", p.String()))
		return nil
	}

	cursor, err := d.loadCursor(ctx, c, p)
	if err != nil {
		return err
	}
	cursor, err = d.detectReorg(ctx, c, p, cursor)
	if err != nil {
		return err
	}

	var head uint64
	if err := d.retry(ctx, p.ChainID, "head", func(ctx context.Context) error {
		var err error
		head, err = c.Reader.HeadBlock(ctx)
		return err
	}); err != nil {
		return err
	}
	safe := uint64(0)
	if head > c.Config.Confirmations {
		safe = head - c.Config.Confirmations
	}

	from := cursor.LastBlock + 1
	if from > head {
		d.observeLag(p, cursor, head)
		return nil
	}

	ranges, err := SplitRange(from, head, d.opts.BatchSize)
	if err != nil {
		return err
	}
	topics := d.normalizer.Topics(p.Class)

	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		var logs []model.LogRecord
		if err := d.retry(ctx, p.ChainID, "fetch logs", func(ctx context.Context) error {
			var err error
			logs, err = c.Reader.FetchLogs(ctx, p.Contract, blockRange.From, blockRange.To, topics)
			return err
		}); err != nil {
			return err
		}

		events, quarantined := d.normalize(p, cursor, logs, safe)

		confirmed, advance := blockRange.confirmedPart(safe)
		var cursorRef model.BlockRef
		if advance {
			if err := d.retry(ctx, p.ChainID, "get block", func(ctx context.Context) error {
				var err error
				cursorRef, err = c.Reader.GetBlock(ctx, confirmed.To)
				return err
			}); err != nil {
				return err
			}
		}

		if err := d.renewLease(ctx, leaseKey(p)); err != nil {
			return err
		}

		next := cursor
		var stats reconcile.Stats
		err := d.withTx(ctx, func(tx storage.Tx) error {
			// Everything above the cursor was applied as pending and is rebuilt from this fetch.
			orphaned, err := tx.OrphanAppliedEvents(ctx, p, blockRange.From)
			if err != nil {
				return fmt.Errorf("orphan pending events: %w", err)
			}
			if err := d.reconciler.InvalidateOrphaned(ctx, tx, orphaned); err != nil {
				return err
			}
			if _, err := tx.DeleteHeldEvents(ctx, p, blockRange.From); err != nil {
				return fmt.Errorf("drop held events: %w", err)
			}

			for _, q := range quarantined {
				if err := tx.Quarantine(ctx, q); err != nil {
					return fmt.Errorf("quarantine %s:%d: %w", q.TxHash, q.LogIndex, err)
				}
			}

			stats, err = d.reconciler.ApplyBatch(ctx, tx, events)
			if err != nil {
				return err
			}

			if !advance {
				return nil
			}
			lastLogIndex := int64(-1)
			for _, ev := range events {
				if !ev.Confirmed {
					continue
				}
				if err := tx.PutBlockHash(ctx, p, model.BlockRef{Number: ev.BlockNumber, Hash: ev.BlockHash, Timestamp: ev.Timestamp}); err != nil {
					return fmt.Errorf("store block hash: %w", err)
				}
				if ev.BlockNumber == cursorRef.Number {
					lastLogIndex = int64(ev.ID.LogIndex)
				}
			}
			if err := tx.PutBlockHash(ctx, p, cursorRef); err != nil {
				return fmt.Errorf("store block hash: %w", err)
			}

			next = cursor.Advance(cursorRef.Number, lastLogIndex)
			if err := tx.SaveCursor(ctx, next); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			if next.LastBlock > c.Config.ReorgWindow {
				if err := tx.PruneBlockHashes(ctx, p, next.LastBlock-c.Config.ReorgWindow); err != nil {
					return fmt.Errorf("prune block hashes: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply blocks %d-%d: %w", blockRange.From, blockRange.To, err)
		}
		cursor = next

		for outcome, n := range stats {
			metrics.EventsTotal.WithLabelValues(chainLabel(p.ChainID), string(p.Class), string(outcome)).Add(float64(n))
		}
		if len(quarantined) > 0 {
			metrics.EventsQuarantined.WithLabelValues(chainLabel(p.ChainID), string(p.Class)).Add(float64(len(quarantined)))
		}

		d.logger.Info("batch complete",
			zap.String("partition", p.String()),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Uint64("cursor", cursor.LastBlock),
			zap.Int("events", len(events)),
			zap.Int("quarantined", len(quarantined)),
			zap.Any("outcomes", stats),
		)
	}

	d.observeLag(p, cursor, head)
	return nil
}

// normalize decodes logs in native order and marks the confirmed ones. Malformed logs are
// quarantined once they are confirmed; pending ones may still disappear.
func (d *Driver) normalize(p model.Partition, cursor model.Cursor, logs []model.LogRecord, safe uint64) ([]model.ChainEvent, []model.QuarantinedEvent) {
	events := make([]model.ChainEvent, 0, len(logs))
	var quarantined []model.QuarantinedEvent

	for _, log := range logs {
		if log.Removed || cursor.Covers(log.BlockNumber, log.LogIndex) {
			continue
		}
		ev, err := d.normalizer.Normalize(log, p.Class)
		var malformed *launchpad.MalformedEventError
		switch {
		case err == nil:
			ev.Confirmed = ev.BlockNumber <= safe
			events = append(events, ev)
		case errors.Is(err, launchpad.ErrUnrecognizedEvent):
			d.logger.Debug("skip unrecognized log",
				zap.String("partition", p.String()),
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.String("topic0", log.Topic0()),
			)
		case errors.As(err, &malformed):
			if log.BlockNumber > safe {
				continue
			}
			d.logger.Warn("quarantine malformed log", zap.String("partition", p.String()), zap.Error(err))
			quarantined = append(quarantined, quarantineRecord(log, err, d.now()))
		default:
			d.logger.Warn("quarantine undecodable log", zap.String("partition", p.String()), zap.Error(err))
			if log.BlockNumber <= safe {
				quarantined = append(quarantined, quarantineRecord(log, err, d.now()))
			}
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events, quarantined
}

func quarantineRecord(log model.LogRecord, cause error, now time.Time) model.QuarantinedEvent {
	data, err := hexutil.Decode(log.Data)
	if err != nil {
		data = []byte(log.Data)
	}
	return model.QuarantinedEvent{
		ChainID:       log.ChainID,
		Contract:      model.NormalizeAddress(log.Address),
		BlockNumber:   log.BlockNumber,
		TxHash:        strings.ToLower(log.TxHash),
		LogIndex:      log.LogIndex,
		Topic0:        log.Topic0(),
		Topics:        append([]string(nil), log.Topics...),
		Data:          data,
		Error:         cause.Error(),
		QuarantinedAt: now.UTC(),
	}
}

// loadCursor returns the stored cursor, or one positioned just before the configured start block.
func (d *Driver) loadCursor(ctx context.Context, c Chain, p model.Partition) (model.Cursor, error) {
	var cursor model.Cursor
	err := d.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		cursor, err = tx.GetCursor(ctx, p)
		return err
	})
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}

	cursor = model.Cursor{Partition: p, LastLogIndex: -1}
	if start := c.Config.StartBlock(p); start > 0 {
		cursor.LastBlock = start - 1
	}
	return cursor, nil
}

func (d *Driver) observeLag(p model.Partition, cursor model.Cursor, head uint64) {
	labels := []string{chainLabel(p.ChainID), p.Contract, string(p.Class)}
	metrics.CursorBlock.WithLabelValues(labels...).Set(float64(cursor.LastBlock))
	lag := uint64(0)
	if head > cursor.LastBlock {
		lag = head - cursor.LastBlock
	}
	metrics.HeadLag.WithLabelValues(labels...).Set(float64(lag))
}

func rpcErrors(chainID uint64, kind string) {
	metrics.RPCErrors.WithLabelValues(chainLabel(chainID), kind).Inc()
}
