package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"launchLedger/internal/alert"
	"launchLedger/internal/lease"
	"launchLedger/internal/metrics"
	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

// detectReorg compares the block hashes stored for applied blocks with the canonical chain and
// rewinds the partition to the highest block that still matches.
func (d *Driver) detectReorg(ctx context.Context, c Chain, p model.Partition, cursor model.Cursor) (model.Cursor, error) {
	low := uint64(0)
	if cursor.LastBlock > c.Config.ReorgWindow {
		low = cursor.LastBlock - c.Config.ReorgWindow
	}

	var stored []model.BlockRef
	if err := d.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		stored, err = tx.ListBlockHashes(ctx, p, low)
		return err
	}); err != nil {
		return cursor, fmt.Errorf("list block hashes: %w", err)
	}
	if len(stored) == 0 {
		return cursor, nil
	}

	var (
		fork  uint64
		found bool
	)
	for i := len(stored) - 1; i >= 0; i-- {
		var canonical model.BlockRef
		if err := d.retry(ctx, p.ChainID, "get block", func(ctx context.Context) error {
			var err error
			canonical, err = c.Reader.GetBlock(ctx, stored[i].Number)
			return err
		}); err != nil {
			return cursor, err
		}
		if strings.EqualFold(canonical.Hash, stored[i].Hash) {
			if i == len(stored)-1 {
				return cursor, nil
			}
			fork, found = stored[i].Number, true
			break
		}
	}

	if !found {
		if stored[0].Number > 0 {
			fork = stored[0].Number - 1
		}
		d.alert(ctx, alert.SeverityCritical, "reorg deeper than window",
			fmt.Sprintf("no stored block hash above %d matches the chain, rewinding to %d", low, fork),
			p.String(), nil)
	}

	metrics.Reorgs.WithLabelValues(chainLabel(p.ChainID), p.Contract).Inc()
	d.logger.Warn("reorg detected",
		zap.String("partition", p.String()),
		zap.Uint64("cursor", cursor.LastBlock),
		zap.Uint64("fork_block", fork),
	)
	d.alert(ctx, alert.SeverityWarning, "reorg detected",
		fmt.Sprintf("rewinding from %d to %d", cursor.LastBlock, fork), p.String(), nil)

	return d.Rewind(ctx, p, fork)
}

// ErrPartitionBusy is returned when an operator rewind finds the partition leased by a running
// consumer.
var ErrPartitionBusy = errors.New("partition is leased by another consumer")

// RewindPartition is Rewind for callers outside a partition loop. It holds the partition lease
// for the duration of the rewind.
func (d *Driver) RewindPartition(ctx context.Context, p model.Partition, toBlock uint64) (model.Cursor, error) {
	key := leaseKey(p)
	held, err := d.locker.Acquire(ctx, key)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		return model.Cursor{}, fmt.Errorf("rewind %s: %w", p, ErrPartitionBusy)
	}
	defer func() {
		if err := d.locker.Release(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			d.logger.Warn("release lease failed", zap.String("partition", p.String()), zap.Error(err))
		}
	}()
	return d.Rewind(ctx, p, toBlock)
}

// Rewind moves the partition cursor back to toBlock. Events applied above it are flagged as
// orphaned and their effects invalidated, and events parked above it are dropped, so the next
// sync re-derives both from the chain.
func (d *Driver) Rewind(ctx context.Context, p model.Partition, toBlock uint64) (model.Cursor, error) {
	var next model.Cursor
	err := d.withTx(ctx, func(tx storage.Tx) error {
		cursor, err := tx.GetCursor(ctx, p)
		if errors.Is(err, storage.ErrNotFound) {
			cursor = model.Cursor{Partition: p, LastBlock: toBlock, LastLogIndex: -1}
		} else if err != nil {
			return err
		}

		orphaned, err := tx.OrphanAppliedEvents(ctx, p, toBlock+1)
		if err != nil {
			return fmt.Errorf("orphan applied events: %w", err)
		}
		if err := d.reconciler.InvalidateOrphaned(ctx, tx, orphaned); err != nil {
			return err
		}
		dropped, err := tx.DeleteHeldEvents(ctx, p, toBlock+1)
		if err != nil {
			return fmt.Errorf("delete held events: %w", err)
		}
		if err := tx.DeleteBlockHashes(ctx, p, toBlock+1); err != nil {
			return fmt.Errorf("delete block hashes: %w", err)
		}

		next = cursor.Rewind(toBlock)
		d.logger.Info("partition rewound",
			zap.String("partition", p.String()),
			zap.Uint64("from", cursor.LastBlock),
			zap.Uint64("to", next.LastBlock),
			zap.Int("orphaned", len(orphaned)),
			zap.Int("held_dropped", dropped),
		)
		return tx.SaveCursor(ctx, next)
	})
	if err != nil {
		return model.Cursor{}, fmt.Errorf("rewind %s to %d: %w", p, toBlock, err)
	}
	return next, nil
}
