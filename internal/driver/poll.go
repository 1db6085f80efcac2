package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"launchLedger/internal/alert"
	"launchLedger/internal/chain"
	"launchLedger/internal/finalize"
	"launchLedger/internal/metrics"
	"launchLedger/internal/model"
	"launchLedger/internal/reconcile"
	"launchLedger/internal/storage"
)

// PollOnce reads the authoritative status and finalize step of every round with unfinished
// settlement and feeds changes to the reconciler as synthetic events. Rounds that have not moved
// for longer than the stuck threshold are flagged and alerted once.
func (d *Driver) PollOnce(ctx context.Context, c Chain) error {
	if c.State == nil {
		return nil
	}
	chainID := c.Config.ChainID

	key := fmt.Sprintf("finalize/%d", chainID)
	held, err := d.locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		return nil
	}

	var rounds []model.Round
	if err := d.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		rounds, err = tx.ListOpenFinalizations(ctx, chainID)
		return err
	}); err != nil {
		return fmt.Errorf("list open finalizations: %w", err)
	}
	if len(rounds) == 0 {
		metrics.StuckRounds.WithLabelValues(chainLabel(chainID)).Set(0)
		return nil
	}

	var head uint64
	if err := d.retry(ctx, chainID, "head", func(ctx context.Context) error {
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
	var at model.BlockRef
	if err := d.retry(ctx, chainID, "get block", func(ctx context.Context) error {
		var err error
		at, err = c.Reader.GetBlock(ctx, safe)
		return err
	}); err != nil {
		return err
	}

	stuck := 0
	for _, r := range rounds {
		events, err := d.observeRound(ctx, c, r, at)
		if chain.IsPermanent(err) {
			// A round whose view calls revert must not hold up the others.
			d.logger.Warn("round poll failed", zap.String("round", r.ContractAddress), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}

		if err := d.renewLease(ctx, key); err != nil {
			return err
		}
		if len(events) > 0 {
			var stats reconcile.Stats
			if err := d.withTx(ctx, func(tx storage.Tx) error {
				var err error
				stats, err = d.reconciler.ApplyBatch(ctx, tx, events)
				return err
			}); err != nil {
				return fmt.Errorf("apply polled state for %s: %w", r.ContractAddress, err)
			}
			if stats[reconcile.OutcomeApplied] > 0 {
				d.clearStalled(r)
				continue
			}
		}

		if !d.tracker.Stuck(r, d.now(), d.opts.StuckFinalizeAfter) {
			d.clearStalled(r)
			continue
		}
		stuck++
		if err := d.flagStalled(ctx, r); err != nil {
			return err
		}
	}

	metrics.StuckRounds.WithLabelValues(chainLabel(chainID)).Set(float64(stuck))
	return nil
}

// observeRound turns differences between the stored round and the chain into synthetic events,
// status first so a step that needs the new status applies in the same batch.
func (d *Driver) observeRound(ctx context.Context, c Chain, r model.Round, at model.BlockRef) ([]model.ChainEvent, error) {
	contract := r.Launchpad
	var events []model.ChainEvent

	var status model.RoundStatus
	if err := d.retry(ctx, r.ChainID, "round status", func(ctx context.Context) error {
		var err error
		status, err = c.State.RoundStatus(ctx, contract, r.ContractAddress)
		return err
	}); err != nil {
		return nil, err
	}
	if status != r.Status {
		events = append(events, finalize.SyntheticStatusEvent(r, status, at))
	}

	var step model.FinalizeStep
	if err := d.retry(ctx, r.ChainID, "finalize step", func(ctx context.Context) error {
		var err error
		step, err = c.State.FinalizeStep(ctx, contract, r.ContractAddress)
		return err
	}); err != nil {
		return nil, err
	}
	// A lower step is a lagging read, not a regression.
	if step.Valid() && step.Rank() > r.FinalizeStep.Rank() {
		events = append(events, finalize.SyntheticEvent(r, step, at))
	}
	return events, nil
}

func (d *Driver) flagStalled(ctx context.Context, r model.Round) error {
	key := fmt.Sprintf("%d/%s", r.ChainID, r.ContractAddress)
	d.mu.Lock()
	_, seen := d.stalled[key]
	d.stalled[key] = struct{}{}
	d.mu.Unlock()
	if seen {
		return nil
	}

	detail := fmt.Sprintf("finalize step %s unchanged since %s", r.FinalizeStep, r.FinalizeUpdatedAt.Format(time.RFC3339))
	d.logger.Warn("finalize stalled", zap.String("round", r.ContractAddress), zap.String("detail", detail))
	d.alert(ctx, alert.SeverityCritical, "finalize stalled", detail, key,
		map[string]string{"step": string(r.FinalizeStep), "status": string(r.Status)})

	if r.Flagged {
		return nil
	}
	return d.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.RecordAnomaly(ctx, model.Anomaly{
			ChainID: r.ChainID,
			Subject: r.ContractAddress,
			Kind:    model.AnomalyFinalizeStalled,
			Detail:  detail,
		}); err != nil {
			return err
		}
		current, err := tx.GetRound(ctx, r.ChainID, r.ContractAddress)
		if err != nil {
			return err
		}
		current.Flagged = true
		return tx.UpdateRound(ctx, current)
	})
}

func (d *Driver) clearStalled(r model.Round) {
	d.mu.Lock()
	delete(d.stalled, fmt.Sprintf("%d/%s", r.ChainID, r.ContractAddress))
	d.mu.Unlock()
}
