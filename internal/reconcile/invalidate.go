package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

// InvalidateOrphaned undoes the effects of applied events whose blocks left the canonical chain.
// Rows are flagged, never deleted; a replay that re-includes an event restores them.
// Round-level effects cannot be undone without breaking status order, so those rounds are
// flagged with an anomaly instead.
func (r *Reconciler) InvalidateOrphaned(ctx context.Context, tx storage.Tx, orphaned []model.AppliedEvent) error {
	for _, ev := range orphaned {
		if err := r.invalidateOne(ctx, tx, ev); err != nil {
			return fmt.Errorf("invalidate %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) invalidateOne(ctx context.Context, tx storage.Tx, ev model.AppliedEvent) error {
	switch ev.Kind {
	case model.KindContributed:
		c, err := tx.GetContribution(ctx, ev.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Status != model.ContributionReverted {
			c.Status = model.ContributionReverted
			if err := tx.UpdateContribution(ctx, c); err != nil {
				return err
			}
		}
		return r.invalidateReferrals(ctx, tx, ev.ID)

	case model.KindTokensPurchased:
		trade, err := tx.GetTrade(ctx, ev.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !trade.Invalidated {
			trade.Invalidated = true
			if err := tx.UpdateTrade(ctx, trade); err != nil {
				return err
			}
			pool, err := tx.GetPool(ctx, trade.ChainID, trade.PoolAddress)
			if err != nil {
				return err
			}
			pool.TotalVolume = new(big.Int).Sub(pool.TotalVolume, trade.AmountIn)
			if pool.TotalVolume.Sign() < 0 {
				pool.TotalVolume.SetInt64(0)
			}
			if pool.TradeCount > 0 {
				pool.TradeCount--
			}
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return err
			}
		}
		return r.invalidateReferrals(ctx, tx, ev.ID)

	case model.KindBlueCheckPurchased:
		userID, err := tx.ResolveUser(ctx, ev.Ref)
		if err != nil {
			return err
		}
		v, err := tx.GetVerification(ctx, userID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		case v.TriggerID == ev.ID.String() && v.Status != model.VerificationInvalidated:
			v.Status = model.VerificationInvalidated
			if err := tx.UpsertVerification(ctx, v); err != nil {
				return err
			}
		}
		return r.invalidateReferrals(ctx, tx, ev.ID)

	case model.KindTokenLaunched, model.KindRoundStatusChanged, model.KindFinalizeStepCompleted, model.KindRoundCancelled:
		return r.recordAnomaly(ctx, tx, model.ChainEvent{ID: ev.ID}, anomaly(model.AnomalyOrphanedRoundEvent, ev.Ref, true,
			"%s at block %d (%s) left the canonical chain", ev.Kind, ev.BlockNumber, ev.BlockHash))

	default:
		r.logger.Info("orphaned event has no derived rows to invalidate",
			zap.String("id", ev.ID.String()),
			zap.String("kind", string(ev.Kind)),
		)
		return nil
	}
}

func (r *Reconciler) invalidateReferrals(ctx context.Context, tx storage.Tx, id model.EventID) error {
	if r.referrals == nil {
		return nil
	}
	_, err := r.referrals.InvalidateTrigger(ctx, tx, id)
	return err
}
