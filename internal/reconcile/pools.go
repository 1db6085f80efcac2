package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"launchLedger/internal/model"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
)

func (r *Reconciler) applyPoolCreated(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.PoolCreatedData) error {
	_, err := tx.GetPool(ctx, ev.ID.ChainID, data.Pool)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return tx.InsertPool(ctx, model.BondingPool{
		ChainID:      ev.ID.ChainID,
		Address:      model.NormalizeAddress(data.Pool),
		TokenAddress: model.NormalizeAddress(data.Token),
		Creator:      model.NormalizeAddress(data.Creator),
		TotalVolume:  new(big.Int),
	})
}

func (r *Reconciler) applyTokensPurchased(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.TokensPurchasedData) (bool, error) {
	pool, err := tx.GetPool(ctx, ev.ID.ChainID, data.Pool)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	trade, err := tx.GetTrade(ctx, ev.ID)
	switch {
	case err == nil:
		if trade.Invalidated {
			trade.Invalidated = false
			trade.BlockNumber = ev.BlockNumber
			trade.BlockHash = ev.BlockHash
			if err := tx.UpdateTrade(ctx, trade); err != nil {
				return false, fmt.Errorf("restore trade: %w", err)
			}
			pool.TotalVolume = new(big.Int).Add(pool.TotalVolume, trade.AmountIn)
			pool.TradeCount++
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return false, fmt.Errorf("update pool: %w", err)
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := tx.InsertTrade(ctx, model.BondingTrade{
			ChainID:     ev.ID.ChainID,
			TxHash:      ev.ID.TxHash,
			LogIndex:    ev.ID.LogIndex,
			PoolAddress: model.NormalizeAddress(data.Pool),
			BuyerWallet: model.NormalizeAddress(data.Buyer),
			AmountIn:    new(big.Int).Set(data.AmountIn),
			TokensOut:   new(big.Int).Set(data.TokensOut),
			BlockNumber: ev.BlockNumber,
			BlockHash:   ev.BlockHash,
		}); err != nil {
			return false, fmt.Errorf("insert trade: %w", err)
		}
		pool.TotalVolume = new(big.Int).Add(pool.TotalVolume, data.AmountIn)
		pool.TradeCount++
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return false, fmt.Errorf("update pool: %w", err)
		}
	default:
		return false, err
	}

	if r.referrals == nil {
		return false, nil
	}
	if _, err := r.referrals.Record(ctx, tx, referral.Trigger{
		Source:         model.SourceBonding,
		EventID:        ev.ID,
		RefereeWallet:  data.Buyer,
		ReferrerWallet: data.Referrer,
		SourceRef:      data.Pool,
		BaseAmount:     data.AmountIn,
	}); err != nil {
		return false, fmt.Errorf("record referral: %w", err)
	}
	return false, nil
}

func (r *Reconciler) applyBlueCheck(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.BlueCheckPurchasedData) error {
	userID, err := tx.ResolveUser(ctx, data.Buyer)
	if err != nil {
		return err
	}
	if err := tx.UpsertVerification(ctx, model.VerificationState{
		UserID:    userID,
		ChainID:   ev.ID.ChainID,
		Status:    model.VerificationActive,
		TriggerID: ev.ID.String(),
		ExpiresAt: unixTime(data.ExpiresAt),
	}); err != nil {
		return fmt.Errorf("upsert verification: %w", err)
	}

	if r.referrals == nil {
		return nil
	}
	if _, err := r.referrals.Record(ctx, tx, referral.Trigger{
		Source:         model.SourceBlueCheck,
		EventID:        ev.ID,
		RefereeWallet:  data.Buyer,
		ReferrerWallet: data.Referrer,
		SourceRef:      ev.Contract,
		BaseAmount:     data.Fee,
	}); err != nil {
		return fmt.Errorf("record referral: %w", err)
	}
	return nil
}
