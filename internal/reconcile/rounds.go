package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"launchLedger/internal/finalize"
	"launchLedger/internal/model"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
)

func (r *Reconciler) applyTokenLaunched(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.TokenLaunchedData) error {
	_, err := tx.GetRound(ctx, ev.ID.ChainID, data.Round)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	softcap := data.Softcap
	if softcap == nil {
		softcap = new(big.Int)
	}
	round := model.Round{
		ID:                uuid.NewString(),
		ChainID:           ev.ID.ChainID,
		ContractAddress:   model.NormalizeAddress(data.Round),
		Launchpad:         ev.Contract,
		TokenAddress:      model.NormalizeAddress(data.Token),
		Creator:           model.NormalizeAddress(data.Creator),
		Status:            model.RoundUpcoming,
		FinalizeStep:      model.StepNone,
		TotalRaised:       new(big.Int),
		Softcap:           new(big.Int).Set(softcap),
		StartTime:         unixTime(data.StartTime),
		EndTime:           unixTime(data.EndTime),
		FinalizeUpdatedAt: ev.BlockTime(),
	}
	if err := tx.InsertRound(ctx, round); err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	r.logger.Info("round created",
		zap.Uint64("chain_id", round.ChainID),
		zap.String("round", round.ContractAddress),
		zap.String("token", round.TokenAddress),
	)
	return nil
}

func (r *Reconciler) applyContributed(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.ContributedData) (bool, error) {
	round, err := tx.GetRound(ctx, ev.ID.ChainID, data.Round)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	status := model.ContributionPending
	if ev.Confirmed {
		status = model.ContributionConfirmed
	}

	var mismatch *AnomalyError
	existing, err := tx.GetContribution(ctx, ev.ID)
	switch {
	case err == nil:
		if existing.Amount.Cmp(data.Amount) != 0 {
			mismatch = anomaly(model.AnomalyAmountMismatch, data.Round, false,
				"contribution %s stored amount %s, redelivered %s", ev.ID, existing.Amount, data.Amount)
		}
		if existing.Status != status || existing.BlockHash != ev.BlockHash {
			existing.Status = status
			existing.BlockNumber = ev.BlockNumber
			existing.BlockHash = ev.BlockHash
			if err := tx.UpdateContribution(ctx, existing); err != nil {
				return false, fmt.Errorf("update contribution: %w", err)
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := tx.InsertContribution(ctx, model.Contribution{
			ChainID:           ev.ID.ChainID,
			TxHash:            ev.ID.TxHash,
			LogIndex:          ev.ID.LogIndex,
			RoundID:           round.ID,
			ContributorWallet: model.NormalizeAddress(data.Contributor),
			Amount:            new(big.Int).Set(data.Amount),
			Status:            status,
			BlockNumber:       ev.BlockNumber,
			BlockHash:         ev.BlockHash,
		}); err != nil {
			return false, fmt.Errorf("insert contribution: %w", err)
		}
	default:
		return false, err
	}

	if !ev.Confirmed {
		if mismatch != nil {
			return false, mismatch
		}
		return false, nil
	}

	if r.referrals != nil {
		if _, err := r.referrals.Record(ctx, tx, referral.Trigger{
			Source:         model.SourceFairlaunch,
			EventID:        ev.ID,
			RefereeWallet:  data.Contributor,
			ReferrerWallet: data.Referrer,
			SourceRef:      data.Round,
			BaseAmount:     data.Amount,
		}); err != nil {
			return false, fmt.Errorf("record referral: %w", err)
		}
	}

	if data.TotalRaised != nil && data.TotalRaised.Cmp(round.TotalRaised) > 0 {
		round.TotalRaised = new(big.Int).Set(data.TotalRaised)
		if err := tx.UpdateRound(ctx, round); err != nil {
			return false, fmt.Errorf("update round total: %w", err)
		}
	}

	if mismatch != nil {
		return false, mismatch
	}
	return false, r.checkContributionSum(ctx, tx, round)
}

// checkContributionSum compares confirmed contributions with the total the chain reported.
func (r *Reconciler) checkContributionSum(ctx context.Context, tx storage.Tx, round model.Round) error {
	sum, err := tx.SumConfirmedContributions(ctx, round.ID)
	if err != nil {
		return err
	}
	limit := new(big.Int).Add(round.TotalRaised, r.tolerance)
	if sum.Cmp(limit) > 0 {
		return anomaly(model.AnomalyContributionSum, round.ContractAddress, true,
			"confirmed contributions %s exceed reported total %s by more than %s", sum, round.TotalRaised, r.tolerance)
	}
	return nil
}

func (r *Reconciler) applyStatus(ctx context.Context, tx storage.Tx, ev model.ChainEvent, address string, next model.RoundStatus) (bool, error) {
	round, err := tx.GetRound(ctx, ev.ID.ChainID, address)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if round.Status == next {
		return false, nil
	}
	if !round.Status.CanTransition(next) {
		return false, anomaly(model.AnomalyStatusRegression, address, true,
			"status %s cannot follow %s", next, round.Status)
	}

	prevStatus := round.Status
	round.Status = next
	if err := tx.UpdateRound(ctx, round); err != nil {
		return false, fmt.Errorf("update round status: %w", err)
	}
	r.logger.Info("round status changed",
		zap.Uint64("chain_id", round.ChainID),
		zap.String("round", round.ContractAddress),
		zap.String("from", string(prevStatus)),
		zap.String("to", string(next)),
		zap.String("source", string(ev.Source)),
	)

	if r.referrals == nil {
		return false, nil
	}
	switch next {
	case model.RoundSuccess:
		if _, err := r.referrals.ConfirmRound(ctx, tx, round.ChainID, round.ContractAddress); err != nil {
			return false, fmt.Errorf("confirm round referrals: %w", err)
		}
	case model.RoundFailed, model.RoundCancelled:
		if _, err := r.referrals.InvalidateRound(ctx, tx, round.ChainID, round.ContractAddress); err != nil {
			return false, fmt.Errorf("invalidate round referrals: %w", err)
		}
	}
	return false, nil
}

func (r *Reconciler) applyFinalizeStep(ctx context.Context, tx storage.Tx, ev model.ChainEvent, data model.FinalizeStepCompletedData) (bool, error) {
	round, err := tx.GetRound(ctx, ev.ID.ChainID, data.Round)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch decision := r.tracker.Decide(round, data.Step); decision {
	case finalize.DecisionNoOp:
		return false, nil
	case finalize.DecisionAdvance:
		round = r.tracker.Advance(round, data.Step, ev.BlockTime())
		if err := tx.UpdateRound(ctx, round); err != nil {
			return false, fmt.Errorf("update finalize step: %w", err)
		}
		return false, nil
	case finalize.DecisionStale:
		return false, anomaly(model.AnomalyStepRegression, data.Round, false,
			"step %s reported after %s", data.Step, round.FinalizeStep)
	case finalize.DecisionBlocked:
		return false, anomaly(model.AnomalyFinalizeBeforeEnd, data.Round, false,
			"step %s reported while status is %s", data.Step, round.Status)
	default:
		return false, fmt.Errorf("finalize step %q: %s", data.Step, decision)
	}
}
