package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"launchLedger/internal/finalize"
	"launchLedger/internal/model"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
)

// Outcome is what Apply did with one event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeHeld           Outcome = "held"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeAnomaly        Outcome = "anomaly"
)

// Reconciler applies chain events to the off-chain store. Every mutation of one event happens
// in the caller's transaction together with the applied-event record.
type Reconciler struct {
	tracker   *finalize.Tracker
	referrals *referral.Engine
	tolerance *big.Int
	logger    *zap.Logger
}

// New builds a Reconciler. tolerance bounds how far confirmed contributions may exceed the
// round's reported total before an anomaly is raised.
func New(tracker *finalize.Tracker, referrals *referral.Engine, tolerance *big.Int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = finalize.NewTracker(logger)
	}
	if tolerance == nil {
		tolerance = new(big.Int)
	}
	return &Reconciler{tracker: tracker, referrals: referrals, tolerance: tolerance, logger: logger}
}

// Stats counts outcomes over a batch.
type Stats map[Outcome]int

// ApplyBatch applies events in native order and counts outcomes.
func (r *Reconciler) ApplyBatch(ctx context.Context, tx storage.Tx, events []model.ChainEvent) (Stats, error) {
	stats := make(Stats)
	for _, ev := range events {
		outcome, err := r.Apply(ctx, tx, ev)
		if err != nil {
			return stats, err
		}
		stats[outcome]++
	}
	return stats, nil
}

// Apply applies one event. An event is applied at most once while its record is live; a pending
// contribution is applied again when it is redelivered confirmed, and an orphaned event is
// applied again when it reappears on the canonical chain.
func (r *Reconciler) Apply(ctx context.Context, tx storage.Tx, ev model.ChainEvent) (Outcome, error) {
	prev, err := tx.GetAppliedEvent(ctx, ev.ID)
	switch {
	case err == nil:
		if !prev.Orphaned && (prev.Confirmed || !ev.Confirmed) {
			return OutcomeAlreadyApplied, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("lookup applied event %s: %w", ev.ID, err)
	}

	if !ev.Confirmed && ev.Kind != model.KindContributed {
		return OutcomeDeferred, nil
	}

	outcome := OutcomeApplied
	held, err := r.dispatch(ctx, tx, ev)
	var anomalyErr *AnomalyError
	switch {
	case errors.As(err, &anomalyErr):
		if err := r.recordAnomaly(ctx, tx, ev, anomalyErr); err != nil {
			return "", err
		}
		outcome = OutcomeAnomaly
	case err != nil:
		return "", fmt.Errorf("apply %s %s: %w", ev.Kind, ev.ID, err)
	case held && !ev.Confirmed:
		// Pending events are redelivered until confirmed; only confirmed ones are parked.
		return OutcomeDeferred, nil
	case held:
		if err := tx.HoldEvent(ctx, ev.Payload.Subject(), ev); err != nil {
			return "", fmt.Errorf("hold %s: %w", ev.ID, err)
		}
		r.logger.Debug("event held",
			zap.String("id", ev.ID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.String("subject", ev.Payload.Subject()),
		)
		return OutcomeHeld, nil
	}

	if err := tx.PutAppliedEvent(ctx, model.AppliedEvent{
		ID:          ev.ID,
		Partition:   ev.Partition(),
		Kind:        ev.Kind,
		Ref:         eventRef(ev),
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		Confirmed:   ev.Confirmed,
	}); err != nil {
		return "", fmt.Errorf("mark applied %s: %w", ev.ID, err)
	}

	if ev.Kind == model.KindTokenLaunched || ev.Kind == model.KindPoolCreated {
		if err := r.releaseHeld(ctx, tx, ev.ID.ChainID, ev.Payload.Subject()); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

func (r *Reconciler) releaseHeld(ctx context.Context, tx storage.Tx, chainID uint64, subject string) error {
	released, err := tx.ReleaseHeldEvents(ctx, chainID, subject)
	if err != nil {
		return fmt.Errorf("release held events for %s: %w", subject, err)
	}
	for _, held := range released {
		outcome, err := r.Apply(ctx, tx, held)
		if err != nil {
			return err
		}
		r.logger.Debug("held event replayed",
			zap.String("id", held.ID.String()),
			zap.String("outcome", string(outcome)),
		)
	}
	return nil
}

func (r *Reconciler) recordAnomaly(ctx context.Context, tx storage.Tx, ev model.ChainEvent, a *AnomalyError) error {
	r.logger.Warn("reconciliation anomaly",
		zap.String("kind", string(a.Kind)),
		zap.String("subject", a.Subject),
		zap.String("detail", a.Detail),
		zap.String("event", ev.ID.String()),
	)
	if err := tx.RecordAnomaly(ctx, model.Anomaly{
		ChainID:  ev.ID.ChainID,
		Subject:  a.Subject,
		Kind:     a.Kind,
		Detail:   a.Detail,
		TxHash:   ev.ID.TxHash,
		LogIndex: ev.ID.LogIndex,
	}); err != nil {
		return fmt.Errorf("record anomaly: %w", err)
	}
	if !a.FlagRound {
		return nil
	}
	return r.flagRound(ctx, tx, ev.ID.ChainID, a.Subject)
}

func (r *Reconciler) flagRound(ctx context.Context, tx storage.Tx, chainID uint64, address string) error {
	round, err := tx.GetRound(ctx, chainID, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if round.Flagged {
		return nil
	}
	round.Flagged = true
	return tx.UpdateRound(ctx, round)
}

// dispatch runs the kind-specific mutation. It reports held when the event references a
// round or pool that does not exist yet.
func (r *Reconciler) dispatch(ctx context.Context, tx storage.Tx, ev model.ChainEvent) (bool, error) {
	switch data := ev.Payload.(type) {
	case model.TokenLaunchedData:
		return false, r.applyTokenLaunched(ctx, tx, ev, data)
	case model.ContributedData:
		return r.applyContributed(ctx, tx, ev, data)
	case model.RoundStatusChangedData:
		return r.applyStatus(ctx, tx, ev, data.Round, data.Status)
	case model.RoundCancelledData:
		return r.applyStatus(ctx, tx, ev, data.Round, model.RoundCancelled)
	case model.FinalizeStepCompletedData:
		return r.applyFinalizeStep(ctx, tx, ev, data)
	case model.PoolCreatedData:
		return false, r.applyPoolCreated(ctx, tx, ev, data)
	case model.TokensPurchasedData:
		return r.applyTokensPurchased(ctx, tx, ev, data)
	case model.BlueCheckPurchasedData:
		return false, r.applyBlueCheck(ctx, tx, ev, data)
	default:
		return false, fmt.Errorf("unsupported payload %T", ev.Payload)
	}
}

// eventRef is the natural key of the row an event mutates.
func eventRef(ev model.ChainEvent) string {
	if data, ok := ev.Payload.(model.BlueCheckPurchasedData); ok {
		return model.NormalizeAddress(data.Buyer)
	}
	return model.NormalizeAddress(ev.Payload.Subject())
}

func unixTime(ts uint64) time.Time {
	return time.Unix(int64(ts), 0).UTC()
}
