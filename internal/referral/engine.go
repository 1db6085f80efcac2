package referral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"launchLedger/internal/config"
	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

// Trigger is a qualifying chain action that may owe a referral reward.
type Trigger struct {
	Source  model.SourceType
	EventID model.EventID
	// RefereeWallet is the wallet that acted; ReferrerWallet is the referrer named on-chain, if any.
	RefereeWallet  string
	ReferrerWallet string
	SourceRef      string
	BaseAmount     *big.Int
}

// Outcome reports what Record did.
type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeRestored Outcome = "restored"
	OutcomeSkipped  Outcome = "skipped"
)

// Skip reasons.
const (
	ReasonNoReferrer      = "no_referrer"
	ReasonInactive        = "inactive_relationship"
	ReasonAlreadyRecorded = "already_recorded"
	ReasonZeroAmount      = "zero_amount"
)

// Result is the outcome of one Record call.
type Result struct {
	Outcome Outcome
	Reason  string
	Entry   model.ReferralLedgerEntry
}

// IdempotencyKey identifies the single reward a referrer may receive for one trigger.
func IdempotencyKey(source model.SourceType, triggerID, referrerID string) string {
	return crypto.Keccak256Hash(
		[]byte(source),
		[]byte{0},
		[]byte(strings.ToLower(triggerID)),
		[]byte{0},
		[]byte(strings.ToLower(referrerID)),
	).Hex()
}

// Engine writes referral ledger entries for qualifying chain actions.
type Engine struct {
	rates  config.ReferralRates
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds an Engine with the configured reward shares.
func NewEngine(rates config.ReferralRates, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{rates: rates, logger: logger, now: time.Now}
}

// Record creates the PENDING ledger entry owed for trig, at most once per idempotency key.
// A first action that names a referrer creates the referee's relationship; existing relationships
// are never re-parented.
func (e *Engine) Record(ctx context.Context, tx storage.Tx, trig Trigger) (Result, error) {
	rate, err := rateFor(e.rates, trig.Source)
	if err != nil {
		return Result{}, err
	}

	refereeID, err := tx.ResolveUser(ctx, trig.RefereeWallet)
	if err != nil {
		return Result{}, err
	}

	if !model.IsZeroAddress(trig.ReferrerWallet) {
		referrerID, err := tx.ResolveUser(ctx, trig.ReferrerWallet)
		if err != nil {
			return Result{}, err
		}
		if referrerID != refereeID {
			created, err := tx.InsertRelationship(ctx, model.ReferralRelationship{
				RefereeID:  refereeID,
				ReferrerID: referrerID,
				IsActive:   true,
			})
			if err != nil {
				return Result{}, fmt.Errorf("insert relationship: %w", err)
			}
			if created {
				e.logger.Info("referral relationship created",
					zap.String("referee", refereeID),
					zap.String("referrer", referrerID),
					zap.String("trigger", trig.EventID.String()),
				)
			}
		}
	}

	rel, err := tx.GetRelationship(ctx, refereeID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonNoReferrer}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !rel.IsActive {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonInactive}, nil
	}

	triggerID := trig.EventID.String()
	key := IdempotencyKey(trig.Source, triggerID, rel.ReferrerID)

	existing, err := tx.GetLedgerEntry(ctx, key)
	switch {
	case err == nil:
		if existing.Invalidated {
			existing.Invalidated = false
			if err := tx.UpdateLedgerEntry(ctx, existing); err != nil {
				return Result{}, fmt.Errorf("restore ledger entry: %w", err)
			}
			return Result{Outcome: OutcomeRestored, Entry: existing}, nil
		}
		return Result{Outcome: OutcomeSkipped, Reason: ReasonAlreadyRecorded, Entry: existing}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, err
	}

	amount := RewardAmount(trig.BaseAmount, rate)
	if amount.Sign() == 0 {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonZeroAmount}, nil
	}

	entry := model.ReferralLedgerEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		ReferrerID:     rel.ReferrerID,
		RefereeID:      refereeID,
		SourceType:     trig.Source,
		SourceRef:      model.NormalizeAddress(trig.SourceRef),
		TriggerID:      triggerID,
		Amount:         amount,
		ChainID:        trig.EventID.ChainID,
		Status:         model.EntryPending,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return Result{Outcome: OutcomeSkipped, Reason: ReasonAlreadyRecorded}, nil
		}
		return Result{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	e.logger.Debug("referral entry recorded",
		zap.String("source", string(trig.Source)),
		zap.String("trigger", triggerID),
		zap.String("referrer", rel.ReferrerID),
		zap.String("amount", amount.String()),
	)
	return Result{Outcome: OutcomeRecorded, Entry: entry}, nil
}

// ConfirmRound promotes the PENDING FAIRLAUNCH entries of a successful round.
func (e *Engine) ConfirmRound(ctx context.Context, tx storage.Tx, chainID uint64, round string) (int, error) {
	entries, err := tx.ListLedgerEntriesBySourceRef(ctx, model.SourceFairlaunch, chainID, round)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, entry := range entries {
		if entry.Invalidated || entry.Status != model.EntryPending {
			continue
		}
		entry.Status = model.EntryConfirmed
		if err := tx.UpdateLedgerEntry(ctx, entry); err != nil {
			return confirmed, err
		}
		confirmed++
	}
	return confirmed, nil
}

// InvalidateRound flags the unpaid FAIRLAUNCH entries of a failed or cancelled round.
func (e *Engine) InvalidateRound(ctx context.Context, tx storage.Tx, chainID uint64, round string) (int, error) {
	entries, err := tx.ListLedgerEntriesBySourceRef(ctx, model.SourceFairlaunch, chainID, round)
	if err != nil {
		return 0, err
	}
	return e.invalidate(ctx, tx, entries)
}

// InvalidateTrigger flags the unpaid entries derived from one event.
func (e *Engine) InvalidateTrigger(ctx context.Context, tx storage.Tx, id model.EventID) (int, error) {
	entries, err := tx.ListLedgerEntriesByTrigger(ctx, id.String())
	if err != nil {
		return 0, err
	}
	return e.invalidate(ctx, tx, entries)
}

func (e *Engine) invalidate(ctx context.Context, tx storage.Tx, entries []model.ReferralLedgerEntry) (int, error) {
	invalidated := 0
	for _, entry := range entries {
		if entry.Invalidated {
			continue
		}
		if entry.Status == model.EntryPaid {
			e.logger.Warn("paid referral entry left untouched",
				zap.String("entry", entry.ID),
				zap.String("trigger", entry.TriggerID),
				zap.String("referrer", entry.ReferrerID),
			)
			continue
		}
		entry.Invalidated = true
		if err := tx.UpdateLedgerEntry(ctx, entry); err != nil {
			return invalidated, err
		}
		invalidated++
	}
	return invalidated, nil
}
