package referral

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

// ReasonMissing marks a triggering condition with no live ledger entry.
const ReasonMissing = "missing"

// ReasonInvalidated marks a triggering condition whose only entry was invalidated.
const ReasonInvalidated = "invalidated"

// Admin runs the operator-triggered audit and repair passes over the ledger.
type Admin struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewAdmin(store storage.Store, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{store: store, logger: logger, now: time.Now}
}

// AuditMissingEntries lists confirmed triggering conditions with an active referrer but no
// PENDING, CONFIRMED or PAID entry. It never writes to the ledger.
func (a *Admin) AuditMissingEntries(ctx context.Context, source model.SourceType) ([]model.AuditRecord, error) {
	records := make([]model.AuditRecord, 0)
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		candidates, err := tx.ListAuditCandidates(ctx, source)
		if err != nil {
			return fmt.Errorf("list audit candidates: %w", err)
		}
		for _, c := range candidates {
			entries, err := tx.ListLedgerEntriesByTrigger(ctx, c.TriggerID)
			if err != nil {
				return err
			}
			reason := ReasonMissing
			for _, entry := range entries {
				if entry.SourceType != source || entry.ReferrerID != c.ReferrerID {
					continue
				}
				if entry.Live() {
					reason = ""
					break
				}
				reason = ReasonInvalidated
			}
			if reason == "" {
				continue
			}
			records = append(records, model.AuditRecord{
				Referee:   c.RefereeID,
				Referrer:  c.ReferrerID,
				Reason:    reason,
				TriggerID: c.TriggerID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("referral audit complete",
		zap.String("source", string(source)),
		zap.Int("findings", len(records)),
	)
	return records, nil
}

// ScaleCorrection parameters. Entries of Source on ChainID with 0 < amount < Threshold are
// multiplied by Factor. Nothing is written unless Apply is set.
type ScaleCorrection struct {
	Source    model.SourceType
	ChainID   uint64
	Threshold *big.Int
	Factor    *big.Int
	Apply     bool
}

// CorrectScaleError rewrites implausibly small amounts. Corrected entries are marked and never
// selected again, so repeated runs change nothing. Every affected row is logged and returned.
func (a *Admin) CorrectScaleError(ctx context.Context, req ScaleCorrection) ([]model.ScaleCorrection, error) {
	if req.Threshold == nil || req.Threshold.Sign() <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}
	if req.Factor == nil || req.Factor.Cmp(big.NewInt(1)) <= 0 {
		return nil, fmt.Errorf("scale factor must be greater than one")
	}

	out := make([]model.ScaleCorrection, 0)
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		entries, err := tx.ListScaleCandidates(ctx, req.Source, req.ChainID, req.Threshold)
		if err != nil {
			return fmt.Errorf("list scale candidates: %w", err)
		}
		now := a.now().UTC()
		for _, entry := range entries {
			corrected := new(big.Int).Mul(entry.Amount, req.Factor)
			record := model.ScaleCorrection{
				EntryID:     entry.ID,
				SourceType:  entry.SourceType,
				ChainID:     entry.ChainID,
				ReferrerID:  entry.ReferrerID,
				OldAmount:   entry.Amount.String(),
				NewAmount:   corrected.String(),
				ScaleFactor: req.Factor.String(),
				Applied:     req.Apply,
				CorrectedAt: now,
			}
			a.logger.Info("scale correction",
				zap.String("entry", entry.ID),
				zap.String("key", entry.IdempotencyKey),
				zap.String("referrer", entry.ReferrerID),
				zap.String("old_amount", record.OldAmount),
				zap.String("new_amount", record.NewAmount),
				zap.Bool("applied", req.Apply),
			)
			if req.Apply {
				at := now
				entry.Amount = corrected
				entry.ScaleCorrected = true
				entry.CorrectedAt = &at
				if err := tx.UpdateLedgerEntry(ctx, entry); err != nil {
					return fmt.Errorf("update entry %s: %w", entry.ID, err)
				}
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
