package referral

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchLedger/internal/config"
	"launchLedger/internal/model"
	"launchLedger/internal/storage"
	"launchLedger/internal/storage/memory"
)

const (
	walletX = "0x00000000000000000000000000000000000000aa"
	walletY = "0x00000000000000000000000000000000000000bb"
	pool    = "0x00000000000000000000000000000000000000cc"
)

func testRates() config.ReferralRates {
	return config.ReferralRates{
		Fairlaunch: decimal.RequireFromString("0.01"),
		Bonding:    decimal.RequireFromString("0.005"),
		BlueCheck:  decimal.RequireFromString("0.1"),
	}
}

func bondingTrigger(logIndex uint64) Trigger {
	return Trigger{
		Source:         model.SourceBonding,
		EventID:        model.EventID{ChainID: 56, TxHash: "0xabc", LogIndex: logIndex},
		RefereeWallet:  walletX,
		ReferrerWallet: walletY,
		SourceRef:      pool,
		BaseAmount:     big.NewInt(1_000_000),
	}
}

func record(t *testing.T, store storage.Store, engine *Engine, trig Trigger) Result {
	t.Helper()
	var res Result
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		res, err = engine.Record(context.Background(), tx, trig)
		return err
	})
	require.NoError(t, err)
	return res
}

func TestRecordIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)

	first := record(t, store, engine, bondingTrigger(1))
	second := record(t, store, engine, bondingTrigger(1))

	assert.Equal(t, OutcomeRecorded, first.Outcome)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, ReasonAlreadyRecorded, second.Reason)

	entries := store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "5000", entries[0].Amount.String())
	assert.Equal(t, model.EntryPending, entries[0].Status)
	assert.Equal(t, walletY, entries[0].ReferrerID)
	assert.Equal(t, IdempotencyKey(model.SourceBonding, "56:0xabc:1", walletY), entries[0].IdempotencyKey)
}

func TestRecordWithoutReferrerSkips(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)

	trig := bondingTrigger(1)
	trig.ReferrerWallet = model.ZeroAddress
	res := record(t, store, engine, trig)

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, ReasonNoReferrer, res.Reason)
	assert.Empty(t, store.LedgerEntries())
}

func TestRelationshipIsNeverReparented(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)

	record(t, store, engine, bondingTrigger(1))

	other := bondingTrigger(2)
	other.ReferrerWallet = "0x00000000000000000000000000000000000000dd"
	res := record(t, store, engine, other)

	require.Equal(t, OutcomeRecorded, res.Outcome)
	assert.Equal(t, walletY, res.Entry.ReferrerID)
}

func TestInactiveRelationshipSkips(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)

	record(t, store, engine, bondingTrigger(1))
	store.SetRelationshipActive(walletX, false)

	res := record(t, store, engine, bondingTrigger(2))
	assert.Equal(t, ReasonInactive, res.Reason)
	assert.Len(t, store.LedgerEntries(), 1)
}

func TestInvalidatedEntryIsRestoredOnReplay(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)
	trig := bondingTrigger(1)

	record(t, store, engine, trig)
	require.NoError(t, store.WithTx(context.Background(), func(tx storage.Tx) error {
		n, err := engine.InvalidateTrigger(context.Background(), tx, trig.EventID)
		assert.Equal(t, 1, n)
		return err
	}))
	assert.True(t, store.LedgerEntries()[0].Invalidated)

	res := record(t, store, engine, trig)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	entries := store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Invalidated)
}

func TestConfirmAndInvalidateRound(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(testRates(), nil)
	round := "0x00000000000000000000000000000000000000ee"

	trig := Trigger{
		Source:         model.SourceFairlaunch,
		EventID:        model.EventID{ChainID: 56, TxHash: "0xf00", LogIndex: 0},
		RefereeWallet:  walletX,
		ReferrerWallet: walletY,
		SourceRef:      round,
		BaseAmount:     big.NewInt(1_000),
	}
	record(t, store, engine, trig)

	require.NoError(t, store.WithTx(context.Background(), func(tx storage.Tx) error {
		n, err := engine.ConfirmRound(context.Background(), tx, 56, round)
		assert.Equal(t, 1, n)
		return err
	}))
	assert.Equal(t, model.EntryConfirmed, store.LedgerEntries()[0].Status)

	require.NoError(t, store.WithTx(context.Background(), func(tx storage.Tx) error {
		n, err := engine.InvalidateRound(context.Background(), tx, 56, round)
		assert.Equal(t, 1, n)
		return err
	}))
	assert.True(t, store.LedgerEntries()[0].Invalidated)
}

func TestRewardAmountRoundsDown(t *testing.T) {
	assert.Equal(t, "4", RewardAmount(big.NewInt(999), decimal.RequireFromString("0.005")).String())
	assert.Equal(t, "0", RewardAmount(big.NewInt(0), decimal.RequireFromString("0.5")).String())
	assert.Equal(t, "0", RewardAmount(big.NewInt(10), decimal.Zero).String())
}

func TestAuditMissingBlueCheck(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.InsertRelationship(ctx, model.ReferralRelationship{RefereeID: "X", ReferrerID: "Y", IsActive: true}); err != nil {
			return err
		}
		return tx.UpsertVerification(ctx, model.VerificationState{
			UserID:    "X",
			ChainID:   56,
			Status:    model.VerificationActive,
			TriggerID: "56:0x01:0",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
	}))

	admin := NewAdmin(store, nil)
	records, err := admin.AuditMissingEntries(ctx, model.SourceBlueCheck)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "X", records[0].Referee)
	assert.Equal(t, "Y", records[0].Referrer)
	assert.Equal(t, ReasonMissing, records[0].Reason)

	assert.Empty(t, store.LedgerEntries())
}

func TestAuditSkipsExpiredVerification(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.InsertRelationship(ctx, model.ReferralRelationship{RefereeID: "X", ReferrerID: "Y", IsActive: true}); err != nil {
			return err
		}
		return tx.UpsertVerification(ctx, model.VerificationState{
			UserID:    "X",
			ChainID:   56,
			Status:    model.VerificationActive,
			TriggerID: "56:0x01:0",
			ExpiresAt: time.Now().Add(-time.Hour),
		})
	}))

	records, err := NewAdmin(store, nil).AuditMissingEntries(ctx, model.SourceBlueCheck)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAuditSkipsCoveredTriggers(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	engine := NewEngine(testRates(), nil)

	trig := Trigger{
		Source:         model.SourceBlueCheck,
		EventID:        model.EventID{ChainID: 56, TxHash: "0x01", LogIndex: 0},
		RefereeWallet:  walletX,
		ReferrerWallet: walletY,
		BaseAmount:     big.NewInt(1_000),
	}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := engine.Record(ctx, tx, trig); err != nil {
			return err
		}
		return tx.UpsertVerification(ctx, model.VerificationState{
			UserID:    walletX,
			ChainID:   56,
			Status:    model.VerificationActive,
			TriggerID: trig.EventID.String(),
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
	}))

	records, err := NewAdmin(store, nil).AuditMissingEntries(ctx, model.SourceBlueCheck)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCorrectScaleErrorAppliesOnce(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertLedgerEntry(ctx, model.ReferralLedgerEntry{
			ID:             "entry-1",
			IdempotencyKey: "key-1",
			ReferrerID:     "Y",
			RefereeID:      "X",
			SourceType:     model.SourceBonding,
			TriggerID:      "56:0x02:0",
			Amount:         big.NewInt(75000),
			ChainID:        56,
			Status:         model.EntryPending,
		})
	}))

	admin := NewAdmin(store, nil)
	req := ScaleCorrection{
		Source:    model.SourceBonding,
		ChainID:   56,
		Threshold: big.NewInt(1_000_000_000),
		Factor:    big.NewInt(1_000_000_000),
	}

	dry, err := admin.CorrectScaleError(ctx, req)
	require.NoError(t, err)
	require.Len(t, dry, 1)
	assert.False(t, dry[0].Applied)
	assert.Equal(t, "75000", store.LedgerEntries()[0].Amount.String())

	req.Apply = true
	applied, err := admin.CorrectScaleError(ctx, req)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "75000000000000", applied[0].NewAmount)

	entry := store.LedgerEntries()[0]
	assert.Equal(t, "75000000000000", entry.Amount.String())
	assert.True(t, entry.ScaleCorrected)
	require.NotNil(t, entry.CorrectedAt)

	again, err := admin.CorrectScaleError(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, "75000000000000", store.LedgerEntries()[0].Amount.String())
}

func TestCorrectScaleErrorRejectsBadParameters(t *testing.T) {
	admin := NewAdmin(memory.NewStore(), nil)
	_, err := admin.CorrectScaleError(context.Background(), ScaleCorrection{Source: model.SourceBonding, Threshold: big.NewInt(10), Factor: big.NewInt(1)})
	assert.Error(t, err)
	_, err = admin.CorrectScaleError(context.Background(), ScaleCorrection{Source: model.SourceBonding, Factor: big.NewInt(10)})
	assert.Error(t, err)
}
