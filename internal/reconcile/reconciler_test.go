package reconcile

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchLedger/internal/config"
	"launchLedger/internal/finalize"
	"launchLedger/internal/model"
	"launchLedger/internal/referral"
	"launchLedger/internal/storage"
	"launchLedger/internal/storage/memory"
)

const (
	chainID     = uint64(56)
	launchpad   = "0x1000000000000000000000000000000000000001"
	roundAddr   = "0x2000000000000000000000000000000000000002"
	tokenAddr   = "0x3000000000000000000000000000000000000003"
	contributor = "0x4000000000000000000000000000000000000004"
	referrer    = "0x5000000000000000000000000000000000000005"
	poolAddr    = "0x6000000000000000000000000000000000000006"
)

type fixture struct {
	t     *testing.T
	store *memory.Store
	rec   *Reconciler
}

func newFixture(t *testing.T, tolerance int64) *fixture {
	rates := config.ReferralRates{
		Fairlaunch: decimal.RequireFromString("0.01"),
		Bonding:    decimal.RequireFromString("0.005"),
		BlueCheck:  decimal.RequireFromString("0.1"),
	}
	return &fixture{
		t:     t,
		store: memory.NewStore(),
		rec:   New(finalize.NewTracker(nil), referral.NewEngine(rates, nil), big.NewInt(tolerance), nil),
	}
}

func (f *fixture) apply(events ...model.ChainEvent) []Outcome {
	f.t.Helper()
	outcomes := make([]Outcome, 0, len(events))
	err := f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		for _, ev := range events {
			outcome, err := f.rec.Apply(context.Background(), tx, ev)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	require.NoError(f.t, err)
	return outcomes
}

func (f *fixture) round() model.Round {
	f.t.Helper()
	var r model.Round
	require.NoError(f.t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		r, err = tx.GetRound(context.Background(), chainID, roundAddr)
		return err
	}))
	return r
}

func (f *fixture) contribution(id model.EventID) model.Contribution {
	f.t.Helper()
	var c model.Contribution
	require.NoError(f.t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		c, err = tx.GetContribution(context.Background(), id)
		return err
	}))
	return c
}

func saleEvent(kind model.EventKind, block, logIndex uint64, tx string, payload model.EventPayload) model.ChainEvent {
	return model.ChainEvent{
		ID:          model.EventID{ChainID: chainID, TxHash: tx, LogIndex: logIndex},
		Contract:    launchpad,
		Class:       model.ClassSale,
		Kind:        kind,
		BlockNumber: block,
		BlockHash:   "0xblock" + tx,
		Timestamp:   1700000000 + block,
		Source:      model.SourceLog,
		Confirmed:   true,
		Payload:     payload,
	}
}

func launched(block uint64) model.ChainEvent {
	return saleEvent(model.KindTokenLaunched, block, 0, "0xlaunch", model.TokenLaunchedData{
		Round:     roundAddr,
		Token:     tokenAddr,
		Creator:   contributor,
		Softcap:   big.NewInt(1_000),
		StartTime: 1700000000,
		EndTime:   1700086400,
	})
}

func contributed(block, logIndex uint64, tx string, amount, total int64) model.ChainEvent {
	return saleEvent(model.KindContributed, block, logIndex, tx, model.ContributedData{
		Round:       roundAddr,
		Contributor: contributor,
		Referrer:    referrer,
		Amount:      big.NewInt(amount),
		TotalRaised: big.NewInt(total),
	})
}

func statusChanged(block uint64, tx string, status model.RoundStatus) model.ChainEvent {
	return saleEvent(model.KindRoundStatusChanged, block, 0, tx, model.RoundStatusChangedData{Round: roundAddr, Status: status})
}

func stepCompleted(block uint64, tx string, step model.FinalizeStep) model.ChainEvent {
	return saleEvent(model.KindFinalizeStepCompleted, block, 0, tx, model.FinalizeStepCompletedData{Round: roundAddr, Step: step})
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, 0)
	batch := []model.ChainEvent{
		launched(10),
		contributed(11, 0, "0xc1", 500, 500),
		contributed(12, 3, "0xc2", 700, 1200),
		statusChanged(13, "0xs1", model.RoundLive),
	}

	first := f.apply(batch...)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied, OutcomeApplied, OutcomeApplied}, first)
	roundBefore := f.round()
	entriesBefore := f.store.LedgerEntries()

	second := f.apply(batch...)
	for _, outcome := range second {
		assert.Equal(t, OutcomeAlreadyApplied, outcome)
	}

	roundAfter := f.round()
	assert.Equal(t, roundBefore.ID, roundAfter.ID)
	assert.Equal(t, "1200", roundAfter.TotalRaised.String())
	assert.Equal(t, model.RoundLive, roundAfter.Status)
	assert.Len(t, f.store.Contributions(roundAfter.ID), 2)
	assert.Equal(t, entriesBefore, f.store.LedgerEntries())
	assert.Len(t, entriesBefore, 2)
	assert.Empty(t, f.store.Anomalies())
}

func TestContributionBeforeRoundIsHeld(t *testing.T) {
	f := newFixture(t, 0)
	c := contributed(11, 0, "0xc1", 500, 500)

	assert.Equal(t, []Outcome{OutcomeHeld}, f.apply(c))
	assert.Empty(t, f.store.LedgerEntries())

	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(launched(10)))

	got := f.contribution(c.ID)
	assert.Equal(t, model.ContributionConfirmed, got.Status)
	assert.Equal(t, "500", got.Amount.String())
	assert.Equal(t, "500", f.round().TotalRaised.String())
	assert.Len(t, f.store.LedgerEntries(), 1)

	assert.Equal(t, []Outcome{OutcomeAlreadyApplied}, f.apply(c))
}

func TestStatusRegressionIsFlagged(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(launched(10), statusChanged(11, "0xs1", model.RoundLive), statusChanged(12, "0xs2", model.RoundEnded))

	outcomes := f.apply(statusChanged(13, "0xs3", model.RoundLive))
	assert.Equal(t, []Outcome{OutcomeAnomaly}, outcomes)

	r := f.round()
	assert.Equal(t, model.RoundEnded, r.Status)
	assert.True(t, r.Flagged)

	anomalies := f.store.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyStatusRegression, anomalies[0].Kind)
	assert.Equal(t, roundAddr, anomalies[0].Subject)
}

func TestCancelAfterSuccessIsRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(
		launched(10),
		contributed(11, 0, "0xc1", 500, 500),
		statusChanged(12, "0xs1", model.RoundEnded),
		statusChanged(13, "0xs2", model.RoundSuccess),
	)
	entries := f.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryConfirmed, entries[0].Status)

	cancel := saleEvent(model.KindRoundCancelled, 14, 0, "0xcancel", model.RoundCancelledData{Round: roundAddr})
	assert.Equal(t, []Outcome{OutcomeAnomaly}, f.apply(cancel))
	assert.Equal(t, model.RoundSuccess, f.round().Status)
	assert.False(t, f.store.LedgerEntries()[0].Invalidated)
}

func TestCancelInvalidatesRewards(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(launched(10), contributed(11, 0, "0xc1", 500, 500))

	cancel := saleEvent(model.KindRoundCancelled, 12, 0, "0xcancel", model.RoundCancelledData{Round: roundAddr})
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(cancel))
	assert.Equal(t, model.RoundCancelled, f.round().Status)
	assert.True(t, f.store.LedgerEntries()[0].Invalidated)
}

func TestPendingContributionIsPromoted(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(launched(10))

	pending := contributed(20, 1, "0xc1", 500, 500)
	pending.Confirmed = false
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(pending))
	assert.Equal(t, model.ContributionPending, f.contribution(pending.ID).Status)
	assert.Empty(t, f.store.LedgerEntries())
	assert.Equal(t, "0", f.round().TotalRaised.String())

	assert.Equal(t, []Outcome{OutcomeAlreadyApplied}, f.apply(pending))

	confirmed := pending
	confirmed.Confirmed = true
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(confirmed))
	assert.Equal(t, model.ContributionConfirmed, f.contribution(pending.ID).Status)
	assert.Len(t, f.store.LedgerEntries(), 1)
	assert.Equal(t, "500", f.round().TotalRaised.String())

	assert.Equal(t, []Outcome{OutcomeAlreadyApplied}, f.apply(confirmed))
}

func TestUnconfirmedStatusIsDeferred(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(launched(10))

	ev := statusChanged(11, "0xs1", model.RoundLive)
	ev.Confirmed = false
	assert.Equal(t, []Outcome{OutcomeDeferred}, f.apply(ev))
	assert.Equal(t, model.RoundUpcoming, f.round().Status)
}

func TestContributionSumAboveTotalIsFlagged(t *testing.T) {
	f := newFixture(t, 10)
	f.apply(launched(10))

	outcomes := f.apply(
		contributed(11, 0, "0xc1", 500, 500),
		contributed(12, 0, "0xc2", 500, 990),
	)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied}, outcomes)
	assert.False(t, f.round().Flagged)

	outcomes = f.apply(contributed(13, 0, "0xc3", 100, 1000))
	assert.Equal(t, []Outcome{OutcomeAnomaly}, outcomes)

	r := f.round()
	assert.True(t, r.Flagged)
	assert.Equal(t, "1000", r.TotalRaised.String())
	assert.Len(t, f.store.Contributions(r.ID), 3)

	anomalies := f.store.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyContributionSum, anomalies[0].Kind)
}

func TestFinalizeBeforeEndIsAnomaly(t *testing.T) {
	f := newFixture(t, 0)
	f.apply(launched(10), statusChanged(11, "0xs1", model.RoundLive))

	assert.Equal(t, []Outcome{OutcomeAnomaly}, f.apply(stepCompleted(12, "0xf1", model.StepFeeDistributed)))
	assert.Equal(t, model.StepNone, f.round().FinalizeStep)

	f.apply(statusChanged(13, "0xs2", model.RoundEnded))
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(stepCompleted(14, "0xf2", model.StepFeeDistributed)))
	assert.Equal(t, model.StepFeeDistributed, f.round().FinalizeStep)

	assert.Equal(t, []Outcome{OutcomeAnomaly}, f.apply(stepCompleted(15, "0xf3", model.StepNone)))
	assert.Equal(t, model.StepFeeDistributed, f.round().FinalizeStep)
}

func TestBondingAndVerification(t *testing.T) {
	f := newFixture(t, 0)
	bonding := func(kind model.EventKind, block uint64, tx string, payload model.EventPayload) model.ChainEvent {
		ev := saleEvent(kind, block, 0, tx, payload)
		ev.Class = model.ClassBonding
		return ev
	}
	buy := bonding(model.KindTokensPurchased, 21, "0xb1", model.TokensPurchasedData{
		Pool: poolAddr, Buyer: contributor, Referrer: referrer, AmountIn: big.NewInt(2_000), TokensOut: big.NewInt(10),
	})

	assert.Equal(t, []Outcome{OutcomeHeld}, f.apply(buy))
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(bonding(model.KindPoolCreated, 20, "0xp1", model.PoolCreatedData{
		Pool: poolAddr, Token: tokenAddr, Creator: contributor,
	})))

	entries := f.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.SourceBonding, entries[0].SourceType)
	assert.Equal(t, "10", entries[0].Amount.String())

	check := saleEvent(model.KindBlueCheckPurchased, 22, 0, "0xv1", model.BlueCheckPurchasedData{
		Buyer: contributor, Referrer: model.ZeroAddress, Fee: big.NewInt(1_000), ExpiresAt: 1800000000,
	})
	check.Class = model.ClassVerification
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(check))

	require.NoError(t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		v, err := tx.GetVerification(context.Background(), contributor)
		if err != nil {
			return err
		}
		assert.Equal(t, model.VerificationActive, v.Status)
		assert.Equal(t, check.ID.String(), v.TriggerID)

		p, err := tx.GetPool(context.Background(), chainID, poolAddr)
		if err != nil {
			return err
		}
		assert.Equal(t, "2000", p.TotalVolume.String())
		assert.Equal(t, uint64(1), p.TradeCount)
		return nil
	}))

	// the relationship created by the purchase makes the blue check reward owed too
	assert.Len(t, f.store.LedgerEntries(), 2)
}

func TestReorgRevertsDroppedContribution(t *testing.T) {
	f := newFixture(t, 0)
	part := model.Partition{ChainID: chainID, Contract: launchpad, Class: model.ClassSale}

	c := contributed(11, 0, "0xc1", 500, 500)
	f.apply(launched(10), c)
	require.Equal(t, model.ContributionConfirmed, f.contribution(c.ID).Status)

	require.NoError(t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		orphaned, err := tx.OrphanAppliedEvents(context.Background(), part, 11)
		if err != nil {
			return err
		}
		require.Len(t, orphaned, 1)
		return f.rec.InvalidateOrphaned(context.Background(), tx, orphaned)
	}))

	assert.Equal(t, model.ContributionReverted, f.contribution(c.ID).Status)
	entries := f.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Invalidated)

	// N' re-includes the same transaction in a different block
	replayed := c
	replayed.BlockHash = "0xblock-prime"
	assert.Equal(t, []Outcome{OutcomeApplied}, f.apply(replayed))

	got := f.contribution(c.ID)
	assert.Equal(t, model.ContributionConfirmed, got.Status)
	assert.Equal(t, "0xblock-prime", got.BlockHash)
	entries = f.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Invalidated)
}

func TestReorgOfRoundEventFlagsRound(t *testing.T) {
	f := newFixture(t, 0)
	part := model.Partition{ChainID: chainID, Contract: launchpad, Class: model.ClassSale}
	f.apply(launched(10), statusChanged(11, "0xs1", model.RoundLive))

	require.NoError(t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		orphaned, err := tx.OrphanAppliedEvents(context.Background(), part, 11)
		if err != nil {
			return err
		}
		return f.rec.InvalidateOrphaned(context.Background(), tx, orphaned)
	}))

	r := f.round()
	assert.Equal(t, model.RoundLive, r.Status)
	assert.True(t, r.Flagged)
	anomalies := f.store.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyOrphanedRoundEvent, anomalies[0].Kind)
}
