package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := model.Partition{ChainID: 56, Contract: "0x01", Class: model.ClassSale}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.SaveCursor(ctx, model.Cursor{Partition: p, LastBlock: 10, LastLogIndex: -1}))
		require.NoError(t, tx.InsertRound(ctx, model.Round{ChainID: 56, ContractAddress: "0xAA", TotalRaised: big.NewInt(1)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.GetCursor(ctx, p)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetRound(ctx, 56, "0xaa")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestLedgerEntryKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	entry := model.ReferralLedgerEntry{IdempotencyKey: "k1", Amount: big.NewInt(10), SourceType: model.SourceBonding}

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertLedgerEntry(ctx, entry)
	}))
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertLedgerEntry(ctx, entry)
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	assert.Len(t, s.LedgerEntries(), 1)
}

func TestStoredAmountsAreNotAliased(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	amount := big.NewInt(100)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertContribution(ctx, model.Contribution{ChainID: 1, TxHash: "0x1", RoundID: "r", Amount: amount, Status: model.ContributionConfirmed})
	}))
	amount.SetInt64(5)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		sum, err := tx.SumConfirmedContributions(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, "100", sum.String())
		return nil
	}))
}

func TestHeldEventsReleaseInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	later := model.ChainEvent{ID: model.EventID{ChainID: 1, TxHash: "0xb", LogIndex: 0}, BlockNumber: 12}
	earlier := model.ChainEvent{ID: model.EventID{ChainID: 1, TxHash: "0xa", LogIndex: 3}, BlockNumber: 11}

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.HoldEvent(ctx, "0xRound", later))
		require.NoError(t, tx.HoldEvent(ctx, "0xround", earlier))
		return tx.HoldEvent(ctx, "0xround", earlier)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		events, err := tx.ReleaseHeldEvents(ctx, 1, "0xROUND")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, earlier.ID, events[0].ID)
		assert.Equal(t, later.ID, events[1].ID)

		events, err = tx.ReleaseHeldEvents(ctx, 1, "0xround")
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	}))
}

func TestOrphanAppliedEvents(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := model.Partition{ChainID: 1, Contract: "0x01", Class: model.ClassSale}
	other := model.Partition{ChainID: 1, Contract: "0x02", Class: model.ClassSale}

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		for i, part := range []model.Partition{p, p, other} {
			require.NoError(t, tx.PutAppliedEvent(ctx, model.AppliedEvent{
				ID:          model.EventID{ChainID: 1, TxHash: "0x" + string(rune('a'+i))},
				Partition:   part,
				BlockNumber: uint64(10 + i),
			}))
		}
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		orphaned, err := tx.OrphanAppliedEvents(ctx, p, 11)
		require.NoError(t, err)
		require.Len(t, orphaned, 1)
		assert.Equal(t, uint64(11), orphaned[0].BlockNumber)
		assert.True(t, orphaned[0].Orphaned)

		again, err := tx.OrphanAppliedEvents(ctx, p, 11)
		require.NoError(t, err)
		assert.Empty(t, again)
		return nil
	}))
}

func TestDeleteHeldEventsByPartition(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := model.Partition{ChainID: 1, Contract: "0x01", Class: model.ClassSale}
	event := func(tx string, contract string, block uint64) model.ChainEvent {
		return model.ChainEvent{
			ID:          model.EventID{ChainID: 1, TxHash: tx},
			Contract:    contract,
			Class:       model.ClassSale,
			BlockNumber: block,
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.HoldEvent(ctx, "0xround", event("0xa", "0x01", 10)))
		require.NoError(t, tx.HoldEvent(ctx, "0xround", event("0xb", "0x01", 12)))
		return tx.HoldEvent(ctx, "0xround", event("0xc", "0x02", 12))
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		dropped, err := tx.DeleteHeldEvents(ctx, p, 11)
		require.NoError(t, err)
		assert.Equal(t, 1, dropped)

		events, err := tx.ReleaseHeldEvents(ctx, 1, "0xround")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "0xa", events[0].ID.TxHash)
		assert.Equal(t, "0xc", events[1].ID.TxHash)
		return nil
	}))
}
