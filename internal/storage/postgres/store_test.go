package postgres

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStoreWithDB(mock, nil), mock
}

func TestWithTxCommitsCursor(t *testing.T) {
	store, mock := newMockStore(t)
	p := model.Partition{ChainID: 56, Contract: "0xsale", Class: model.ClassSale}
	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reconcile_cursors")).
		WithArgs(int64(56), "0xsale", "sale").
		WillReturnRows(pgxmock.NewRows([]string{"last_block", "last_log_index", "updated_at"}).
			AddRow(int64(100), int64(3), updated))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reconcile_cursors")).
		WithArgs(int64(56), "0xsale", "sale", int64(120), int64(-1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		cur, err := tx.GetCursor(context.Background(), p)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(100), cur.LastBlock)
		assert.Equal(t, int64(3), cur.LastLogIndex)
		cur.LastBlock, cur.LastLogIndex = 120, -1
		return tx.SaveCursor(context.Background(), cur)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM rounds")).
		WithArgs(int64(56), "0xabc").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.GetRound(context.Background(), 56, "0xABC")
		return err
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLedgerEntryDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	entry := model.ReferralLedgerEntry{
		ID:             "7f1c3d7e-6d0e-4a4c-9d1f-6b2f8c9e0a11",
		IdempotencyKey: "0xkey",
		ReferrerID:     "0xreferrer",
		RefereeID:      "0xreferee",
		SourceType:     model.SourceBonding,
		SourceRef:      "0xpool",
		TriggerID:      "56:0xtx:1",
		Amount:         big.NewInt(500),
		ChainID:        56,
		Status:         model.EntryPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO referral_ledger_entries")).
		WithArgs(entry.ID, "0xkey", "0xreferrer", "0xreferee", "BONDING", "0xpool", "56:0xtx:1",
			"500", int64(56), "PENDING", false, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertLedgerEntry(context.Background(), entry)
	})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRoundUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rounds")).
		WithArgs("7f1c3d7e-6d0e-4a4c-9d1f-6b2f8c9e0a12", int64(56), "0xround", "", "", "",
			"UPCOMING", "NONE", "0", "0", pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertRound(context.Background(), model.Round{
			ID:              "7f1c3d7e-6d0e-4a4c-9d1f-6b2f8c9e0a12",
			ChainID:         56,
			ContractAddress: "0xround",
			Status:          model.RoundUpcoming,
			FinalizeStep:    model.StepNone,
		})
	})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumConfirmedContributionsParsesNumeric(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM contributions")).
		WithArgs("round-1", "CONFIRMED").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow("123456789012345678901234567890"))
	mock.ExpectCommit()

	var sum *big.Int
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		sum, err = tx.SumConfirmedContributions(context.Background(), "round-1")
		return err
	})
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	assert.Equal(t, 0, sum.Cmp(want))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRelationshipReportsCreated(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO referral_relationships")).
		WithArgs("0xreferee", "0xreferrer", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO referral_relationships")).
		WithArgs("0xreferee", "0xother", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		created, err := tx.InsertRelationship(context.Background(), model.ReferralRelationship{
			RefereeID: "0xreferee", ReferrerID: "0xreferrer", IsActive: true,
		})
		if err != nil {
			return err
		}
		assert.True(t, created)
		created, err = tx.InsertRelationship(context.Background(), model.ReferralRelationship{
			RefereeID: "0xreferee", ReferrerID: "0xother", IsActive: true,
		})
		if err != nil {
			return err
		}
		assert.False(t, created)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := store.WithTx(context.Background(), func(storage.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestMigrateExecutesSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS reconcile_cursors")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditBlueCheckSkipsExpired(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE v.status = 'ACTIVE' AND v.expires_at > now()")).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "referrer_id", "trigger_id", "chain_id"}).
			AddRow("0xreferee", "0xreferrer", "56:0x01:0", int64(56)))
	mock.ExpectCommit()

	var candidates []model.AuditCandidate
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		candidates, err = tx.ListAuditCandidates(context.Background(), model.SourceBlueCheck)
		return err
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "0xreferrer", candidates[0].ReferrerID)
	assert.Equal(t, uint64(56), candidates[0].ChainID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteHeldEventsScopesToPartition(t *testing.T) {
	store, mock := newMockStore(t)
	p := model.Partition{ChainID: 56, Contract: "0xsale", Class: model.ClassSale}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM held_events")).
		WithArgs(int64(56), "0xsale", "sale", int64(12)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		dropped, err := tx.DeleteHeldEvents(context.Background(), p, 12)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, dropped)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
