package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/jackc/pgx/v5"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

type pgTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *pgTx) GetCursor(ctx context.Context, p model.Partition) (model.Cursor, error) {
	cur := model.Cursor{Partition: p}
	var lastBlock int64
	err := t.tx.QueryRow(ctx, `
		SELECT last_block, last_log_index, updated_at
		FROM reconcile_cursors
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3
	`, int64(p.ChainID), p.Contract, string(p.Class)).Scan(&lastBlock, &cur.LastLogIndex, &cur.UpdatedAt)
	if err != nil {
		return model.Cursor{}, notFound(err)
	}
	cur.LastBlock = uint64(lastBlock)
	return cur, nil
}

func (t *pgTx) SaveCursor(ctx context.Context, c model.Cursor) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reconcile_cursors (chain_id, contract, event_class, last_block, last_log_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (chain_id, contract, event_class)
		DO UPDATE SET last_block = EXCLUDED.last_block, last_log_index = EXCLUDED.last_log_index, updated_at = now()
	`, int64(c.Partition.ChainID), c.Partition.Contract, string(c.Partition.Class), int64(c.LastBlock), c.LastLogIndex)
	return err
}

func (t *pgTx) PutBlockHash(ctx context.Context, p model.Partition, ref model.BlockRef) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reconcile_block_hashes (chain_id, contract, event_class, block_number, block_hash, block_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, contract, event_class, block_number)
		DO UPDATE SET block_hash = EXCLUDED.block_hash, block_time = EXCLUDED.block_time
	`, int64(p.ChainID), p.Contract, string(p.Class), int64(ref.Number), ref.Hash, int64(ref.Timestamp))
	return err
}

func (t *pgTx) ListBlockHashes(ctx context.Context, p model.Partition, fromBlock uint64) ([]model.BlockRef, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT block_number, block_hash, block_time
		FROM reconcile_block_hashes
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3 AND block_number >= $4
		ORDER BY block_number
	`, int64(p.ChainID), p.Contract, string(p.Class), int64(fromBlock))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.BlockRef, 0)
	for rows.Next() {
		var number, ts int64
		var ref model.BlockRef
		if err := rows.Scan(&number, &ref.Hash, &ts); err != nil {
			return nil, err
		}
		ref.Number, ref.Timestamp = uint64(number), uint64(ts)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (t *pgTx) DeleteBlockHashes(ctx context.Context, p model.Partition, fromBlock uint64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM reconcile_block_hashes
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3 AND block_number >= $4
	`, int64(p.ChainID), p.Contract, string(p.Class), int64(fromBlock))
	return err
}

func (t *pgTx) PruneBlockHashes(ctx context.Context, p model.Partition, belowBlock uint64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM reconcile_block_hashes
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3 AND block_number < $4
	`, int64(p.ChainID), p.Contract, string(p.Class), int64(belowBlock))
	return err
}

const appliedEventColumns = `chain_id, tx_hash, log_index, contract, event_class, event_kind, ref, block_number, block_hash, confirmed, orphaned, applied_at`

func scanAppliedEvent(row rowScanner) (model.AppliedEvent, error) {
	var (
		ev                          model.AppliedEvent
		chainID, logIndex, blockNum int64
		contract, class, kind       string
	)
	if err := row.Scan(&chainID, &ev.ID.TxHash, &logIndex, &contract, &class, &kind, &ev.Ref, &blockNum, &ev.BlockHash, &ev.Confirmed, &ev.Orphaned, &ev.AppliedAt); err != nil {
		return model.AppliedEvent{}, err
	}
	ev.ID.ChainID, ev.ID.LogIndex = uint64(chainID), uint64(logIndex)
	ev.Partition = model.Partition{ChainID: uint64(chainID), Contract: contract, Class: model.EventClass(class)}
	ev.Kind = model.EventKind(kind)
	ev.BlockNumber = uint64(blockNum)
	return ev, nil
}

func (t *pgTx) GetAppliedEvent(ctx context.Context, id model.EventID) (model.AppliedEvent, error) {
	ev, err := scanAppliedEvent(t.tx.QueryRow(ctx, `
		SELECT `+appliedEventColumns+`
		FROM applied_events
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(id.ChainID), id.TxHash, int64(id.LogIndex)))
	if err != nil {
		return model.AppliedEvent{}, notFound(err)
	}
	return ev, nil
}

func (t *pgTx) PutAppliedEvent(ctx context.Context, ev model.AppliedEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO applied_events (`+appliedEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (chain_id, tx_hash, log_index)
		DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			confirmed = EXCLUDED.confirmed,
			orphaned = EXCLUDED.orphaned,
			applied_at = now()
	`,
		int64(ev.ID.ChainID),
		ev.ID.TxHash,
		int64(ev.ID.LogIndex),
		ev.Partition.Contract,
		string(ev.Partition.Class),
		string(ev.Kind),
		model.NormalizeAddress(ev.Ref),
		int64(ev.BlockNumber),
		ev.BlockHash,
		ev.Confirmed,
		ev.Orphaned,
	)
	return err
}

func (t *pgTx) OrphanAppliedEvents(ctx context.Context, p model.Partition, fromBlock uint64) ([]model.AppliedEvent, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE applied_events SET orphaned = true
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3 AND block_number >= $4 AND NOT orphaned
		RETURNING `+appliedEventColumns,
		int64(p.ChainID), p.Contract, string(p.Class), int64(fromBlock))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AppliedEvent, 0)
	for rows.Next() {
		ev, err := scanAppliedEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortApplied(out)
	return out, nil
}

func sortApplied(events []model.AppliedEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].ID.LogIndex < events[j].ID.LogIndex
	})
}

func (t *pgTx) HoldEvent(ctx context.Context, subject string, ev model.ChainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal held event: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO held_events (chain_id, tx_hash, log_index, subject, contract, event_class, block_number, event, held_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (chain_id, tx_hash, log_index)
		DO UPDATE SET event = EXCLUDED.event, block_number = EXCLUDED.block_number
	`, int64(ev.ID.ChainID), ev.ID.TxHash, int64(ev.ID.LogIndex), model.NormalizeAddress(subject),
		ev.Contract, string(ev.Class), int64(ev.BlockNumber), payload)
	return err
}

func (t *pgTx) DeleteHeldEvents(ctx context.Context, p model.Partition, fromBlock uint64) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM held_events
		WHERE chain_id = $1 AND contract = $2 AND event_class = $3 AND block_number >= $4
	`, int64(p.ChainID), p.Contract, string(p.Class), int64(fromBlock))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ReleaseHeldEvents(ctx context.Context, chainID uint64, subject string) ([]model.ChainEvent, error) {
	rows, err := t.tx.Query(ctx, `
		DELETE FROM held_events
		WHERE chain_id = $1 AND subject = $2
		RETURNING event
	`, int64(chainID), model.NormalizeAddress(subject))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ChainEvent, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev model.ChainEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode held event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (t *pgTx) Quarantine(ctx context.Context, ev model.QuarantinedEvent) error {
	data := ev.Data
	if data == nil {
		data = []byte{}
	}
	topics := ev.Topics
	if topics == nil {
		topics = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO quarantined_events (chain_id, tx_hash, log_index, contract, block_number, topic0, topics, data, error, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, int64(ev.ChainID), ev.TxHash, int64(ev.LogIndex), ev.Contract, int64(ev.BlockNumber), ev.Topic0, topics, data, ev.Error)
	return err
}

func (t *pgTx) ListQuarantined(ctx context.Context, chainID uint64, limit int) ([]model.QuarantinedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT chain_id, tx_hash, log_index, contract, block_number, topic0, topics, data, error, quarantined_at
		FROM quarantined_events
		WHERE $1 = 0 OR chain_id = $1
		ORDER BY quarantined_at, chain_id, block_number, log_index
		LIMIT $2
	`, int64(chainID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.QuarantinedEvent, 0)
	for rows.Next() {
		var (
			q                         model.QuarantinedEvent
			chain, logIndex, blockNum int64
		)
		if err := rows.Scan(&chain, &q.TxHash, &logIndex, &q.Contract, &blockNum, &q.Topic0, &q.Topics, &q.Data, &q.Error, &q.QuarantinedAt); err != nil {
			return nil, err
		}
		q.ChainID, q.LogIndex, q.BlockNumber = uint64(chain), uint64(logIndex), uint64(blockNum)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (t *pgTx) RecordAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reconcile_anomalies (chain_id, subject, kind, detail, tx_hash, log_index, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, int64(a.ChainID), a.Subject, string(a.Kind), a.Detail, a.TxHash, int64(a.LogIndex))
	return err
}

const roundColumns = `id::text, chain_id, contract_address, launchpad, token_address, creator, status, finalize_step,
	total_raised::text, softcap::text, start_time, end_time, flagged, finalize_updated_at, created_at, updated_at`

func scanRound(row rowScanner) (model.Round, error) {
	var (
		r                    model.Round
		chainID              int64
		status, step         string
		totalRaised, softcap string
	)
	if err := row.Scan(&r.ID, &chainID, &r.ContractAddress, &r.Launchpad, &r.TokenAddress, &r.Creator, &status, &step,
		&totalRaised, &softcap, &r.StartTime, &r.EndTime, &r.Flagged, &r.FinalizeUpdatedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Round{}, err
	}
	r.ChainID = uint64(chainID)
	r.Status = model.RoundStatus(status)
	r.FinalizeStep = model.FinalizeStep(step)
	var err error
	if r.TotalRaised, err = parseNumeric(totalRaised); err != nil {
		return model.Round{}, err
	}
	if r.Softcap, err = parseNumeric(softcap); err != nil {
		return model.Round{}, err
	}
	return r, nil
}

func (t *pgTx) GetRound(ctx context.Context, chainID uint64, address string) (model.Round, error) {
	r, err := scanRound(t.tx.QueryRow(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE chain_id = $1 AND contract_address = $2
	`, int64(chainID), model.NormalizeAddress(address)))
	if err != nil {
		return model.Round{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) InsertRound(ctx context.Context, r model.Round) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rounds (
			id, chain_id, contract_address, launchpad, token_address, creator, status, finalize_step,
			total_raised, softcap, start_time, end_time, flagged, finalize_updated_at, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14, now(), now())
	`,
		r.ID,
		int64(r.ChainID),
		model.NormalizeAddress(r.ContractAddress),
		model.NormalizeAddress(r.Launchpad),
		r.TokenAddress,
		r.Creator,
		string(r.Status),
		string(r.FinalizeStep),
		numeric(r.TotalRaised),
		numeric(r.Softcap),
		r.StartTime,
		r.EndTime,
		r.Flagged,
		r.FinalizeUpdatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	return err
}

func (t *pgTx) UpdateRound(ctx context.Context, r model.Round) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE rounds SET
			status = $3,
			finalize_step = $4,
			total_raised = $5::numeric,
			flagged = $6,
			finalize_updated_at = $7,
			updated_at = now()
		WHERE chain_id = $1 AND contract_address = $2
	`,
		int64(r.ChainID),
		model.NormalizeAddress(r.ContractAddress),
		string(r.Status),
		string(r.FinalizeStep),
		numeric(r.TotalRaised),
		r.Flagged,
		r.FinalizeUpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListOpenFinalizations(ctx context.Context, chainID uint64) ([]model.Round, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE chain_id = $1 AND status IN ($2, $3) AND finalize_step <> $4
		ORDER BY contract_address
	`, int64(chainID), string(model.RoundEnded), string(model.RoundSuccess), string(model.StepFundsDistributed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Round, 0)
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const contributionColumns = `chain_id, tx_hash, log_index, round_id::text, contributor_wallet, amount::text, status, block_number, block_hash, created_at, updated_at`

func scanContribution(row rowScanner) (model.Contribution, error) {
	var (
		c                           model.Contribution
		chainID, logIndex, blockNum int64
		amount, status              string
	)
	if err := row.Scan(&chainID, &c.TxHash, &logIndex, &c.RoundID, &c.ContributorWallet, &amount, &status, &blockNum, &c.BlockHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.Contribution{}, err
	}
	c.ChainID, c.LogIndex, c.BlockNumber = uint64(chainID), uint64(logIndex), uint64(blockNum)
	c.Status = model.ContributionStatus(status)
	var err error
	if c.Amount, err = parseNumeric(amount); err != nil {
		return model.Contribution{}, err
	}
	return c, nil
}

func (t *pgTx) GetContribution(ctx context.Context, id model.EventID) (model.Contribution, error) {
	c, err := scanContribution(t.tx.QueryRow(ctx, `
		SELECT `+contributionColumns+`
		FROM contributions
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(id.ChainID), id.TxHash, int64(id.LogIndex)))
	if err != nil {
		return model.Contribution{}, notFound(err)
	}
	return c, nil
}

func (t *pgTx) InsertContribution(ctx context.Context, c model.Contribution) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contributions (
			chain_id, tx_hash, log_index, round_id, contributor_wallet, amount, status, block_number, block_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4::uuid, $5, $6::numeric, $7, $8, $9, now(), now())
	`,
		int64(c.ChainID),
		c.TxHash,
		int64(c.LogIndex),
		c.RoundID,
		c.ContributorWallet,
		numeric(c.Amount),
		string(c.Status),
		int64(c.BlockNumber),
		c.BlockHash,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	return err
}

// UpdateContribution changes status and block reference only; amounts are immutable.
func (t *pgTx) UpdateContribution(ctx context.Context, c model.Contribution) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE contributions SET status = $4, block_number = $5, block_hash = $6, updated_at = now()
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(c.ChainID), c.TxHash, int64(c.LogIndex), string(c.Status), int64(c.BlockNumber), c.BlockHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) SumConfirmedContributions(ctx context.Context, roundID string) (*big.Int, error) {
	var sum string
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM contributions
		WHERE round_id = $1::uuid AND status = $2
	`, roundID, string(model.ContributionConfirmed)).Scan(&sum)
	if err != nil {
		return nil, err
	}
	return parseNumeric(sum)
}

func (t *pgTx) GetPool(ctx context.Context, chainID uint64, address string) (model.BondingPool, error) {
	var (
		p           model.BondingPool
		chain       int64
		tradeCount  int64
		totalVolume string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT chain_id, address, token_address, creator, total_volume::text, trade_count, created_at, updated_at
		FROM bonding_pools
		WHERE chain_id = $1 AND address = $2
	`, int64(chainID), model.NormalizeAddress(address)).Scan(&chain, &p.Address, &p.TokenAddress, &p.Creator, &totalVolume, &tradeCount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.BondingPool{}, notFound(err)
	}
	p.ChainID, p.TradeCount = uint64(chain), uint64(tradeCount)
	if p.TotalVolume, err = parseNumeric(totalVolume); err != nil {
		return model.BondingPool{}, err
	}
	return p, nil
}

func (t *pgTx) InsertPool(ctx context.Context, p model.BondingPool) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bonding_pools (chain_id, address, token_address, creator, total_volume, trade_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, now(), now())
	`, int64(p.ChainID), model.NormalizeAddress(p.Address), p.TokenAddress, p.Creator, numeric(p.TotalVolume), int64(p.TradeCount))
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	return err
}

func (t *pgTx) UpdatePool(ctx context.Context, p model.BondingPool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bonding_pools SET total_volume = $3::numeric, trade_count = $4, updated_at = now()
		WHERE chain_id = $1 AND address = $2
	`, int64(p.ChainID), model.NormalizeAddress(p.Address), numeric(p.TotalVolume), int64(p.TradeCount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetTrade(ctx context.Context, id model.EventID) (model.BondingTrade, error) {
	var (
		tr                          model.BondingTrade
		chainID, logIndex, blockNum int64
		amountIn, tokensOut         string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT chain_id, tx_hash, log_index, pool_address, buyer_wallet, amount_in::text, tokens_out::text,
			block_number, block_hash, invalidated, created_at
		FROM bonding_trades
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(id.ChainID), id.TxHash, int64(id.LogIndex)).Scan(&chainID, &tr.TxHash, &logIndex, &tr.PoolAddress, &tr.BuyerWallet,
		&amountIn, &tokensOut, &blockNum, &tr.BlockHash, &tr.Invalidated, &tr.CreatedAt)
	if err != nil {
		return model.BondingTrade{}, notFound(err)
	}
	tr.ChainID, tr.LogIndex, tr.BlockNumber = uint64(chainID), uint64(logIndex), uint64(blockNum)
	if tr.AmountIn, err = parseNumeric(amountIn); err != nil {
		return model.BondingTrade{}, err
	}
	if tr.TokensOut, err = parseNumeric(tokensOut); err != nil {
		return model.BondingTrade{}, err
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr model.BondingTrade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bonding_trades (
			chain_id, tx_hash, log_index, pool_address, buyer_wallet, amount_in, tokens_out, block_number, block_hash, invalidated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, now())
	`,
		int64(tr.ChainID),
		tr.TxHash,
		int64(tr.LogIndex),
		model.NormalizeAddress(tr.PoolAddress),
		tr.BuyerWallet,
		numeric(tr.AmountIn),
		numeric(tr.TokensOut),
		int64(tr.BlockNumber),
		tr.BlockHash,
		tr.Invalidated,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	return err
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr model.BondingTrade) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bonding_trades SET invalidated = $4, block_number = $5, block_hash = $6
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(tr.ChainID), tr.TxHash, int64(tr.LogIndex), tr.Invalidated, int64(tr.BlockNumber), tr.BlockHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetVerification(ctx context.Context, userID string) (model.VerificationState, error) {
	var (
		v       model.VerificationState
		chainID int64
		status  string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, chain_id, status, trigger_id, expires_at, updated_at
		FROM verification_states
		WHERE user_id = $1
	`, userID).Scan(&v.UserID, &chainID, &status, &v.TriggerID, &v.ExpiresAt, &v.UpdatedAt)
	if err != nil {
		return model.VerificationState{}, notFound(err)
	}
	v.ChainID = uint64(chainID)
	v.Status = model.VerificationStatus(status)
	return v, nil
}

func (t *pgTx) UpsertVerification(ctx context.Context, v model.VerificationState) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO verification_states (user_id, chain_id, status, trigger_id, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id)
		DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			status = EXCLUDED.status,
			trigger_id = EXCLUDED.trigger_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, v.UserID, int64(v.ChainID), string(v.Status), v.TriggerID, v.ExpiresAt)
	return err
}

func (t *pgTx) ResolveUser(ctx context.Context, wallet string) (string, error) {
	wallet = model.NormalizeAddress(wallet)
	var userID string
	err := t.tx.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO wallets (address, user_id, created_at)
			VALUES ($1, $1, now())
			ON CONFLICT (address) DO NOTHING
			RETURNING user_id
		)
		SELECT user_id FROM inserted
		UNION ALL
		SELECT user_id FROM wallets WHERE address = $1
		LIMIT 1
	`, wallet).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("resolve wallet %s: %w", wallet, err)
	}
	return userID, nil
}

func (t *pgTx) GetRelationship(ctx context.Context, refereeID string) (model.ReferralRelationship, error) {
	var rel model.ReferralRelationship
	err := t.tx.QueryRow(ctx, `
		SELECT referee_id, referrer_id, is_active, created_at
		FROM referral_relationships
		WHERE referee_id = $1
	`, refereeID).Scan(&rel.RefereeID, &rel.ReferrerID, &rel.IsActive, &rel.CreatedAt)
	if err != nil {
		return model.ReferralRelationship{}, notFound(err)
	}
	return rel, nil
}

func (t *pgTx) InsertRelationship(ctx context.Context, rel model.ReferralRelationship) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO referral_relationships (referee_id, referrer_id, is_active, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (referee_id) DO NOTHING
	`, rel.RefereeID, rel.ReferrerID, rel.IsActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const ledgerColumns = `id::text, idempotency_key, referrer_id, referee_id, source_type, source_ref, trigger_id,
	amount::text, chain_id, status, invalidated, scale_corrected, corrected_at, created_at, updated_at`

func scanLedgerEntry(row rowScanner) (model.ReferralLedgerEntry, error) {
	var (
		e                      model.ReferralLedgerEntry
		source, amount, status string
		chainID                int64
	)
	if err := row.Scan(&e.ID, &e.IdempotencyKey, &e.ReferrerID, &e.RefereeID, &source, &e.SourceRef, &e.TriggerID,
		&amount, &chainID, &status, &e.Invalidated, &e.ScaleCorrected, &e.CorrectedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return model.ReferralLedgerEntry{}, err
	}
	e.SourceType = model.SourceType(source)
	e.Status = model.EntryStatus(status)
	e.ChainID = uint64(chainID)
	var err error
	if e.Amount, err = parseNumeric(amount); err != nil {
		return model.ReferralLedgerEntry{}, err
	}
	return e, nil
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, key string) (model.ReferralLedgerEntry, error) {
	e, err := scanLedgerEntry(t.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM referral_ledger_entries
		WHERE idempotency_key = $1
	`, key))
	if err != nil {
		return model.ReferralLedgerEntry{}, notFound(err)
	}
	return e, nil
}

// InsertLedgerEntry relies on the unique idempotency_key constraint so concurrent partitions
// crediting the same referrer cannot both insert.
func (t *pgTx) InsertLedgerEntry(ctx context.Context, e model.ReferralLedgerEntry) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO referral_ledger_entries (
			id, idempotency_key, referrer_id, referee_id, source_type, source_ref, trigger_id,
			amount, chain_id, status, invalidated, scale_corrected, corrected_at, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		e.ID,
		e.IdempotencyKey,
		e.ReferrerID,
		e.RefereeID,
		string(e.SourceType),
		e.SourceRef,
		e.TriggerID,
		numeric(e.Amount),
		int64(e.ChainID),
		string(e.Status),
		e.Invalidated,
		e.ScaleCorrected,
		e.CorrectedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) UpdateLedgerEntry(ctx context.Context, e model.ReferralLedgerEntry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE referral_ledger_entries SET
			amount = $2::numeric,
			status = $3,
			invalidated = $4,
			scale_corrected = $5,
			corrected_at = $6,
			updated_at = now()
		WHERE idempotency_key = $1
	`, e.IdempotencyKey, numeric(e.Amount), string(e.Status), e.Invalidated, e.ScaleCorrected, e.CorrectedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) queryLedgerEntries(ctx context.Context, where string, args ...any) ([]model.ReferralLedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM referral_ledger_entries
		WHERE `+where+`
		ORDER BY idempotency_key
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ReferralLedgerEntry, 0)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListLedgerEntriesByTrigger(ctx context.Context, triggerID string) ([]model.ReferralLedgerEntry, error) {
	return t.queryLedgerEntries(ctx, `trigger_id = $1`, triggerID)
}

func (t *pgTx) ListLedgerEntriesBySourceRef(ctx context.Context, source model.SourceType, chainID uint64, sourceRef string) ([]model.ReferralLedgerEntry, error) {
	return t.queryLedgerEntries(ctx, `source_type = $1 AND chain_id = $2 AND source_ref = $3`,
		string(source), int64(chainID), model.NormalizeAddress(sourceRef))
}

func (t *pgTx) ListScaleCandidates(ctx context.Context, source model.SourceType, chainID uint64, threshold *big.Int) ([]model.ReferralLedgerEntry, error) {
	return t.queryLedgerEntries(ctx, `source_type = $1 AND chain_id = $2 AND NOT scale_corrected AND amount > 0 AND amount < $3::numeric`,
		string(source), int64(chainID), numeric(threshold))
}

var auditCandidateQueries = map[model.SourceType]string{
	model.SourceBlueCheck: `
		SELECT v.user_id, r.referrer_id, v.trigger_id, v.chain_id
		FROM verification_states v
		JOIN referral_relationships r ON r.referee_id = v.user_id AND r.is_active
		WHERE v.status = 'ACTIVE' AND v.expires_at > now()
		ORDER BY v.trigger_id`,
	model.SourceBonding: `
		SELECT COALESCE(w.user_id, t.buyer_wallet), r.referrer_id,
			t.chain_id::text || ':' || t.tx_hash || ':' || t.log_index::text, t.chain_id
		FROM bonding_trades t
		LEFT JOIN wallets w ON w.address = t.buyer_wallet
		JOIN referral_relationships r ON r.referee_id = COALESCE(w.user_id, t.buyer_wallet) AND r.is_active
		WHERE NOT t.invalidated
		ORDER BY 3`,
	model.SourceFairlaunch: `
		SELECT COALESCE(w.user_id, c.contributor_wallet), r.referrer_id,
			c.chain_id::text || ':' || c.tx_hash || ':' || c.log_index::text, c.chain_id
		FROM contributions c
		LEFT JOIN wallets w ON w.address = c.contributor_wallet
		JOIN referral_relationships r ON r.referee_id = COALESCE(w.user_id, c.contributor_wallet) AND r.is_active
		WHERE c.status = 'CONFIRMED'
		ORDER BY 3`,
}

func (t *pgTx) ListAuditCandidates(ctx context.Context, source model.SourceType) ([]model.AuditCandidate, error) {
	query, ok := auditCandidateQueries[source]
	if !ok {
		return nil, fmt.Errorf("unsupported source type: %s", source)
	}
	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AuditCandidate, 0)
	for rows.Next() {
		c := model.AuditCandidate{SourceType: source}
		var chainID int64
		if err := rows.Scan(&c.RefereeID, &c.ReferrerID, &c.TriggerID, &chainID); err != nil {
			return nil, err
		}
		c.ChainID = uint64(chainID)
		out = append(out, c)
	}
	return out, rows.Err()
}
