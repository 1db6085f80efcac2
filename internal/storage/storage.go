package storage

import (
	"context"
	"errors"
	"math/big"

	"launchLedger/internal/model"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when an insert hits a unique constraint.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store is the off-chain relational store. All reads and writes happen inside a transaction
// so a batch of mutations and its cursor advance commit together or not at all.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	CursorStore
	EventLog
	RoundStore
	PoolStore
	ReferralStore
}

// CursorStore persists per-partition progress and the block hashes it was derived from.
type CursorStore interface {
	GetCursor(ctx context.Context, p model.Partition) (model.Cursor, error)
	SaveCursor(ctx context.Context, cursor model.Cursor) error
	PutBlockHash(ctx context.Context, p model.Partition, ref model.BlockRef) error
	// ListBlockHashes returns stored hashes at or above fromBlock, ascending.
	ListBlockHashes(ctx context.Context, p model.Partition, fromBlock uint64) ([]model.BlockRef, error)
	// DeleteBlockHashes drops stored hashes at or above fromBlock.
	DeleteBlockHashes(ctx context.Context, p model.Partition, fromBlock uint64) error
	// PruneBlockHashes drops stored hashes below belowBlock.
	PruneBlockHashes(ctx context.Context, p model.Partition, belowBlock uint64) error
}

// EventLog records which events were applied, parked, or rejected.
type EventLog interface {
	GetAppliedEvent(ctx context.Context, id model.EventID) (model.AppliedEvent, error)
	PutAppliedEvent(ctx context.Context, ev model.AppliedEvent) error
	// OrphanAppliedEvents flags the partition's applied events at or above fromBlock and returns them.
	OrphanAppliedEvents(ctx context.Context, p model.Partition, fromBlock uint64) ([]model.AppliedEvent, error)
	HoldEvent(ctx context.Context, subject string, ev model.ChainEvent) error
	// ReleaseHeldEvents removes and returns events parked on subject, in native order.
	ReleaseHeldEvents(ctx context.Context, chainID uint64, subject string) ([]model.ChainEvent, error)
	// DeleteHeldEvents drops events the partition parked at or above fromBlock.
	DeleteHeldEvents(ctx context.Context, p model.Partition, fromBlock uint64) (int, error)
	Quarantine(ctx context.Context, ev model.QuarantinedEvent) error
	ListQuarantined(ctx context.Context, chainID uint64, limit int) ([]model.QuarantinedEvent, error)
	RecordAnomaly(ctx context.Context, a model.Anomaly) error
}

// RoundStore holds rounds and their contributions.
type RoundStore interface {
	GetRound(ctx context.Context, chainID uint64, address string) (model.Round, error)
	InsertRound(ctx context.Context, r model.Round) error
	UpdateRound(ctx context.Context, r model.Round) error
	// ListOpenFinalizations returns ended or successful rounds whose settlement is not finished.
	ListOpenFinalizations(ctx context.Context, chainID uint64) ([]model.Round, error)
	GetContribution(ctx context.Context, id model.EventID) (model.Contribution, error)
	InsertContribution(ctx context.Context, c model.Contribution) error
	UpdateContribution(ctx context.Context, c model.Contribution) error
	SumConfirmedContributions(ctx context.Context, roundID string) (*big.Int, error)
}

// PoolStore holds bonding pools, trades, wallets and verification states.
type PoolStore interface {
	GetPool(ctx context.Context, chainID uint64, address string) (model.BondingPool, error)
	InsertPool(ctx context.Context, p model.BondingPool) error
	UpdatePool(ctx context.Context, p model.BondingPool) error
	GetTrade(ctx context.Context, id model.EventID) (model.BondingTrade, error)
	InsertTrade(ctx context.Context, t model.BondingTrade) error
	UpdateTrade(ctx context.Context, t model.BondingTrade) error
	GetVerification(ctx context.Context, userID string) (model.VerificationState, error)
	UpsertVerification(ctx context.Context, v model.VerificationState) error
	// ResolveUser maps a wallet to its user id, registering unseen wallets.
	ResolveUser(ctx context.Context, wallet string) (string, error)
}

// ReferralStore holds referral relationships and the reward ledger.
type ReferralStore interface {
	GetRelationship(ctx context.Context, refereeID string) (model.ReferralRelationship, error)
	// InsertRelationship creates the relationship unless the referee already has one.
	InsertRelationship(ctx context.Context, rel model.ReferralRelationship) (bool, error)
	GetLedgerEntry(ctx context.Context, idempotencyKey string) (model.ReferralLedgerEntry, error)
	// InsertLedgerEntry returns ErrDuplicateKey when the idempotency key is taken.
	InsertLedgerEntry(ctx context.Context, e model.ReferralLedgerEntry) error
	UpdateLedgerEntry(ctx context.Context, e model.ReferralLedgerEntry) error
	ListLedgerEntriesByTrigger(ctx context.Context, triggerID string) ([]model.ReferralLedgerEntry, error)
	ListLedgerEntriesBySourceRef(ctx context.Context, source model.SourceType, chainID uint64, sourceRef string) ([]model.ReferralLedgerEntry, error)
	// ListAuditCandidates returns confirmed triggering conditions whose referee has an active referrer.
	ListAuditCandidates(ctx context.Context, source model.SourceType) ([]model.AuditCandidate, error)
	// ListScaleCandidates returns uncorrected entries with 0 < amount < threshold.
	ListScaleCandidates(ctx context.Context, source model.SourceType, chainID uint64, threshold *big.Int) ([]model.ReferralLedgerEntry, error)
}
