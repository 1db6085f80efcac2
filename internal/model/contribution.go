package model

import (
	"math/big"
	"time"
)

// ContributionStatus tracks how settled a contribution is.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "PENDING"
	ContributionConfirmed ContributionStatus = "CONFIRMED"
	ContributionReverted  ContributionStatus = "REVERTED"
)

// Contribution is one Contributed log applied to a round.
type Contribution struct {
	ChainID           uint64             `json:"chain_id"`
	TxHash            string             `json:"tx_hash"`
	LogIndex          uint64             `json:"log_index"`
	RoundID           string             `json:"round_id"`
	ContributorWallet string             `json:"contributor_wallet"`
	Amount            *big.Int           `json:"amount"`
	Status            ContributionStatus `json:"status"`
	BlockNumber       uint64             `json:"block_number"`
	BlockHash         string             `json:"block_hash"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// ID returns the event identity of the contribution.
func (c Contribution) ID() EventID {
	return EventID{ChainID: c.ChainID, TxHash: c.TxHash, LogIndex: c.LogIndex}
}

// BondingPool is a bonding-curve pool created by the pool manager.
type BondingPool struct {
	ChainID      uint64    `json:"chain_id"`
	Address      string    `json:"address"`
	TokenAddress string    `json:"token_address"`
	Creator      string    `json:"creator"`
	TotalVolume  *big.Int  `json:"total_volume"`
	TradeCount   uint64    `json:"trade_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BondingTrade is one buy on a bonding pool.
type BondingTrade struct {
	ChainID     uint64    `json:"chain_id"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	PoolAddress string    `json:"pool_address"`
	BuyerWallet string    `json:"buyer_wallet"`
	AmountIn    *big.Int  `json:"amount_in"`
	TokensOut   *big.Int  `json:"tokens_out"`
	BlockNumber uint64    `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	Invalidated bool      `json:"invalidated"`
	CreatedAt   time.Time `json:"created_at"`
}

// ID returns the event identity of the trade.
func (t BondingTrade) ID() EventID {
	return EventID{ChainID: t.ChainID, TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// VerificationStatus is the state of a user's verification subscription.
type VerificationStatus string

const (
	VerificationActive      VerificationStatus = "ACTIVE"
	VerificationInvalidated VerificationStatus = "INVALIDATED"
)

// VerificationState is the per-user blue check state.
type VerificationState struct {
	UserID    string             `json:"user_id"`
	ChainID   uint64             `json:"chain_id"`
	Status    VerificationStatus `json:"status"`
	TriggerID string             `json:"trigger_id"`
	ExpiresAt time.Time          `json:"expires_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
