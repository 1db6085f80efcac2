package model

import (
	"fmt"
	"time"
)

// Partition is the unit of in-order consumption: one event class of one contract on one chain.
type Partition struct {
	ChainID  uint64     `json:"chain_id"`
	Contract string     `json:"contract"`
	Class    EventClass `json:"class"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%d/%s/%s", p.ChainID, NormalizeAddress(p.Contract), p.Class)
}

// Cursor is the last safely processed position of a partition.
// LastLogIndex is -1 when the block was scanned without applying an event in it.
type Cursor struct {
	Partition    Partition `json:"partition"`
	LastBlock    uint64    `json:"last_block"`
	LastLogIndex int64     `json:"last_log_index"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Covers reports whether the position is at or before the cursor.
func (c Cursor) Covers(block uint64, logIndex uint64) bool {
	if block != c.LastBlock {
		return block < c.LastBlock
	}
	return int64(logIndex) <= c.LastLogIndex
}

// Advance returns the cursor moved to a later position. Earlier positions are ignored.
func (c Cursor) Advance(block uint64, logIndex int64) Cursor {
	if block < c.LastBlock || (block == c.LastBlock && logIndex <= c.LastLogIndex) {
		return c
	}
	c.LastBlock = block
	c.LastLogIndex = logIndex
	return c
}

// Rewind returns the cursor moved back to toBlock, dropping progress past it.
func (c Cursor) Rewind(toBlock uint64) Cursor {
	if toBlock >= c.LastBlock {
		return c
	}
	c.LastBlock = toBlock
	c.LastLogIndex = -1
	return c
}

// AppliedEvent records that an event's mutations were committed.
type AppliedEvent struct {
	ID        EventID   `json:"id"`
	Partition Partition `json:"partition"`
	Kind      EventKind `json:"kind"`
	// Ref is the natural key of the row the event mutated: round, pool, or buyer wallet.
	Ref         string `json:"ref"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	Confirmed   bool   `json:"confirmed"`
	// Orphaned marks events whose block left the canonical chain; they may be applied again.
	Orphaned  bool      `json:"orphaned"`
	AppliedAt time.Time `json:"applied_at"`
}
