package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EventKind is the closed set of launchpad events the reconciler understands.
type EventKind string

const (
	KindTokenLaunched         EventKind = "TokenLaunched"
	KindContributed           EventKind = "Contributed"
	KindRoundStatusChanged    EventKind = "RoundStatusChanged"
	KindFinalizeStepCompleted EventKind = "FinalizeStepCompleted"
	KindRoundCancelled        EventKind = "RoundCancelled"
	KindPoolCreated           EventKind = "PoolCreated"
	KindTokensPurchased       EventKind = "TokensPurchased"
	KindBlueCheckPurchased    EventKind = "BlueCheckPurchased"
)

// EventClass groups the kinds emitted by one kind of contract.
type EventClass string

const (
	ClassSale         EventClass = "sale"
	ClassBonding      EventClass = "bonding"
	ClassVerification EventClass = "verification"
)

// Kinds returns the event kinds that belong to the class.
func (c EventClass) Kinds() []EventKind {
	switch c {
	case ClassSale:
		return []EventKind{KindTokenLaunched, KindContributed, KindRoundStatusChanged, KindFinalizeStepCompleted, KindRoundCancelled}
	case ClassBonding:
		return []EventKind{KindPoolCreated, KindTokensPurchased}
	case ClassVerification:
		return []EventKind{KindBlueCheckPurchased}
	default:
		return nil
	}
}

// ParseEventClass normalizes a configured class name.
func ParseEventClass(input string) (EventClass, error) {
	switch EventClass(strings.ToLower(strings.TrimSpace(input))) {
	case ClassSale:
		return ClassSale, nil
	case ClassBonding:
		return ClassBonding, nil
	case ClassVerification:
		return ClassVerification, nil
	default:
		return "", fmt.Errorf("unknown event class: %q", input)
	}
}

// EventSource tells whether an event came from a log or was synthesized from a state poll.
type EventSource string

const (
	SourceLog  EventSource = "log"
	SourcePoll EventSource = "poll"
)

// EventID is the identity of a chain event and the anchor for every derived write.
type EventID struct {
	ChainID  uint64 `json:"chain_id"`
	TxHash   string `json:"tx_hash"`
	LogIndex uint64 `json:"log_index"`
}

func (id EventID) String() string {
	return fmt.Sprintf("%d:%s:%d", id.ChainID, strings.ToLower(id.TxHash), id.LogIndex)
}

// ChainEvent is a decoded, typed launchpad event.
type ChainEvent struct {
	ID          EventID     `json:"id"`
	Contract    string      `json:"contract"`
	Class       EventClass  `json:"class"`
	Kind        EventKind   `json:"kind"`
	BlockNumber uint64      `json:"block_number"`
	BlockHash   string      `json:"block_hash"`
	Timestamp   uint64      `json:"timestamp"`
	Source      EventSource `json:"source"`
	// Confirmed is set when the block is at least the configured depth below head.
	Confirmed bool         `json:"confirmed"`
	Payload   EventPayload `json:"payload"`
}

// Partition returns the partition the event was read from.
func (e ChainEvent) Partition() Partition {
	return Partition{ChainID: e.ID.ChainID, Contract: e.Contract, Class: e.Class}
}

// Before reports whether e sorts before other in native ledger order.
func (e ChainEvent) Before(other ChainEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.ID.LogIndex < other.ID.LogIndex
}

// BlockTime returns the block timestamp as a time.
func (e ChainEvent) BlockTime() time.Time {
	return time.Unix(int64(e.Timestamp), 0).UTC()
}

// EventPayload is implemented by every decoded payload type.
type EventPayload interface {
	// Subject is the round or pool address the event mutates, empty when none.
	Subject() string
}

// TokenLaunchedData creates a round.
type TokenLaunchedData struct {
	Round     string   `json:"round"`
	Token     string   `json:"token"`
	Creator   string   `json:"creator"`
	Softcap   *big.Int `json:"softcap"`
	StartTime uint64   `json:"start_time"`
	EndTime   uint64   `json:"end_time"`
}

func (d TokenLaunchedData) Subject() string { return d.Round }

// ContributedData records a contribution to a round.
type ContributedData struct {
	Round       string   `json:"round"`
	Contributor string   `json:"contributor"`
	Referrer    string   `json:"referrer"`
	Amount      *big.Int `json:"amount"`
	TotalRaised *big.Int `json:"total_raised"`
}

func (d ContributedData) Subject() string { return d.Round }

// RoundStatusChangedData moves a round to a new status.
type RoundStatusChangedData struct {
	Round  string      `json:"round"`
	Status RoundStatus `json:"status"`
}

func (d RoundStatusChangedData) Subject() string { return d.Round }

// FinalizeStepCompletedData reports a completed settlement phase.
type FinalizeStepCompletedData struct {
	Round string       `json:"round"`
	Step  FinalizeStep `json:"step"`
}

func (d FinalizeStepCompletedData) Subject() string { return d.Round }

// RoundCancelledData cancels a round.
type RoundCancelledData struct {
	Round string `json:"round"`
}

func (d RoundCancelledData) Subject() string { return d.Round }

// PoolCreatedData creates a bonding pool.
type PoolCreatedData struct {
	Pool    string `json:"pool"`
	Token   string `json:"token"`
	Creator string `json:"creator"`
}

func (d PoolCreatedData) Subject() string { return d.Pool }

// TokensPurchasedData is a buy on a bonding pool.
type TokensPurchasedData struct {
	Pool      string   `json:"pool"`
	Buyer     string   `json:"buyer"`
	Referrer  string   `json:"referrer"`
	AmountIn  *big.Int `json:"amount_in"`
	TokensOut *big.Int `json:"tokens_out"`
}

func (d TokensPurchasedData) Subject() string { return d.Pool }

// BlueCheckPurchasedData is a verification purchase.
type BlueCheckPurchasedData struct {
	Buyer     string   `json:"buyer"`
	Referrer  string   `json:"referrer"`
	Fee       *big.Int `json:"fee"`
	ExpiresAt uint64   `json:"expires_at"`
}

func (d BlueCheckPurchasedData) Subject() string { return "" }

// ZeroAddress is the hex form of the empty address.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lower-cases an address for use as a natural key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsZeroAddress reports whether the address is empty or all zeros.
func IsZeroAddress(address string) bool {
	address = NormalizeAddress(address)
	return address == "" || address == ZeroAddress
}
