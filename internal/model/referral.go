package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// SourceType names what kind of action produced a referral reward.
type SourceType string

const (
	SourceBonding    SourceType = "BONDING"
	SourceBlueCheck  SourceType = "BLUECHECK"
	SourceFairlaunch SourceType = "FAIRLAUNCH"
)

// ParseSourceType normalizes a source type name.
func ParseSourceType(input string) (SourceType, error) {
	switch SourceType(strings.ToUpper(strings.TrimSpace(input))) {
	case SourceBonding:
		return SourceBonding, nil
	case SourceBlueCheck:
		return SourceBlueCheck, nil
	case SourceFairlaunch:
		return SourceFairlaunch, nil
	default:
		return "", fmt.Errorf("unknown source type: %q", input)
	}
}

// EntryStatus is the payout status of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryConfirmed EntryStatus = "CONFIRMED"
	EntryPaid      EntryStatus = "PAID"
)

// ReferralRelationship links a referee to the referrer who brought them in.
// It is written once and never re-parented.
type ReferralRelationship struct {
	RefereeID  string    `json:"referee_id"`
	ReferrerID string    `json:"referrer_id"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReferralLedgerEntry is one reward owed to a referrer.
type ReferralLedgerEntry struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	ReferrerID     string     `json:"referrer_id"`
	RefereeID      string     `json:"referee_id"`
	SourceType     SourceType `json:"source_type"`
	// SourceRef is the round or pool address the trigger belongs to.
	SourceRef string `json:"source_ref"`
	// TriggerID is the identity of the triggering event.
	TriggerID      string      `json:"trigger_id"`
	Amount         *big.Int    `json:"amount"`
	ChainID        uint64      `json:"chain_id"`
	Status         EntryStatus `json:"status"`
	Invalidated    bool        `json:"invalidated"`
	ScaleCorrected bool        `json:"scale_corrected"`
	CorrectedAt    *time.Time  `json:"corrected_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Live reports whether the entry still counts as a reward.
func (e ReferralLedgerEntry) Live() bool {
	return !e.Invalidated && (e.Status == EntryPending || e.Status == EntryConfirmed || e.Status == EntryPaid)
}

// AuditCandidate is a confirmed triggering condition with an active referrer.
type AuditCandidate struct {
	SourceType SourceType `json:"source_type"`
	RefereeID  string     `json:"referee_id"`
	ReferrerID string     `json:"referrer_id"`
	TriggerID  string     `json:"trigger_id"`
	ChainID    uint64     `json:"chain_id"`
}

// AuditRecord is one remediation line produced by an audit pass.
type AuditRecord struct {
	Referee   string `json:"referee"`
	Referrer  string `json:"referrer"`
	Reason    string `json:"reason"`
	TriggerID string `json:"trigger_id,omitempty"`
}

// ScaleCorrection is the audit trail of one rewritten ledger amount.
type ScaleCorrection struct {
	EntryID     string     `json:"entry_id"`
	SourceType  SourceType `json:"source_type"`
	ChainID     uint64     `json:"chain_id"`
	ReferrerID  string     `json:"referrer_id"`
	OldAmount   string     `json:"old_amount"`
	NewAmount   string     `json:"new_amount"`
	ScaleFactor string     `json:"scale_factor"`
	Applied     bool       `json:"applied"`
	CorrectedAt time.Time  `json:"corrected_at"`
}
