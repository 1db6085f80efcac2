package model

import "time"

// QuarantinedEvent keeps an undecodable log with its raw bytes for manual inspection.
type QuarantinedEvent struct {
	ChainID       uint64    `json:"chain_id"`
	Contract      string    `json:"contract"`
	BlockNumber   uint64    `json:"block_number"`
	TxHash        string    `json:"tx_hash"`
	LogIndex      uint64    `json:"log_index"`
	Topic0        string    `json:"topic0"`
	Topics        []string  `json:"topics"`
	Data          []byte    `json:"data"`
	Error         string    `json:"error"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// AnomalyKind classifies divergence between the derived store and the chain.
type AnomalyKind string

const (
	AnomalyStatusRegression   AnomalyKind = "status_regression"
	AnomalyStepRegression     AnomalyKind = "finalize_step_regression"
	AnomalyFinalizeBeforeEnd  AnomalyKind = "finalize_before_end"
	AnomalyContributionSum    AnomalyKind = "contribution_sum_exceeds_total"
	AnomalyAmountMismatch     AnomalyKind = "contribution_amount_mismatch"
	AnomalyOrphanedRoundEvent AnomalyKind = "orphaned_round_event"
	AnomalyFinalizeStalled    AnomalyKind = "finalize_stalled"
)

// Anomaly is a recorded divergence. The chain stays authoritative; nothing is auto-corrected.
type Anomaly struct {
	ChainID    uint64      `json:"chain_id"`
	Subject    string      `json:"subject"`
	Kind       AnomalyKind `json:"kind"`
	Detail     string      `json:"detail"`
	TxHash     string      `json:"tx_hash"`
	LogIndex   uint64      `json:"log_index"`
	RecordedAt time.Time   `json:"recorded_at"`
}
