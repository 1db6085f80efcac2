package model

import (
	"fmt"
	"math/big"
	"time"
)

// RoundStatus is the lifecycle status of a launch round.
type RoundStatus string

const (
	RoundUpcoming  RoundStatus = "UPCOMING"
	RoundLive      RoundStatus = "LIVE"
	RoundEnded     RoundStatus = "ENDED"
	RoundSuccess   RoundStatus = "SUCCESS"
	RoundFailed    RoundStatus = "FAILED"
	RoundCancelled RoundStatus = "CANCELLED"
)

var roundStatusRank = map[RoundStatus]int{
	RoundUpcoming:  0,
	RoundLive:      1,
	RoundEnded:     2,
	RoundSuccess:   3,
	RoundFailed:    3,
	RoundCancelled: 4,
}

// roundStatusByCode follows the on-chain enum order.
var roundStatusByCode = []RoundStatus{RoundUpcoming, RoundLive, RoundEnded, RoundSuccess, RoundFailed, RoundCancelled}

// RoundStatusFromCode maps the contract's uint8 status to a RoundStatus.
func RoundStatusFromCode(code uint8) (RoundStatus, error) {
	if int(code) >= len(roundStatusByCode) {
		return "", fmt.Errorf("unknown round status code %d", code)
	}
	return roundStatusByCode[code], nil
}

// Valid reports whether s is a known status.
func (s RoundStatus) Valid() bool {
	_, ok := roundStatusRank[s]
	return ok
}

// Terminal reports whether no further status can follow.
func (s RoundStatus) Terminal() bool {
	return s == RoundCancelled
}

// CanTransition reports whether moving from s to next respects the status order
// UPCOMING → LIVE → ENDED → {SUCCESS, FAILED}. CANCELLED may follow any status
// except SUCCESS, and nothing follows CANCELLED. Equal statuses are not a transition.
func (s RoundStatus) CanTransition(next RoundStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if s == RoundCancelled {
		return false
	}
	if next == RoundCancelled {
		return s != RoundSuccess
	}
	return roundStatusRank[next] > roundStatusRank[s]
}

// FinalizeStep is the mirrored on-chain settlement phase.
type FinalizeStep string

const (
	StepNone             FinalizeStep = "NONE"
	StepFeeDistributed   FinalizeStep = "FEE_DISTRIBUTED"
	StepLiquidityAdded   FinalizeStep = "LIQUIDITY_ADDED"
	StepLPLocked         FinalizeStep = "LP_LOCKED"
	StepFundsDistributed FinalizeStep = "FUNDS_DISTRIBUTED"
)

var finalizeSteps = []FinalizeStep{StepNone, StepFeeDistributed, StepLiquidityAdded, StepLPLocked, StepFundsDistributed}

// FinalizeStepFromCode maps the contract's uint8 step to a FinalizeStep.
func FinalizeStepFromCode(code uint8) (FinalizeStep, error) {
	if int(code) >= len(finalizeSteps) {
		return "", fmt.Errorf("unknown finalize step code %d", code)
	}
	return finalizeSteps[code], nil
}

// Rank returns the position of the step in the settlement order, -1 when unknown.
func (s FinalizeStep) Rank() int {
	for i, step := range finalizeSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known step.
func (s FinalizeStep) Valid() bool {
	return s.Rank() >= 0
}

// Terminal reports whether settlement is complete.
func (s FinalizeStep) Terminal() bool {
	return s == StepFundsDistributed
}

// Round is one launch instance mirrored from the chain.
type Round struct {
	ID              string `json:"id"`
	ChainID         uint64 `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	// Launchpad is the sale contract that launched the round and serves its view functions.
	Launchpad         string       `json:"launchpad"`
	TokenAddress      string       `json:"token_address"`
	Creator           string       `json:"creator"`
	Status            RoundStatus  `json:"status"`
	FinalizeStep      FinalizeStep `json:"finalize_step"`
	TotalRaised       *big.Int     `json:"total_raised"`
	Softcap           *big.Int     `json:"softcap"`
	StartTime         time.Time    `json:"start_time"`
	EndTime           time.Time    `json:"end_time"`
	Flagged           bool         `json:"flagged"`
	FinalizeUpdatedAt time.Time    `json:"finalize_updated_at"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// CanFinalize reports whether the finalize step may advance in the current status.
func (r Round) CanFinalize() bool {
	return r.Status == RoundEnded || r.Status == RoundSuccess
}
