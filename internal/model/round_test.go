package model

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestRoundStatusCanTransition(t *testing.T) {
	cases := []struct {
		from RoundStatus
		to   RoundStatus
		want bool
	}{
		{RoundUpcoming, RoundLive, true},
		{RoundLive, RoundEnded, true},
		{RoundEnded, RoundSuccess, true},
		{RoundEnded, RoundFailed, true},
		{RoundUpcoming, RoundSuccess, true},
		{RoundLive, RoundUpcoming, false},
		{RoundSuccess, RoundLive, false},
		{RoundSuccess, RoundFailed, false},
		{RoundFailed, RoundSuccess, false},
		{RoundLive, RoundLive, false},
		{RoundLive, RoundCancelled, true},
		{RoundFailed, RoundCancelled, true},
		{RoundSuccess, RoundCancelled, false},
		{RoundCancelled, RoundLive, false},
		{RoundCancelled, RoundCancelled, false},
		{RoundStatus("BOGUS"), RoundLive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestRoundStatusFromCode(t *testing.T) {
	status, err := RoundStatusFromCode(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != RoundFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if _, err := RoundStatusFromCode(9); err == nil {
		t.Fatalf("expected error for unknown code")
	}
}

func TestFinalizeStepOrder(t *testing.T) {
	if StepNone.Rank() != 0 || StepFundsDistributed.Rank() != 4 {
		t.Fatalf("unexpected ranks: %d %d", StepNone.Rank(), StepFundsDistributed.Rank())
	}
	if StepLPLocked.Rank() <= StepLiquidityAdded.Rank() {
		t.Fatalf("expected LP_LOCKED after LIQUIDITY_ADDED")
	}
	step, err := FinalizeStepFromCode(2)
	if err != nil || step != StepLiquidityAdded {
		t.Fatalf("expected LIQUIDITY_ADDED, got %s (%v)", step, err)
	}
	if FinalizeStep("DONE").Valid() {
		t.Fatalf("expected unknown step to be invalid")
	}
}

func TestCursorCoversAndAdvance(t *testing.T) {
	cur := Cursor{LastBlock: 100, LastLogIndex: 3}
	if !cur.Covers(99, 50) || !cur.Covers(100, 3) {
		t.Fatalf("expected earlier positions to be covered")
	}
	if cur.Covers(100, 4) || cur.Covers(101, 0) {
		t.Fatalf("expected later positions not to be covered")
	}
	if got := cur.Advance(99, 10); got != cur {
		t.Fatalf("advance backwards should be ignored, got %+v", got)
	}
	next := cur.Advance(105, -1)
	if next.LastBlock != 105 || next.LastLogIndex != -1 {
		t.Fatalf("unexpected cursor after advance: %+v", next)
	}
	back := next.Rewind(90)
	if back.LastBlock != 90 || back.LastLogIndex != -1 {
		t.Fatalf("unexpected cursor after rewind: %+v", back)
	}
}

func TestEventIDString(t *testing.T) {
	id := EventID{ChainID: 56, TxHash: "0xABCDEF", LogIndex: 7}
	if got := id.String(); got != "56:0xabcdef:7" {
		t.Fatalf("unexpected id string: %s", got)
	}
}

func TestHeldEventSurvivesJSON(t *testing.T) {
	ev := ChainEvent{
		ID:          EventID{ChainID: 56, TxHash: "0xaa", LogIndex: 2},
		Kind:        KindContributed,
		BlockNumber: 10,
		Payload: ContributedData{
			Round:       "0x01",
			Contributor: "0x02",
			Amount:      big.NewInt(1_000_000_000_000_000_000),
			TotalRaised: big.NewInt(5),
		},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ChainEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, ok := decoded.Payload.(ContributedData)
	if !ok {
		t.Fatalf("payload type mismatch: %T", decoded.Payload)
	}
	if payload.Amount.String() != "1000000000000000000" || decoded.ID != ev.ID {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
}
