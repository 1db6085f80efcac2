package finalize

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"launchLedger/internal/model"
)

// Decision is what the tracker concluded from comparing a stored step with an observed one.
type Decision int

const (
	// DecisionNoOp means the stored step already matches.
	DecisionNoOp Decision = iota
	// DecisionAdvance means the observed step is ahead and the stored step should follow.
	DecisionAdvance
	// DecisionStale means the observation is behind the stored step and must be ignored.
	DecisionStale
	// DecisionBlocked means the round has not reached a status where settlement can run.
	DecisionBlocked
	// DecisionInvalid means the observed step is not a known step.
	DecisionInvalid
)

func (d Decision) String() string {
	switch d {
	case DecisionNoOp:
		return "noop"
	case DecisionAdvance:
		return "advance"
	case DecisionStale:
		return "stale"
	case DecisionBlocked:
		return "blocked"
	case DecisionInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Tracker mirrors the on-chain settlement sequence of a round. It only ever moves the
// stored step forward and only to a step the chain has reported.
type Tracker struct {
	logger *zap.Logger
}

func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{logger: logger}
}

// Decide compares the stored step of r with an observed on-chain step.
func (t *Tracker) Decide(r model.Round, observed model.FinalizeStep) Decision {
	if !observed.Valid() {
		return DecisionInvalid
	}
	stored := r.FinalizeStep
	if !stored.Valid() {
		stored = model.StepNone
	}
	switch {
	case observed.Rank() == stored.Rank():
		return DecisionNoOp
	case observed.Rank() < stored.Rank():
		return DecisionStale
	case !r.CanFinalize():
		return DecisionBlocked
	default:
		return DecisionAdvance
	}
}

// Advance returns r moved to step. Callers check Decide first.
func (t *Tracker) Advance(r model.Round, step model.FinalizeStep, at time.Time) model.Round {
	t.logger.Info("finalize step advanced",
		zap.Uint64("chain_id", r.ChainID),
		zap.String("round", r.ContractAddress),
		zap.String("from", string(r.FinalizeStep)),
		zap.String("to", string(step)),
	)
	r.FinalizeStep = step
	r.FinalizeUpdatedAt = at.UTC()
	return r
}

// Stuck reports whether r has sat on a non-terminal step for longer than after, counting
// from the later of the last step change and the end of the sale.
func (t *Tracker) Stuck(r model.Round, now time.Time, after time.Duration) bool {
	if after <= 0 || !r.CanFinalize() || r.FinalizeStep.Terminal() {
		return false
	}
	since := r.FinalizeUpdatedAt
	if r.EndTime.After(since) {
		since = r.EndTime
	}
	return now.Sub(since) > after
}

// SyntheticEvent turns a polled on-chain step into a chain event so polling and logs share one
// input path. The identity is derived from the round and step, so repeated polls that observe
// the same step collapse into one applied event.
func SyntheticEvent(r model.Round, step model.FinalizeStep, at model.BlockRef) model.ChainEvent {
	return model.ChainEvent{
		ID: model.EventID{
			ChainID:  r.ChainID,
			TxHash:   pollHash(r, "finalize", string(step)),
			LogIndex: 0,
		},
		Contract:    model.NormalizeAddress(r.ContractAddress),
		Class:       model.ClassSale,
		Kind:        model.KindFinalizeStepCompleted,
		BlockNumber: at.Number,
		BlockHash:   at.Hash,
		Timestamp:   at.Timestamp,
		Source:      model.SourcePoll,
		Confirmed:   true,
		Payload:     model.FinalizeStepCompletedData{Round: model.NormalizeAddress(r.ContractAddress), Step: step},
	}
}

// SyntheticStatusEvent is SyntheticEvent for a polled round status.
func SyntheticStatusEvent(r model.Round, status model.RoundStatus, at model.BlockRef) model.ChainEvent {
	return model.ChainEvent{
		ID: model.EventID{
			ChainID:  r.ChainID,
			TxHash:   pollHash(r, "status", string(status)),
			LogIndex: 0,
		},
		Contract:    model.NormalizeAddress(r.ContractAddress),
		Class:       model.ClassSale,
		Kind:        model.KindRoundStatusChanged,
		BlockNumber: at.Number,
		BlockHash:   at.Hash,
		Timestamp:   at.Timestamp,
		Source:      model.SourcePoll,
		Confirmed:   true,
		Payload:     model.RoundStatusChangedData{Round: model.NormalizeAddress(r.ContractAddress), Status: status},
	}
}

func pollHash(r model.Round, field, value string) string {
	return crypto.Keccak256Hash(
		[]byte("poll"),
		[]byte(fmt.Sprintf("%d", r.ChainID)),
		[]byte(model.NormalizeAddress(r.ContractAddress)),
		[]byte(field),
		[]byte(value),
	).Hex()
}
