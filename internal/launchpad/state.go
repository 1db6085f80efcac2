package launchpad

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"launchLedger/internal/model"
)

// Caller performs read-only contract calls at the latest confirmed block.
type Caller interface {
	ReadState(ctx context.Context, contract string, calldata []byte) ([]byte, error)
}

// StateReader reads authoritative round state from the sale contract's view functions.
type StateReader struct {
	caller Caller
	abi    abi.ABI
}

// NewStateReader builds a StateReader on top of a Caller.
func NewStateReader(caller Caller) (*StateReader, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller is nil")
	}
	parsed, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse launchpad abi: %w", err)
	}
	return &StateReader{caller: caller, abi: parsed}, nil
}

// FinalizeStep returns the on-chain finalize step of a round.
func (r *StateReader) FinalizeStep(ctx context.Context, contract, round string) (model.FinalizeStep, error) {
	values, err := r.call(ctx, contract, "finalizeStep", round)
	if err != nil {
		return "", err
	}
	code, err := asUint8(values[0])
	if err != nil {
		return "", fmt.Errorf("finalizeStep: %w", err)
	}
	return model.FinalizeStepFromCode(code)
}

// RoundStatus returns the on-chain status of a round.
func (r *StateReader) RoundStatus(ctx context.Context, contract, round string) (model.RoundStatus, error) {
	values, err := r.call(ctx, contract, "roundStatus", round)
	if err != nil {
		return "", err
	}
	code, err := asUint8(values[0])
	if err != nil {
		return "", fmt.Errorf("roundStatus: %w", err)
	}
	return model.RoundStatusFromCode(code)
}

// TotalRaised returns the on-chain total raised by a round.
func (r *StateReader) TotalRaised(ctx context.Context, contract, round string) (*big.Int, error) {
	values, err := r.call(ctx, contract, "totalRaised", round)
	if err != nil {
		return nil, err
	}
	total, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("totalRaised: %w", err)
	}
	return total, nil
}

func (r *StateReader) call(ctx context.Context, contract, method, round string) ([]interface{}, error) {
	if !common.IsHexAddress(round) {
		return nil, fmt.Errorf("invalid round address: %s", round)
	}
	data, err := r.abi.Pack(method, common.HexToAddress(round))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := r.caller.ReadState(ctx, contract, data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := r.abi.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}
