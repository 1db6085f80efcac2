package model

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON restores the concrete payload type from the event kind.
func (e *ChainEvent) UnmarshalJSON(data []byte) error {
	type plain ChainEvent
	aux := struct {
		*plain
		Payload json.RawMessage `json:"payload"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	payload, err := DecodePayload(e.Kind, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// DecodePayload decodes a JSON payload into the type matching kind.
func DecodePayload(kind EventKind, raw json.RawMessage) (EventPayload, error) {
	var target EventPayload
	switch kind {
	case KindTokenLaunched:
		var p TokenLaunchedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindContributed:
		var p ContributedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindRoundStatusChanged:
		var p RoundStatusChangedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindFinalizeStepCompleted:
		var p FinalizeStepCompletedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindRoundCancelled:
		var p RoundCancelledData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindPoolCreated:
		var p PoolCreatedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindTokensPurchased:
		var p TokensPurchasedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	case KindBlueCheckPurchased:
		var p BlueCheckPurchasedData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		target = p
	default:
		return nil, fmt.Errorf("unknown event kind: %q", kind)
	}
	return target, nil
}
