package launchpad

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"launchLedger/internal/model"
)

// ErrUnrecognizedEvent marks a log whose signature is outside the closed event set of its class.
// Such logs are skipped; contracts may add events the reconciler does not know yet.
var ErrUnrecognizedEvent = errors.New("unrecognized event")

// MalformedEventError is returned when a log matches a known signature but cannot be decoded.
type MalformedEventError struct {
	ID   model.EventID
	Kind model.EventKind
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event %s: %v", e.Kind, e.ID, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Normalizer decodes raw launchpad logs into typed chain events.
type Normalizer struct {
	abi         abi.ABI
	topicToKind map[string]model.EventKind
}

// NewNormalizer builds a Normalizer over the launchpad ABI.
func NewNormalizer() (*Normalizer, error) {
	parsed, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse launchpad abi: %w", err)
	}

	kinds := []model.EventKind{
		model.KindTokenLaunched,
		model.KindContributed,
		model.KindRoundStatusChanged,
		model.KindFinalizeStepCompleted,
		model.KindRoundCancelled,
		model.KindPoolCreated,
		model.KindTokensPurchased,
		model.KindBlueCheckPurchased,
	}
	topicToKind := make(map[string]model.EventKind, len(kinds))
	for _, kind := range kinds {
		event, ok := parsed.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("launchpad abi has no %s event", kind)
		}
		topicToKind[strings.ToLower(event.ID.Hex())] = kind
	}

	return &Normalizer{abi: parsed, topicToKind: topicToKind}, nil
}

// Topics returns the topic0 filter for an event class.
func (n *Normalizer) Topics(class model.EventClass) []common.Hash {
	kinds := class.Kinds()
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		topics = append(topics, n.abi.Events[string(kind)].ID)
	}
	return topics
}

// Normalize decodes a log read from a partition of the given class.
func (n *Normalizer) Normalize(log model.LogRecord, class model.EventClass) (model.ChainEvent, error) {
	kind, ok := n.topicToKind[strings.ToLower(log.Topic0())]
	if !ok || !classHasKind(class, kind) {
		return model.ChainEvent{}, ErrUnrecognizedEvent
	}

	payload, err := n.decode(kind, log)
	if err != nil {
		return model.ChainEvent{}, &MalformedEventError{ID: log.ID(), Kind: kind, Err: err}
	}

	return model.ChainEvent{
		ID: model.EventID{
			ChainID:  log.ChainID,
			TxHash:   strings.ToLower(log.TxHash),
			LogIndex: log.LogIndex,
		},
		Contract:    model.NormalizeAddress(log.Address),
		Class:       class,
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		BlockHash:   strings.ToLower(log.BlockHash),
		Timestamp:   log.Timestamp,
		Source:      model.SourceLog,
		Payload:     payload,
	}, nil
}

func classHasKind(class model.EventClass, kind model.EventKind) bool {
	for _, k := range class.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (n *Normalizer) decode(kind model.EventKind, log model.LogRecord) (model.EventPayload, error) {
	fields, err := decodeFields(n.abi.Events[string(kind)], log.Topics, log.Data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case model.KindTokenLaunched:
		return decodeTokenLaunched(fields)
	case model.KindContributed:
		return decodeContributed(fields)
	case model.KindRoundStatusChanged:
		round, err := addressField(fields, "round")
		if err != nil {
			return nil, err
		}
		code, err := uint8Field(fields, "status")
		if err != nil {
			return nil, err
		}
		status, err := model.RoundStatusFromCode(code)
		if err != nil {
			return nil, err
		}
		return model.RoundStatusChangedData{Round: round, Status: status}, nil
	case model.KindFinalizeStepCompleted:
		round, err := addressField(fields, "round")
		if err != nil {
			return nil, err
		}
		code, err := uint8Field(fields, "step")
		if err != nil {
			return nil, err
		}
		step, err := model.FinalizeStepFromCode(code)
		if err != nil {
			return nil, err
		}
		if step == model.StepNone {
			return nil, fmt.Errorf("step event reports %s", step)
		}
		return model.FinalizeStepCompletedData{Round: round, Step: step}, nil
	case model.KindRoundCancelled:
		round, err := addressField(fields, "round")
		if err != nil {
			return nil, err
		}
		return model.RoundCancelledData{Round: round}, nil
	case model.KindPoolCreated:
		return decodePoolCreated(fields)
	case model.KindTokensPurchased:
		return decodeTokensPurchased(fields)
	case model.KindBlueCheckPurchased:
		return decodeBlueCheckPurchased(fields)
	default:
		return nil, fmt.Errorf("unsupported event kind: %s", kind)
	}
}

func decodeTokenLaunched(fields map[string]interface{}) (model.EventPayload, error) {
	var (
		out model.TokenLaunchedData
		err error
	)
	if out.Round, err = addressField(fields, "round"); err != nil {
		return nil, err
	}
	if out.Token, err = addressField(fields, "token"); err != nil {
		return nil, err
	}
	if out.Creator, err = addressField(fields, "creator"); err != nil {
		return nil, err
	}
	if out.Softcap, err = bigField(fields, "softcap"); err != nil {
		return nil, err
	}
	if out.StartTime, err = uint64Field(fields, "startTime"); err != nil {
		return nil, err
	}
	if out.EndTime, err = uint64Field(fields, "endTime"); err != nil {
		return nil, err
	}
	if out.EndTime < out.StartTime {
		return nil, fmt.Errorf("end time %d before start time %d", out.EndTime, out.StartTime)
	}
	return out, nil
}

func decodeContributed(fields map[string]interface{}) (model.EventPayload, error) {
	var (
		out model.ContributedData
		err error
	)
	if out.Round, err = addressField(fields, "round"); err != nil {
		return nil, err
	}
	if out.Contributor, err = addressField(fields, "contributor"); err != nil {
		return nil, err
	}
	if out.Referrer, err = addressField(fields, "referrer"); err != nil {
		return nil, err
	}
	if out.Amount, err = bigField(fields, "amount"); err != nil {
		return nil, err
	}
	if out.TotalRaised, err = bigField(fields, "totalRaised"); err != nil {
		return nil, err
	}
	if out.Amount.Sign() == 0 {
		return nil, fmt.Errorf("zero contribution")
	}
	return out, nil
}

func decodePoolCreated(fields map[string]interface{}) (model.EventPayload, error) {
	var (
		out model.PoolCreatedData
		err error
	)
	if out.Pool, err = addressField(fields, "pool"); err != nil {
		return nil, err
	}
	if out.Token, err = addressField(fields, "token"); err != nil {
		return nil, err
	}
	if out.Creator, err = addressField(fields, "creator"); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeTokensPurchased(fields map[string]interface{}) (model.EventPayload, error) {
	var (
		out model.TokensPurchasedData
		err error
	)
	if out.Pool, err = addressField(fields, "pool"); err != nil {
		return nil, err
	}
	if out.Buyer, err = addressField(fields, "buyer"); err != nil {
		return nil, err
	}
	if out.Referrer, err = addressField(fields, "referrer"); err != nil {
		return nil, err
	}
	if out.AmountIn, err = bigField(fields, "amountIn"); err != nil {
		return nil, err
	}
	if out.TokensOut, err = bigField(fields, "tokensOut"); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeBlueCheckPurchased(fields map[string]interface{}) (model.EventPayload, error) {
	var (
		out model.BlueCheckPurchasedData
		err error
	)
	if out.Buyer, err = addressField(fields, "buyer"); err != nil {
		return nil, err
	}
	if out.Referrer, err = addressField(fields, "referrer"); err != nil {
		return nil, err
	}
	if out.Fee, err = bigField(fields, "fee"); err != nil {
		return nil, err
	}
	if out.ExpiresAt, err = uint64Field(fields, "expiresAt"); err != nil {
		return nil, err
	}
	return out, nil
}
