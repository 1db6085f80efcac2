package launchpad

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"launchLedger/internal/model"
)

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

// decodeFields merges indexed and non-indexed arguments into one map keyed by argument name.
func decodeFields(event abi.Event, topics []string, dataHex string) (map[string]interface{}, error) {
	indexedTopics, err := parseIndexedTopics(event, topics)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, data); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return fields, nil
}

func addressField(fields map[string]interface{}, name string) (string, error) {
	value, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing field %s", name)
	}
	addr, err := asAddress(value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return model.NormalizeAddress(addr.Hex()), nil
}

func bigField(fields map[string]interface{}, name string) (*big.Int, error) {
	value, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("missing field %s", name)
	}
	v, err := asBigInt(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func uint64Field(fields map[string]interface{}, name string) (uint64, error) {
	v, err := bigField(fields, name)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %s", name, v)
	}
	return v.Uint64(), nil
}

func uint8Field(fields map[string]interface{}, name string) (uint8, error) {
	value, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing field %s", name)
	}
	v, err := asUint8(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported integer type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("uint8 out of range: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
