package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// TransientRPCError is a node failure worth retrying: timeouts, dropped connections, overloaded endpoints.
type TransientRPCError struct {
	Op  string
	Err error
}

func (e *TransientRPCError) Error() string {
	return fmt.Sprintf("%s: transient rpc error: %v", e.Op, e.Err)
}

func (e *TransientRPCError) Unwrap() error { return e.Err }

// PermanentConfigError means the request can never succeed as configured.
// The partition that hit it stops until an operator intervenes.
type PermanentConfigError struct {
	Reason string
	Err    error
}

func (e *PermanentConfigError) Error() string {
	if e.Err == nil {
		return "permanent config error: " + e.Reason
	}
	return fmt.Sprintf("permanent config error: %s: %v", e.Reason, e.Err)
}

func (e *PermanentConfigError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientRPCError.
func IsTransient(err error) bool {
	var target *TransientRPCError
	return errors.As(err, &target)
}

// IsPermanent reports whether err wraps a PermanentConfigError.
func IsPermanent(err error) bool {
	var target *PermanentConfigError
	return errors.As(err, &target)
}

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// classify sorts a node error into the transient or permanent class.
// Unknown failures are treated as transient so they are retried and eventually alerted.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientRPCError{Op: op, Err: err}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeMethodNotFound, codeInvalidParams:
			return &PermanentConfigError{Reason: op, Err: err}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return &PermanentConfigError{Reason: op, Err: err}
	}

	return &TransientRPCError{Op: op, Err: err}
}
