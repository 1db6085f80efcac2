package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"deadline", context.DeadlineExceeded, true, false},
		{"wrapped deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), true, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), true, false},
		{"invalid params", codedError{code: -32602, msg: "invalid argument 0"}, false, true},
		{"method not found", codedError{code: -32601, msg: "the method eth_foo does not exist"}, false, true},
		{"reverted", codedError{code: 3, msg: "execution reverted"}, false, true},
		{"server error", codedError{code: -32000, msg: "header not found"}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("op", tc.err)
			if IsTransient(err) != tc.transient {
				t.Fatalf("transient: expected %v for %v", tc.transient, err)
			}
			if IsPermanent(err) != tc.permanent {
				t.Fatalf("permanent: expected %v for %v", tc.permanent, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected classified error to wrap the original")
			}
		})
	}
}

func TestClassifyPassesThrough(t *testing.T) {
	if classify("op", nil) != nil {
		t.Fatalf("expected nil")
	}
	if err := classify("op", context.Canceled); err != context.Canceled {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}
	perm := &PermanentConfigError{Reason: "bad address"}
	if err := classify("op", perm); err != perm {
		t.Fatalf("expected already classified error to pass through")
	}
}
