package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"unauthorized":        fmt.Errorf("escrow: list: %w", ErrUnauthorized),
		"precondition_failed": fmt.Errorf("escrow: finalize: %w", ErrPreconditionFailed),
		"not_found":           fmt.Errorf("title: owner: %w", ErrNotFound),
		"transfer_failed":     fmt.Errorf("bank: %w", ErrTransferFailed),
		"paused":              fmt.Errorf("escrow: %w", ErrPaused),
		"internal":            stderrors.New("disk on fire"),
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %s, want %s", err, got, want)
		}
	}
}
