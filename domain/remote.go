package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRemoteTimeout bounds every backend call unless configured otherwise.
const DefaultRemoteTimeout = 15 * time.Second

type remote struct{ timeout time.Duration }

// do runs fn under the call timeout. NotFound passes through wrapped with op so
// callers can still match it; every other failure becomes a RemoteError.
func (r remote) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}
