package remote

import (
	"context"
	"time"
)

// Disabled is a Store that is never available. It stands in when no remote
// store is configured so consumers need no nil checks.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) Available() bool { return false }

func (Disabled) Get(context.Context, string) ([]byte, error) { return nil, ErrUnavailable }

func (Disabled) Set(context.Context, string, []byte, time.Duration) error { return ErrUnavailable }

func (Disabled) Del(context.Context, ...string) error { return ErrUnavailable }

func (Disabled) DelPattern(context.Context, string) (int, error) { return 0, ErrUnavailable }

func (Disabled) Exists(context.Context, string) (bool, error) { return false, ErrUnavailable }

func (Disabled) TTL(context.Context, string) (time.Duration, error) { return 0, ErrUnavailable }

func (Disabled) Expire(context.Context, string, time.Duration) error { return ErrUnavailable }

func (Disabled) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, ErrUnavailable
}

func (Disabled) SwapIfField(context.Context, string, string, string, []byte, time.Duration) (SwapResult, error) {
	return SwapMissing, ErrUnavailable
}

func (Disabled) Status() Status { return Status{State: StateDisabled.String()} }
