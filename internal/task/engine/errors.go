package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)

// permanent wraps a failure that retrying cannot fix.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// NoRetry marks err as permanent. The worker records the wrapped error and
// skips the remaining attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	var p permanent
	return errors.As(err, &p)
}
