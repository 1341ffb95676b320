package backtest

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Callers match them with errors.Is;
// every returned error wraps one of these with context about where it happened.
var (
	// ErrInsufficientData means the series is too short for a single complete fold.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNoFeasibleParameters means the optimizer exhausted its budget without a valid candidate.
	ErrNoFeasibleParameters = errors.New("no feasible parameters")

	// ErrDataIntegrity means the input series is non-monotonic, duplicated or internally inconsistent.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrInvalidConfiguration means contradictory or out-of-range settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrTimeout means cooperative cancellation was triggered.
	ErrTimeout = errors.New("timeout")
)

// timeoutError translates a context error into ErrTimeout. Any other error is
// returned unchanged.
func timeoutError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
