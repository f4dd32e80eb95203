package rental

import (
	"errors"
	"fmt"
)

var (
	// ErrNoOffers is returned when the marketplace lists nothing matching the filter
	ErrNoOffers = errors.New("no offers available")

	// ErrDiagnosticCollectionFailed marks a failed health snapshot command
	ErrDiagnosticCollectionFailed = errors.New("diagnostic collection failed")

	// ErrBenchmarkParseFailed marks benchmark output with no usable structured result
	ErrBenchmarkParseFailed = errors.New("benchmark result parse failed")

	// ErrCleanupFailed marks a failed disconnect or terminate during cleanup
	ErrCleanupFailed = errors.New("cleanup failed")
)

// PhaseError attributes a workflow error to the state it occurred in
type PhaseError struct {
	Phase State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
