package etl

import (
	"errors"
	"fmt"
	"time"
)

// Task-level errors. The scheduler decides retry vs fail based on these;
// row-level conditions stay local to the transform stage.
var (
	// ErrSourceUnavailable indicates a source database or network failure.
	// The task is retried, then the run fails.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSchemaMismatch indicates the source is missing an expected column
	// or type. The run fails immediately without retries.
	ErrSchemaMismatch = errors.New("source schema mismatch")

	// ErrTargetUnavailable indicates the mart is unreachable or rejected a
	// batch. The task is retried, then the run fails.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrRunTimeout indicates the whole-run ceiling was exceeded.
	ErrRunTimeout = errors.New("run ceiling exceeded")

	// ErrLockContention indicates a previous run still holds the
	// single-instance lock. The run is marked Skipped, not retried.
	ErrLockContention = errors.New("previous run still holds the pipeline lock")
)

// Retryable reports whether a task-level error is worth another attempt.
// Schema mismatches and lock contention are terminal for the run; source
// and target connectivity problems are transient by assumption.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrLockContention),
		errors.Is(err, ErrRunTimeout):
		return false
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrTargetUnavailable):
		return true
	default:
		return false
	}
}

// InvalidMetricError marks a telemetry row violating a range invariant
// (battery or connection quality outside [0,100], negative counters,
// successful movements exceeding total movements). The row is dropped and
// counted; the run continues.
type InvalidMetricError struct {
	ChipID    string
	HourStart time.Time
	Reason    string
}

func (e *InvalidMetricError) Error() string {
	return fmt.Sprintf("invalid metric for chip %s at %s: %s",
		e.ChipID, e.HourStart.Format(time.RFC3339), e.Reason)
}

// OrphanTelemetryError marks a telemetry row whose chip has no matching
// active prosthesis in the reference set. The row is dropped and counted.
type OrphanTelemetryError struct {
	ChipID    string
	HourStart time.Time
}

func (e *OrphanTelemetryError) Error() string {
	return fmt.Sprintf("orphan telemetry for unknown chip %s at %s",
		e.ChipID, e.HourStart.Format(time.RFC3339))
}

// RowError reports whether err is a droppable row-level condition rather
// than a task failure.
func RowError(err error) bool {
	var invalid *InvalidMetricError
	var orphan *OrphanTelemetryError
	return errors.As(err, &invalid) || errors.As(err, &orphan)
}
