package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reporting.bionicpro.org/cache"
	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/etl"
	"reporting.bionicpro.org/metrics"
)

// RunState is the terminal (or in-flight) state of one scheduled instant.
type RunState string

const (
	StatePending RunState = "pending"
	StateRunning RunState = "running"
	StateSuccess RunState = "success"
	StateFailed  RunState = "failed"
	StateSkipped RunState = "skipped"
)

// RunReport is the per-run snapshot kept for the ops /status endpoint and
// logged at run end.
type RunReport struct {
	RunID      string     `json:"run_id"`
	State      RunState   `json:"state"`
	Window     etl.Window `json:"window"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	ReferenceRows int   `json:"reference_rows"`
	TelemetryRows int   `json:"telemetry_rows"`
	FactsLoaded   int   `json:"facts_loaded"`
	OrphanRows    int64 `json:"orphan_rows"`
	InvalidRows   int64 `json:"invalid_rows"`

	UsersTouched        int `json:"users_touched"`
	InvalidationsSent   int `json:"invalidations_sent"`
	InvalidationsFailed int `json:"invalidations_failed"`

	Error string `json:"error,omitempty"`
}

// ReferenceSource extracts the flattened reference view.
type ReferenceSource interface {
	ExtractReference(ctx context.Context, since time.Time) (etl.ReferenceIterator, error)
}

// TelemetrySource extracts hourly aggregates for a window.
type TelemetrySource interface {
	ExtractWindow(ctx context.Context, window etl.Window) (etl.TelemetryIterator, error)
}

// FactLoader persists facts into the mart.
type FactLoader interface {
	Load(ctx context.Context, facts []etl.UsageFact) (etl.LoadResult, error)
}

// CacheInvalidator fans out read-cache invalidations after the load.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, runID string, userIDs []string) cache.Result
}

// ReferenceSourceFunc adapts a function to ReferenceSource.
type ReferenceSourceFunc func(ctx context.Context, since time.Time) (etl.ReferenceIterator, error)

// ExtractReference calls the wrapped function.
func (f ReferenceSourceFunc) ExtractReference(ctx context.Context, since time.Time) (etl.ReferenceIterator, error) {
	return f(ctx, since)
}

// TelemetrySourceFunc adapts a function to TelemetrySource.
type TelemetrySourceFunc func(ctx context.Context, window etl.Window) (etl.TelemetryIterator, error)

// ExtractWindow calls the wrapped function.
func (f TelemetrySourceFunc) ExtractWindow(ctx context.Context, window etl.Window) (etl.TelemetryIterator, error) {
	return f(ctx, window)
}

// Runner executes the pipeline DAG on a fixed cadence:
//
//	extract_reference || extract_telemetry -> transform -> load -> invalidate
//
// At most one run is in flight at a time, guarded in-process by an atomic
// flag and across processes by the advisory Redis lock. Catch-up is
// disabled: ticks arriving while a run is in flight are Skipped and missed
// intervals are never backfilled, because every run re-derives its window
// from wall time.
type Runner struct {
	cfg         config.Config
	refs        ReferenceSource
	tele        TelemetrySource
	loader      FactLoader
	invalidator CacheInvalidator
	lock        Locker
	metrics     *metrics.Metrics
	log         *logrus.Entry

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunReport

	// sleep is the retry backoff wait, injectable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wires the pipeline tasks into a runner.
func NewRunner(
	cfg config.Config,
	refs ReferenceSource,
	tele TelemetrySource,
	loader FactLoader,
	invalidator CacheInvalidator,
	lock Locker,
	m *metrics.Metrics,
	log *logrus.Entry,
) *Runner {
	return &Runner{
		cfg:         cfg,
		refs:        refs,
		tele:        tele,
		loader:      loader,
		invalidator: invalidator,
		lock:        lock,
		metrics:     m,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Start runs the scheduling loop until the context is cancelled. One run is
// triggered immediately, then on every period boundary.
func (r *Runner) Start(ctx context.Context) {
	r.log.WithField("period", r.cfg.SchedulePeriod.String()).Info("pipeline scheduler started")

	r.trigger(ctx, time.Now())

	ticker := time.NewTicker(r.cfg.SchedulePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("pipeline scheduler stopped")
			return
		case now := <-ticker.C:
			r.trigger(ctx, now)
		}
	}
}

// trigger starts a run for the scheduled instant unless one is already in
// flight, in which case the instant is recorded as Skipped.
func (r *Runner) trigger(ctx context.Context, now time.Time) {
	if !r.running.CompareAndSwap(false, true) {
		r.recordSkipped(now, "previous run still in flight")
		return
	}
	go func() {
		defer r.running.Store(false)
		r.RunOnce(ctx, now)
	}()
}

// Window computes the extraction window for a run triggered at trigger
// time: end is the trigger truncated to the minute, start is end minus the
// lookback.
func (r *Runner) Window(trigger time.Time) etl.Window {
	end := trigger.UTC().Truncate(time.Minute)
	return etl.Window{Start: end.Add(-r.cfg.LookbackWindow), End: end}
}

// RunOnce executes one complete pipeline run for the given trigger instant
// and returns its report. It is safe to call directly (the CLI does so for
// one-shot runs); Start serializes calls via the running flag.
func (r *Runner) RunOnce(ctx context.Context, trigger time.Time) RunReport {
	started := time.Now()
	report := RunReport{
		RunID:     uuid.NewString(),
		State:     StateRunning,
		Window:    r.Window(trigger),
		StartedAt: started.UTC(),
	}
	log := r.log.WithField("run_id", report.RunID)

	acquired, err := r.lock.Acquire(ctx, report.RunID)
	if err != nil {
		report.State = StateFailed
		report.Error = fmt.Sprintf("acquiring run lock: %v", err)
		r.finish(log, &report, started)
		return report
	}
	if !acquired {
		report.State = StateSkipped
		report.Error = etl.ErrLockContention.Error()
		r.finish(log, &report, started)
		return report
	}
	defer func() {
		// Release on a fresh context so a cancelled run still frees
		// the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.lock.Release(releaseCtx, report.RunID); err != nil {
			log.WithError(err).Warn("failed to release run lock")
		}
	}()

	runCtx, cancelRun := context.WithTimeout(ctx, r.cfg.Timeouts.Run)
	defer cancelRun()

	if err := r.execute(runCtx, log, &report); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", etl.ErrRunTimeout, err)
		}
		report.State = StateFailed
		report.Error = err.Error()
	} else {
		report.State = StateSuccess
	}

	r.finish(log, &report, started)
	return report
}

// execute runs the DAG body under the whole-run context.
func (r *Runner) execute(ctx context.Context, log *logrus.Entry, report *RunReport) error {
	transformer := etl.NewTransformer(log.WithField("component", "transform"), time.Now().UTC())
	var telemetryRows []etl.TelemetryRow

	// The two extracts are independent and run in parallel; the transform
	// joins their results and cannot start before both finish.
	var wg sync.WaitGroup
	var refErr, teleErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		refErr = r.runTask(ctx, "extract_reference", r.cfg.Timeouts.Extract, func(taskCtx context.Context) error {
			n, err := r.extractReference(taskCtx, transformer)
			report.ReferenceRows = n
			return err
		})
	}()
	go func() {
		defer wg.Done()
		teleErr = r.runTask(ctx, "extract_telemetry", r.cfg.Timeouts.Extract, func(taskCtx context.Context) error {
			rows, err := r.extractTelemetry(taskCtx, report.Window)
			telemetryRows = rows
			report.TelemetryRows = len(rows)
			return err
		})
	}()
	wg.Wait()

	if refErr != nil {
		return fmt.Errorf("extract_reference: %w", refErr)
	}
	if teleErr != nil {
		return fmt.Errorf("extract_telemetry: %w", teleErr)
	}

	r.metrics.RowsExtracted.WithLabelValues("reference").Add(float64(report.ReferenceRows))
	r.metrics.RowsExtracted.WithLabelValues("telemetry").Add(float64(report.TelemetryRows))

	// Transform is pure CPU work over in-memory state; a failure here
	// cannot be cured by waiting, so it runs with a timeout but without
	// backoff retries.
	var facts []etl.UsageFact
	err := r.runTaskOnce(ctx, "transform", r.cfg.Timeouts.Transform, func(taskCtx context.Context) error {
		facts = make([]etl.UsageFact, 0, len(telemetryRows))
		for _, row := range telemetryRows {
			fact, err := transformer.Transform(row)
			if err != nil {
				if etl.RowError(err) {
					continue // dropped and counted by the transformer
				}
				return err
			}
			facts = append(facts, fact)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	counters := transformer.Counters()
	report.OrphanRows = counters.OrphanRows
	report.InvalidRows = counters.InvalidRows
	r.metrics.OrphanRows.Add(float64(counters.OrphanRows))
	r.metrics.InvalidMetricRows.Add(float64(counters.InvalidRows))

	var loadResult etl.LoadResult
	err = r.runTask(ctx, "load", r.cfg.Timeouts.Load, func(taskCtx context.Context) error {
		result, err := r.loader.Load(taskCtx, facts)
		if err != nil {
			return err
		}
		loadResult = result
		return nil
	})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	report.FactsLoaded = loadResult.InsertedRows
	report.UsersTouched = len(loadResult.DistinctUserIDs)
	r.metrics.FactsLoaded.Add(float64(loadResult.InsertedRows))

	// Invalidation runs strictly after the load has committed and is
	// best-effort by contract: no retries, failures never fail the run.
	invResult := r.invalidator.Invalidate(ctx, report.RunID, loadResult.DistinctUserIDs)
	report.InvalidationsSent = invResult.Sent
	report.InvalidationsFailed = invResult.Failed

	log.WithFields(logrus.Fields{
		"reference_rows": humanize.Comma(int64(report.ReferenceRows)),
		"telemetry_rows": humanize.Comma(int64(report.TelemetryRows)),
		"facts_loaded":   humanize.Comma(int64(report.FactsLoaded)),
		"users_touched":  report.UsersTouched,
	}).Info("pipeline run body finished")
	return nil
}

// extractReference drains the reference stream into the transformer's chip
// index. The full active set is extracted every run (since the epoch): the
// join must be able to resolve telemetry for devices whose reference data
// has not changed recently.
func (r *Runner) extractReference(ctx context.Context, transformer *etl.Transformer) (int, error) {
	stream, err := r.refs.ExtractReference(ctx, time.Unix(0, 0).UTC())
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	count := 0
	for {
		row, ok, err := stream.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		transformer.AddReference(row)
		count++
	}
}

// extractTelemetry drains the window's hourly aggregates into memory for
// the join pass.
func (r *Runner) extractTelemetry(ctx context.Context, window etl.Window) ([]etl.TelemetryRow, error) {
	stream, err := r.tele.ExtractWindow(ctx, window)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var rows []etl.TelemetryRow
	for {
		row, ok, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// runTask executes fn under a per-task timeout with the configured retry
// policy. Non-retryable errors (schema mismatch) fail immediately.
func (r *Runner) runTask(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retry.Attempts; attempt++ {
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(taskCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !etl.Retryable(err) || attempt == r.cfg.Retry.Attempts {
			break
		}

		backoff := r.backoff(attempt)
		r.metrics.TaskRetries.WithLabelValues(name).Inc()
		r.log.WithFields(logrus.Fields{
			"task":    name,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).WithError(err).Warn("task failed, retrying")

		if err := r.sleep(ctx, backoff); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// runTaskOnce executes fn under a per-task timeout without retries.
func (r *Runner) runTaskOnce(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(taskCtx)
}

// backoff returns the wait before the given retry attempt.
func (r *Runner) backoff(attempt int) time.Duration {
	factor := r.cfg.Retry.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(r.cfg.Retry.BackoffInitial) * math.Pow(factor, float64(attempt-1)))
}

// finish records the terminal state, metrics, and log line of a run.
func (r *Runner) finish(log *logrus.Entry, report *RunReport, started time.Time) {
	report.FinishedAt = time.Now().UTC()
	duration := time.Since(started)

	r.metrics.RunsTotal.WithLabelValues(string(report.State)).Inc()
	if report.State == StateSuccess || report.State == StateFailed {
		r.metrics.RunDuration.Observe(duration.Seconds())
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	entry := log.WithFields(logrus.Fields{
		"state":    string(report.State),
		"duration": duration.String(),
	})
	switch report.State {
	case StateSuccess:
		entry.Info("pipeline run succeeded")
	case StateSkipped:
		entry.Info("pipeline run skipped")
	default:
		entry.WithField("error", report.Error).Error("pipeline run failed")
	}
}

// recordSkipped records a tick that found a run still in flight.
func (r *Runner) recordSkipped(now time.Time, reason string) {
	report := RunReport{
		RunID:      uuid.NewString(),
		State:      StateSkipped,
		Window:     r.Window(now),
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Error:      reason,
	}
	r.metrics.RunsTotal.WithLabelValues(string(StateSkipped)).Inc()
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()
	r.log.WithField("run_id", report.RunID).Info("tick skipped, previous run still running")
}

// LastReport returns the most recent run report, or nil before the first
// run.
func (r *Runner) LastReport() *RunReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	copied := *r.last
	return &copied
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
