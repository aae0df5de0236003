package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reporting.bionicpro.org/cache"
	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/etl"
	"reporting.bionicpro.org/metrics"
)

type fakeReferenceIterator struct {
	rows []etl.ReferenceRow
	pos  int
	err  error
}

func (f *fakeReferenceIterator) Next() (etl.ReferenceRow, bool, error) {
	if f.err != nil {
		return etl.ReferenceRow{}, false, f.err
	}
	if f.pos >= len(f.rows) {
		return etl.ReferenceRow{}, false, nil
	}
	row := f.rows[f.pos]
	f.pos++
	return row, true, nil
}

func (f *fakeReferenceIterator) Close() error { return nil }

type fakeTelemetryIterator struct {
	rows []etl.TelemetryRow
	pos  int
}

func (f *fakeTelemetryIterator) Next() (etl.TelemetryRow, bool, error) {
	if f.pos >= len(f.rows) {
		return etl.TelemetryRow{}, false, nil
	}
	row := f.rows[f.pos]
	f.pos++
	return row, true, nil
}

func (f *fakeTelemetryIterator) Close() error { return nil }

type fakeLoader struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	failWith error
	got      []etl.UsageFact
}

func (f *fakeLoader) Load(ctx context.Context, facts []etl.UsageFact) (etl.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return etl.LoadResult{}, f.failWith
	}
	f.got = facts
	users := map[string]struct{}{}
	for _, fact := range facts {
		users[fact.ExternalID] = struct{}{}
	}
	result := etl.LoadResult{InsertedRows: len(facts)}
	for id := range users {
		result.DistinctUserIDs = append(result.DistinctUserIDs, id)
	}
	return result, nil
}

type fakeInvalidator struct {
	mu     sync.Mutex
	calls  int
	runID  string
	users  []string
	result cache.Result
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, runID string, userIDs []string) cache.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.runID = runID
	f.users = userIDs
	if f.result == (cache.Result{}) {
		return cache.Result{Sent: len(userIDs)}
	}
	return f.result
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	refuse   bool
	released int
}

func (f *fakeLock) Acquire(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse || f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.released++
	return nil
}

func testRunner(refs ReferenceSource, tele TelemetrySource, loader FactLoader, inv CacheInvalidator, lock Locker) *Runner {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := config.Default()
	runner := NewRunner(cfg, refs, tele, loader, inv, lock, metrics.New(), logrus.NewEntry(logger))
	runner.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return runner
}

func staticSources(refRows []etl.ReferenceRow, teleRows []etl.TelemetryRow) (ReferenceSource, TelemetrySource) {
	refs := ReferenceSourceFunc(func(ctx context.Context, since time.Time) (etl.ReferenceIterator, error) {
		return &fakeReferenceIterator{rows: refRows}, nil
	})
	tele := TelemetrySourceFunc(func(ctx context.Context, window etl.Window) (etl.TelemetryIterator, error) {
		return &fakeTelemetryIterator{rows: teleRows}, nil
	})
	return refs, tele
}

func refRow(chip, externalID string) etl.ReferenceRow {
	return etl.ReferenceRow{
		CustomerID:   1,
		ExternalID:   externalID,
		LastName:     "Petrov",
		FirstName:    "Ivan",
		ProsthesisID: 7,
		ChipID:       chip,
		UpdatedAt:    time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func teleRow(chip string, hour time.Time) etl.TelemetryRow {
	return etl.TelemetryRow{
		ChipID:              chip,
		HourStart:           hour,
		MovementsCount:      100,
		SuccessfulMovements: 95,
		AvgBatteryLevel:     70,
		ErrorCount:          1,
		UpdatedAt:           hour.Add(time.Hour),
	}
}

// TestRunner_Window tests the window computation
func TestRunner_Window(t *testing.T) {
	refs, tele := staticSources(nil, nil)
	runner := testRunner(refs, tele, &fakeLoader{}, &fakeInvalidator{}, &fakeLock{})

	trigger := time.Date(2024, 1, 15, 10, 17, 42, 123, time.UTC)
	window := runner.Window(trigger)

	assert.Equal(t, time.Date(2024, 1, 15, 10, 17, 0, 0, time.UTC), window.End)
	assert.Equal(t, time.Date(2024, 1, 15, 8, 17, 0, 0, time.UTC), window.Start)
}

// TestRunner_RunOnce tests the DAG end to end with fakes
func TestRunner_RunOnce(t *testing.T) {
	hour := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("happy path loads facts and invalidates touched users", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		loader := &fakeLoader{}
		inv := &fakeInvalidator{}
		lock := &fakeLock{}
		runner := testRunner(refs, tele, loader, inv, lock)

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateSuccess, report.State)
		assert.Equal(t, 1, report.ReferenceRows)
		assert.Equal(t, 1, report.TelemetryRows)
		assert.Equal(t, 1, report.FactsLoaded)
		assert.Equal(t, 1, report.UsersTouched)
		assert.Equal(t, 1, report.InvalidationsSent)

		require.Len(t, loader.got, 1)
		assert.Equal(t, "ivan.petrov", loader.got[0].ExternalID)
		assert.Equal(t, 95.0, loader.got[0].SuccessRate)

		assert.Equal(t, []string{"ivan.petrov"}, inv.users)
		assert.Equal(t, report.RunID, inv.runID)
		assert.Equal(t, 1, lock.released)

		last := runner.LastReport()
		require.NotNil(t, last)
		assert.Equal(t, report.RunID, last.RunID)
	})

	t.Run("orphan telemetry is dropped and counted, not loaded", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{
				teleRow("CHIP-1", hour),
				teleRow("CHIP-UNKNOWN", hour),
			},
		)
		loader := &fakeLoader{}
		runner := testRunner(refs, tele, loader, &fakeInvalidator{}, &fakeLock{})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateSuccess, report.State)
		assert.Equal(t, int64(1), report.OrphanRows)
		assert.Equal(t, 1, report.FactsLoaded)
		require.Len(t, loader.got, 1)
		assert.Equal(t, "CHIP-1", loader.got[0].ChipID)
	})

	t.Run("lock contention skips the run without touching sources", func(t *testing.T) {
		called := false
		refs := ReferenceSourceFunc(func(ctx context.Context, since time.Time) (etl.ReferenceIterator, error) {
			called = true
			return &fakeReferenceIterator{}, nil
		})
		_, tele := staticSources(nil, nil)
		loader := &fakeLoader{}
		runner := testRunner(refs, tele, loader, &fakeInvalidator{}, &fakeLock{refuse: true})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateSkipped, report.State)
		assert.False(t, called)
		assert.Equal(t, 0, loader.calls)
	})

	t.Run("transient load failures are retried until success", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		loader := &fakeLoader{failures: 2, failWith: etl.ErrTargetUnavailable}
		runner := testRunner(refs, tele, loader, &fakeInvalidator{}, &fakeLock{})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateSuccess, report.State)
		assert.Equal(t, 3, loader.calls)
	})

	t.Run("exhausted retries fail the run", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		loader := &fakeLoader{failures: 10, failWith: etl.ErrTargetUnavailable}
		inv := &fakeInvalidator{}
		runner := testRunner(refs, tele, loader, inv, &fakeLock{})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateFailed, report.State)
		assert.Equal(t, 3, loader.calls)
		// Invalidation happens strictly after a committed load.
		assert.Equal(t, 0, inv.calls)
	})

	t.Run("schema mismatch fails immediately without retries", func(t *testing.T) {
		attempts := 0
		refs := ReferenceSourceFunc(func(ctx context.Context, since time.Time) (etl.ReferenceIterator, error) {
			attempts++
			return nil, etl.ErrSchemaMismatch
		})
		_, tele := staticSources(nil, nil)
		loader := &fakeLoader{}
		runner := testRunner(refs, tele, loader, &fakeInvalidator{}, &fakeLock{})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateFailed, report.State)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 0, loader.calls)
	})

	t.Run("invalidation failures never fail the run", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		inv := &fakeInvalidator{result: cache.Result{Failed: 1}}
		runner := testRunner(refs, tele, &fakeLoader{}, inv, &fakeLock{})

		report := runner.RunOnce(context.Background(), time.Now())

		assert.Equal(t, StateSuccess, report.State)
		assert.Equal(t, 1, report.InvalidationsFailed)
	})

	t.Run("double run with identical sources produces identical facts", func(t *testing.T) {
		refs, tele := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		loaderA := &fakeLoader{}
		runnerA := testRunner(refs, tele, loaderA, &fakeInvalidator{}, &fakeLock{})
		reportA := runnerA.RunOnce(context.Background(), time.Now())

		refs2, tele2 := staticSources(
			[]etl.ReferenceRow{refRow("CHIP-1", "ivan.petrov")},
			[]etl.TelemetryRow{teleRow("CHIP-1", hour)},
		)
		loaderB := &fakeLoader{}
		runnerB := testRunner(refs2, tele2, loaderB, &fakeInvalidator{}, &fakeLock{})
		reportB := runnerB.RunOnce(context.Background(), time.Now())

		require.Equal(t, StateSuccess, reportA.State)
		require.Equal(t, StateSuccess, reportB.State)
		require.Len(t, loaderA.got, 1)
		require.Len(t, loaderB.got, 1)

		// Everything except the version stamp is byte-identical; the
		// version-wins rule collapses the stamps at read time.
		factA, factB := loaderA.got[0], loaderB.got[0]
		factA.ETLProcessedAt = time.Time{}
		factB.ETLProcessedAt = time.Time{}
		assert.Equal(t, factA, factB)
	})
}

// TestRunner_Backoff tests the retry backoff schedule
func TestRunner_Backoff(t *testing.T) {
	refs, tele := staticSources(nil, nil)
	runner := testRunner(refs, tele, &fakeLoader{}, &fakeInvalidator{}, &fakeLock{})

	t.Run("factor one keeps a fixed delay", func(t *testing.T) {
		assert.Equal(t, 5*time.Minute, runner.backoff(1))
		assert.Equal(t, 5*time.Minute, runner.backoff(2))
		assert.Equal(t, 5*time.Minute, runner.backoff(3))
	})

	t.Run("exponential factor grows per attempt", func(t *testing.T) {
		runner.cfg.Retry.BackoffFactor = 2
		defer func() { runner.cfg.Retry.BackoffFactor = 1 }()

		assert.Equal(t, 5*time.Minute, runner.backoff(1))
		assert.Equal(t, 10*time.Minute, runner.backoff(2))
		assert.Equal(t, 20*time.Minute, runner.backoff(3))
	})
}
