package etl

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Counters accumulates the row-level drop statistics of a single run.
type Counters struct {
	OrphanRows  int64
	InvalidRows int64
}

// Transformer implements the join/transform stage. It builds an in-memory
// chip_id index over the reference stream, then enriches telemetry rows in
// a single pass. A transformer is single-run, single-goroutine state; the
// scheduler creates a fresh one per run.
type Transformer struct {
	log         *logrus.Entry
	index       map[string]ReferenceRow
	counters    Counters
	processedAt time.Time
}

// NewTransformer creates a transformer whose output facts carry processedAt
// as their version stamp.
func NewTransformer(log *logrus.Entry, processedAt time.Time) *Transformer {
	return &Transformer{
		log:         log,
		index:       make(map[string]ReferenceRow),
		processedAt: processedAt.UTC(),
	}
}

// AddReference registers one flattened reference row in the chip index.
// The source query already yields at most one row per chip; if duplicates
// slip through, the freshest UpdatedAt wins, ties broken by the lower
// prosthesis id.
func (t *Transformer) AddReference(row ReferenceRow) {
	existing, ok := t.index[row.ChipID]
	if !ok {
		t.index[row.ChipID] = row
		return
	}
	if row.UpdatedAt.After(existing.UpdatedAt) ||
		(row.UpdatedAt.Equal(existing.UpdatedAt) && row.ProsthesisID < existing.ProsthesisID) {
		t.index[row.ChipID] = row
	}
}

// ReferenceCount returns the number of chips currently indexed.
func (t *Transformer) ReferenceCount() int {
	return len(t.index)
}

// Transform joins one telemetry row against the reference index and derives
// the mart fact. Orphan and invalid rows return a row-level error and are
// counted; the caller drops them and continues.
func (t *Transformer) Transform(row TelemetryRow) (UsageFact, error) {
	ref, ok := t.index[row.ChipID]
	if !ok {
		t.counters.OrphanRows++
		err := &OrphanTelemetryError{ChipID: row.ChipID, HourStart: row.HourStart}
		t.log.WithFields(logrus.Fields{
			"chip_id":    row.ChipID,
			"hour_start": row.HourStart.UTC().Format(time.RFC3339),
		}).Warn("dropping orphan telemetry row")
		return UsageFact{}, err
	}

	if reason := validateMetrics(row); reason != "" {
		t.counters.InvalidRows++
		err := &InvalidMetricError{ChipID: row.ChipID, HourStart: row.HourStart, Reason: reason}
		t.log.WithFields(logrus.Fields{
			"chip_id": row.ChipID,
			"reason":  reason,
		}).Warn("dropping telemetry row with invalid metrics")
		return UsageFact{}, err
	}

	hour := row.HourStart.UTC()
	fact := UsageFact{
		ExternalID:   ref.ExternalID,
		CustomerID:   ref.CustomerID,
		CustomerName: ref.CustomerName(),
		Email:        ref.Email,
		Region:       ref.Region,
		Branch:       ref.Branch,

		ProsthesisID:    ref.ProsthesisID,
		SerialNumber:    ref.SerialNumber,
		ChipID:          ref.ChipID,
		ModelCode:       ref.ModelCode,
		ModelName:       ref.ModelName,
		Category:        ref.Category,
		FirmwareVersion: ref.FirmwareVersion,

		ReportDate: time.Date(hour.Year(), hour.Month(), hour.Day(), 0, 0, 0, 0, time.UTC),
		ReportHour: uint8(hour.Hour()),

		MovementsCount:      row.MovementsCount,
		SuccessfulMovements: row.SuccessfulMovements,
		SuccessRate:         SuccessRate(row.SuccessfulMovements, row.MovementsCount),

		AvgResponseTimeMs: row.AvgResponseTimeMs,
		MinResponseTimeMs: row.MinResponseTimeMs,
		MaxResponseTimeMs: row.MaxResponseTimeMs,

		AvgBatteryLevel: row.AvgBatteryLevel,
		MinBatteryLevel: row.MinBatteryLevel,
		MaxBatteryLevel: row.MaxBatteryLevel,

		AvgActuatorTemp: row.AvgActuatorTemp,
		MaxActuatorTemp: row.MaxActuatorTemp,

		ErrorCount:   row.ErrorCount,
		WarningCount: row.WarningCount,

		AvgMyoAmplitude:      row.AvgMyoAmplitude,
		AvgConnectionQuality: row.AvgConnectionQuality,

		SourceUpdatedAt: row.UpdatedAt.UTC(),
		ETLProcessedAt:  t.processedAt,
	}
	return fact, nil
}

// Counters returns the accumulated drop statistics.
func (t *Transformer) Counters() Counters {
	return t.counters
}

func validateMetrics(row TelemetryRow) string {
	switch {
	case row.MovementsCount < 0:
		return "movements_count is negative"
	case row.SuccessfulMovements < 0:
		return "successful_movements is negative"
	case row.SuccessfulMovements > row.MovementsCount:
		return "successful_movements exceeds movements_count"
	case row.ErrorCount < 0 || row.WarningCount < 0:
		return "error or warning count is negative"
	case row.AvgBatteryLevel < 0 || row.AvgBatteryLevel > 100:
		return "avg_battery_level outside [0,100]"
	case row.MinBatteryLevel < 0 || row.MinBatteryLevel > 100:
		return "min_battery_level outside [0,100]"
	case row.MaxBatteryLevel < 0 || row.MaxBatteryLevel > 100:
		return "max_battery_level outside [0,100]"
	case row.AvgConnectionQuality < 0 || row.AvgConnectionQuality > 100:
		return "avg_connection_quality outside [0,100]"
	}
	return ""
}

// SuccessRate computes successful/movements*100 rounded half-up to two
// decimals, returning 0 when movements is 0. Division by zero never yields
// NaN anywhere in the pipeline.
func SuccessRate(successful, movements int64) float64 {
	if movements == 0 {
		return 0
	}
	return RoundHalfUp(float64(successful)/float64(movements)*100, 2)
}

// RoundHalfUp rounds v half-up to the given number of decimal places.
// Banker's rounding is deliberately not used; .005 rounds to .01.
func RoundHalfUp(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Floor(v*scale+0.5) / scale
}
