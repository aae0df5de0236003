package etl

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func referenceFixture() ReferenceRow {
	return ReferenceRow{
		CustomerID:      42,
		ExternalID:      "ivan.petrov",
		LastName:        "Petrov",
		FirstName:       "Ivan",
		Email:           "ivan.petrov@example.com",
		Region:          "europe",
		Branch:          "berlin",
		ProsthesisID:    7,
		SerialNumber:    "SN-0007",
		ChipID:          "CHIP-1",
		FirmwareVersion: "2.4.1",
		ModelCode:       "ARM-X2",
		ModelName:       "Myo Arm X2",
		Category:        "arm",
		WarrantyMonths:  24,
		UpdatedAt:       time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func telemetryFixture() TelemetryRow {
	return TelemetryRow{
		ChipID:               "CHIP-1",
		HourStart:            time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		MovementsCount:       100,
		SuccessfulMovements:  95,
		AvgResponseTimeMs:    80,
		MinResponseTimeMs:    40,
		MaxResponseTimeMs:    160,
		AvgBatteryLevel:      70,
		MinBatteryLevel:      55,
		MaxBatteryLevel:      88,
		AvgActuatorTemp:      31.5,
		MaxActuatorTemp:      36.0,
		ErrorCount:           1,
		WarningCount:         2,
		AvgMyoAmplitude:      0.42,
		AvgConnectionQuality: 97.5,
		UpdatedAt:            time.Date(2024, 1, 15, 11, 4, 0, 0, time.UTC),
	}
}

// TestTransformer_Transform tests the join and derived-field semantics
func TestTransformer_Transform(t *testing.T) {
	processedAt := time.Date(2024, 1, 15, 11, 15, 0, 0, time.UTC)

	t.Run("happy path one user one hour", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		fact, err := tr.Transform(telemetryFixture())
		require.NoError(t, err)

		assert.Equal(t, "ivan.petrov", fact.ExternalID)
		assert.Equal(t, "Petrov Ivan", fact.CustomerName)
		assert.Equal(t, int64(7), fact.ProsthesisID)
		assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), fact.ReportDate)
		assert.Equal(t, uint8(10), fact.ReportHour)
		assert.Equal(t, int64(100), fact.MovementsCount)
		assert.Equal(t, 95.0, fact.SuccessRate)
		assert.Equal(t, processedAt, fact.ETLProcessedAt)
		assert.Equal(t, telemetryFixture().UpdatedAt, fact.SourceUpdatedAt)
		assert.Equal(t, Counters{}, tr.Counters())
	})

	t.Run("zero movements keeps the row with zero success rate", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		row := telemetryFixture()
		row.MovementsCount = 0
		row.SuccessfulMovements = 0

		fact, err := tr.Transform(row)
		require.NoError(t, err)
		assert.Equal(t, 0.0, fact.SuccessRate)
	})

	t.Run("orphan telemetry is dropped and counted", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		row := telemetryFixture()
		row.ChipID = "CHIP-UNKNOWN"

		_, err := tr.Transform(row)
		require.Error(t, err)
		var orphan *OrphanTelemetryError
		require.ErrorAs(t, err, &orphan)
		assert.Equal(t, "CHIP-UNKNOWN", orphan.ChipID)
		assert.True(t, RowError(err))
		assert.Equal(t, int64(1), tr.Counters().OrphanRows)
	})

	t.Run("battery out of range is dropped and counted", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		row := telemetryFixture()
		row.AvgBatteryLevel = 120

		_, err := tr.Transform(row)
		var invalid *InvalidMetricError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "avg_battery_level")
		assert.Equal(t, int64(1), tr.Counters().InvalidRows)
	})

	t.Run("successful above movements is dropped", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		row := telemetryFixture()
		row.SuccessfulMovements = 101

		_, err := tr.Transform(row)
		var invalid *InvalidMetricError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, int64(1), tr.Counters().InvalidRows)
	})

	t.Run("report date and hour derive from UTC at day boundary", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		tr.AddReference(referenceFixture())

		// 01:00 CEST on April 1st is 23:00 UTC on March 31st, the tail
		// of a DST transition weekend.
		cest := time.FixedZone("CEST", 2*60*60)
		row := telemetryFixture()
		row.HourStart = time.Date(2024, 4, 1, 1, 0, 0, 0, cest)

		fact, err := tr.Transform(row)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), fact.ReportDate)
		assert.Equal(t, uint8(23), fact.ReportHour)
	})
}

// TestTransformer_AddReference tests the chip index tie-break
func TestTransformer_AddReference(t *testing.T) {
	processedAt := time.Now().UTC()

	t.Run("fresher update wins", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		older := referenceFixture()
		newer := referenceFixture()
		newer.ProsthesisID = 9
		newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)

		tr.AddReference(older)
		tr.AddReference(newer)

		fact, err := tr.Transform(telemetryFixture())
		require.NoError(t, err)
		assert.Equal(t, int64(9), fact.ProsthesisID)
		assert.Equal(t, 1, tr.ReferenceCount())
	})

	t.Run("equal timestamps break ties by ascending prosthesis id", func(t *testing.T) {
		tr := NewTransformer(testLogger(), processedAt)
		high := referenceFixture()
		high.ProsthesisID = 12
		low := referenceFixture()
		low.ProsthesisID = 3

		tr.AddReference(high)
		tr.AddReference(low)

		fact, err := tr.Transform(telemetryFixture())
		require.NoError(t, err)
		assert.Equal(t, int64(3), fact.ProsthesisID)
	})
}

// TestReferenceRow_CustomerName tests the name concatenation rules
func TestReferenceRow_CustomerName(t *testing.T) {
	t.Run("last first middle", func(t *testing.T) {
		row := ReferenceRow{LastName: "Petrov", FirstName: "Ivan", MiddleName: "Sergeevich"}
		assert.Equal(t, "Petrov Ivan Sergeevich", row.CustomerName())
	})

	t.Run("no middle name", func(t *testing.T) {
		row := ReferenceRow{LastName: "Petrov", FirstName: "Ivan"}
		assert.Equal(t, "Petrov Ivan", row.CustomerName())
	})

	t.Run("single component has no trailing space", func(t *testing.T) {
		row := ReferenceRow{LastName: "Petrov"}
		assert.Equal(t, "Petrov", row.CustomerName())
	})
}

// TestSuccessRate tests the division guard and rounding policy
func TestSuccessRate(t *testing.T) {
	t.Run("zero denominator yields zero", func(t *testing.T) {
		assert.Equal(t, 0.0, SuccessRate(0, 0))
	})

	t.Run("exact percentage", func(t *testing.T) {
		assert.Equal(t, 95.0, SuccessRate(95, 100))
	})

	t.Run("rounds half up to two decimals", func(t *testing.T) {
		// 1/3 = 33.333...% -> 33.33
		assert.Equal(t, 33.33, SuccessRate(1, 3))
		// 2/3 = 66.666...% -> 66.67
		assert.Equal(t, 66.67, SuccessRate(2, 3))
		// 1/8 = 12.5% stays exact
		assert.Equal(t, 12.5, SuccessRate(1, 8))
	})
}

// TestRoundHalfUp tests the half-up rounding helper
func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, 0.01, RoundHalfUp(0.005, 2))
	assert.Equal(t, 2.35, RoundHalfUp(2.346, 2))
	assert.Equal(t, 3.0, RoundHalfUp(2.5, 0))
	assert.Equal(t, 12.5, RoundHalfUp(12.5, 2))
}

// TestRetryable tests the task-level error classification
func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrSourceUnavailable))
	assert.True(t, Retryable(ErrTargetUnavailable))
	assert.False(t, Retryable(ErrSchemaMismatch))
	assert.False(t, Retryable(ErrLockContention))
	assert.False(t, Retryable(ErrRunTimeout))
	assert.False(t, Retryable(assert.AnError))
}
