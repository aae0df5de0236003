// Package telemetry implements the fact source adapter of the reporting
// pipeline. It reads the hourly-aggregated telemetry table produced by the
// upstream aggregator and streams the aggregates that fall inside a run's
// extraction window.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reporting.bionicpro.org/etl"
)

// HourlyAggregate is the source-side model of the per-(chip, hour) summary.
// hour_start is a UTC instant truncated to the hour by the upstream
// aggregator; updated_at records the latest aggregation time, which the
// loader carries into the mart as source_updated_at.
type HourlyAggregate struct {
	ChipID    string    `gorm:"column:chip_id;primaryKey;size:64"`
	HourStart time.Time `gorm:"column:hour_start;primaryKey"`

	MovementsCount      int64 `gorm:"column:movements_count"`
	SuccessfulMovements int64 `gorm:"column:successful_movements"`

	AvgResponseTimeMs float64 `gorm:"column:avg_response_time_ms"`
	MinResponseTimeMs float64 `gorm:"column:min_response_time_ms"`
	MaxResponseTimeMs float64 `gorm:"column:max_response_time_ms"`

	AvgBatteryLevel float64 `gorm:"column:avg_battery_level"`
	MinBatteryLevel float64 `gorm:"column:min_battery_level"`
	MaxBatteryLevel float64 `gorm:"column:max_battery_level"`

	AvgActuatorTemp float64 `gorm:"column:avg_actuator_temp"`
	MaxActuatorTemp float64 `gorm:"column:max_actuator_temp"`

	ErrorCount   int64 `gorm:"column:error_count"`
	WarningCount int64 `gorm:"column:warning_count"`

	AvgMyoAmplitude      float64 `gorm:"column:avg_myo_amplitude"`
	AvgConnectionQuality float64 `gorm:"column:avg_connection_quality"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName maps HourlyAggregate to the aggregator's output table.
func (HourlyAggregate) TableName() string { return "hourly_telemetry_aggregates" }

const windowQuery = `
SELECT chip_id, hour_start,
       movements_count, successful_movements,
       avg_response_time_ms, min_response_time_ms, max_response_time_ms,
       avg_battery_level, min_battery_level, max_battery_level,
       avg_actuator_temp, max_actuator_temp,
       error_count, warning_count,
       avg_myo_amplitude, avg_connection_quality,
       updated_at
FROM hourly_telemetry_aggregates
WHERE hour_start >= ? AND hour_start < ?
ORDER BY chip_id, hour_start`

// Source pulls hourly aggregates from the telemetry database.
type Source struct {
	db  *gorm.DB
	log *logrus.Entry
}

// NewSource opens the telemetry source with a 4-connection read pool.
func NewSource(dsn string, log *logrus.Entry) (*Source, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening telemetry source: %v", etl.ErrSourceUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring telemetry pool: %v", etl.ErrSourceUnavailable, err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Source{db: db, log: log}, nil
}

// NewSourceWithDB wraps an existing gorm handle, used by tests.
func NewSourceWithDB(db *gorm.DB, log *logrus.Entry) *Source {
	return &Source{db: db, log: log}
}

// Query returns the window extraction SQL.
func (s *Source) Query() string { return windowQuery }

// ExtractWindow streams all hourly aggregates with hour_start in
// [window.Start, window.End). The stream must be drained or closed.
func (s *Source) ExtractWindow(ctx context.Context, window etl.Window) (*Stream, error) {
	rows, err := s.db.WithContext(ctx).Raw(windowQuery, window.Start.UTC(), window.End.UTC()).Rows()
	if err != nil {
		return nil, classifyTelemetryError(err, "telemetry extract")
	}
	return &Stream{rows: rows}, nil
}

// Stream is a lazy cursor over extracted hourly aggregates.
type Stream struct {
	rows *sql.Rows
}

// Next returns the next telemetry row; false once exhausted.
func (st *Stream) Next() (etl.TelemetryRow, bool, error) {
	if !st.rows.Next() {
		if err := st.rows.Err(); err != nil {
			return etl.TelemetryRow{}, false, classifyTelemetryError(err, "telemetry stream")
		}
		return etl.TelemetryRow{}, false, nil
	}

	var row etl.TelemetryRow
	err := st.rows.Scan(
		&row.ChipID, &row.HourStart,
		&row.MovementsCount, &row.SuccessfulMovements,
		&row.AvgResponseTimeMs, &row.MinResponseTimeMs, &row.MaxResponseTimeMs,
		&row.AvgBatteryLevel, &row.MinBatteryLevel, &row.MaxBatteryLevel,
		&row.AvgActuatorTemp, &row.MaxActuatorTemp,
		&row.ErrorCount, &row.WarningCount,
		&row.AvgMyoAmplitude, &row.AvgConnectionQuality,
		&row.UpdatedAt,
	)
	if err != nil {
		return etl.TelemetryRow{}, false, classifyTelemetryError(err, "telemetry scan")
	}
	row.HourStart = row.HourStart.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, true, nil
}

// Close releases the underlying cursor.
func (st *Stream) Close() error {
	return st.rows.Close()
}

// Ping verifies source connectivity for health checks.
func (s *Source) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var schemaErrorStates = []string{
	"SQLSTATE 42703",
	"SQLSTATE 42P01",
	"SQLSTATE 42804",
}

func classifyTelemetryError(err error, op string) error {
	msg := err.Error()
	for _, state := range schemaErrorStates {
		if strings.Contains(msg, state) {
			return fmt.Errorf("%w: %s: %v", etl.ErrSchemaMismatch, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", etl.ErrSourceUnavailable, op, err)
}
