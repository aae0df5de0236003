package mart

import (
	"context"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"reporting.bionicpro.org/etl"
)

// The two read views below are part of the reporting contract: the external
// read service answers per-user reports with exactly these definitions.
// Both apply the version-wins rule through an argMax inner select keyed by
// (prosthesis_id, report_date, report_hour) for one external_id, so callers
// observe a single consistent value per semantic key even while older fact
// versions still coexist in storage.

const dailyReportQuery = `
SELECT
    sum(movements)                         AS daily_movements,
    sum(successful)                        AS daily_successful,
    avg(avg_response)                      AS avg_response_time_ms,
    avg(avg_battery)                       AS avg_battery_percent,
    min(min_battery)                       AS min_battery_percent,
    avg(avg_temp)                          AS avg_temp_celsius,
    max(max_temp)                          AS max_temp_celsius,
    avg(connection_quality)                AS avg_connection_quality,
    sum(errors)                            AS daily_errors,
    toUInt64(uniqExact(report_hour))       AS active_hours
FROM (
    SELECT
        prosthesis_id, report_hour,
        argMax(movements_count, etl_processed_at)        AS movements,
        argMax(successful_movements, etl_processed_at)   AS successful,
        argMax(avg_response_time_ms, etl_processed_at)   AS avg_response,
        argMax(avg_battery_level, etl_processed_at)      AS avg_battery,
        argMax(min_battery_level, etl_processed_at)      AS min_battery,
        argMax(avg_actuator_temp, etl_processed_at)      AS avg_temp,
        argMax(max_actuator_temp, etl_processed_at)      AS max_temp,
        argMax(avg_connection_quality, etl_processed_at) AS connection_quality,
        argMax(error_count, etl_processed_at)            AS errors
    FROM user_prosthesis_stats
    WHERE external_id = ? AND report_date = ?
    GROUP BY prosthesis_id, report_hour
)`

const userSummaryQuery = `
SELECT
    min(report_date)                       AS first_activity_date,
    max(report_date)                       AS last_activity_date,
    toUInt64(uniqExact(report_date))       AS active_days,
    sum(movements)                         AS total_movements,
    sum(successful)                        AS total_successful,
    avg(avg_response)                      AS avg_response_time_ms,
    avg(avg_battery)                       AS avg_battery_percent,
    sum(errors)                            AS total_errors
FROM (
    SELECT
        prosthesis_id, report_date, report_hour,
        argMax(movements_count, etl_processed_at)      AS movements,
        argMax(successful_movements, etl_processed_at) AS successful,
        argMax(avg_response_time_ms, etl_processed_at) AS avg_response,
        argMax(avg_battery_level, etl_processed_at)    AS avg_battery,
        argMax(error_count, etl_processed_at)          AS errors
    FROM user_prosthesis_stats
    WHERE external_id = ?
    GROUP BY prosthesis_id, report_date, report_hour
)`

// DailyReport is the per-user, per-day roll-up over the hourly facts.
type DailyReport struct {
	ExternalID string
	ReportDate time.Time

	DailyMovements   int64
	DailySuccessful  int64
	DailySuccessRate float64

	AvgResponseTimeMs    float64
	AvgBatteryPercent    float64
	MinBatteryPercent    float64
	AvgTempCelsius       float64
	MaxTempCelsius       float64
	AvgConnectionQuality float64

	DailyErrors int64
	ActiveHours uint64
}

// UserSummary is the lifetime roll-up for one user.
type UserSummary struct {
	ExternalID string

	FirstActivityDate time.Time
	LastActivityDate  time.Time
	TotalDays         int64
	ActiveDays        uint64

	TotalMovements     int64
	TotalSuccessful    int64
	OverallSuccessRate float64

	AvgResponseTimeMs float64
	AvgBatteryPercent float64

	TotalErrors     int64
	AvgErrorsPerDay float64
}

// Views answers the two read-view queries over the mart.
type Views struct {
	conn driver.Conn
}

// NewViews creates the view reader over an existing mart connection.
func NewViews(conn driver.Conn) *Views {
	return &Views{conn: conn}
}

// DailyReport computes the daily roll-up for one user and UTC date.
// A day without facts yields an all-zero report, never NaN.
func (v *Views) DailyReport(ctx context.Context, externalID string, reportDate time.Time) (DailyReport, error) {
	report := DailyReport{ExternalID: externalID, ReportDate: dateUTC(reportDate)}

	row := v.conn.QueryRow(ctx, dailyReportQuery, externalID, report.ReportDate)
	err := row.Scan(
		&report.DailyMovements,
		&report.DailySuccessful,
		&report.AvgResponseTimeMs,
		&report.AvgBatteryPercent,
		&report.MinBatteryPercent,
		&report.AvgTempCelsius,
		&report.MaxTempCelsius,
		&report.AvgConnectionQuality,
		&report.DailyErrors,
		&report.ActiveHours,
	)
	if err != nil {
		return DailyReport{}, classifyMartError(err, "daily report")
	}

	if report.ActiveHours == 0 {
		// Aggregates over an empty set come back as zero sums and NaN
		// averages; absence is reported as "no active hours".
		return DailyReport{ExternalID: externalID, ReportDate: report.ReportDate}, nil
	}

	report.DailySuccessRate = clampRate(etl.SuccessRate(report.DailySuccessful, report.DailyMovements))
	report.AvgResponseTimeMs = zeroIfNotFinite(report.AvgResponseTimeMs)
	report.AvgBatteryPercent = zeroIfNotFinite(report.AvgBatteryPercent)
	report.AvgTempCelsius = zeroIfNotFinite(report.AvgTempCelsius)
	report.AvgConnectionQuality = zeroIfNotFinite(report.AvgConnectionQuality)
	return report, nil
}

// UserSummary computes the lifetime roll-up for one user. A user with no
// facts yields an all-zero summary with zero activity dates.
func (v *Views) UserSummary(ctx context.Context, externalID string) (UserSummary, error) {
	summary := UserSummary{ExternalID: externalID}

	row := v.conn.QueryRow(ctx, userSummaryQuery, externalID)
	err := row.Scan(
		&summary.FirstActivityDate,
		&summary.LastActivityDate,
		&summary.ActiveDays,
		&summary.TotalMovements,
		&summary.TotalSuccessful,
		&summary.AvgResponseTimeMs,
		&summary.AvgBatteryPercent,
		&summary.TotalErrors,
	)
	if err != nil {
		return UserSummary{}, classifyMartError(err, "user summary")
	}

	if summary.ActiveDays == 0 {
		return UserSummary{ExternalID: externalID}, nil
	}

	summary.FirstActivityDate = dateUTC(summary.FirstActivityDate)
	summary.LastActivityDate = dateUTC(summary.LastActivityDate)
	summary.TotalDays = totalDays(summary.FirstActivityDate, summary.LastActivityDate)
	summary.OverallSuccessRate = clampRate(etl.SuccessRate(summary.TotalSuccessful, summary.TotalMovements))
	summary.AvgResponseTimeMs = zeroIfNotFinite(summary.AvgResponseTimeMs)
	summary.AvgBatteryPercent = zeroIfNotFinite(summary.AvgBatteryPercent)
	summary.AvgErrorsPerDay = avgErrorsPerDay(summary.TotalErrors, summary.ActiveDays)
	return summary, nil
}

// totalDays is the inclusive calendar span between first and last activity.
func totalDays(first, last time.Time) int64 {
	return int64(last.Sub(first).Hours()/24) + 1
}

// avgErrorsPerDay divides total errors over active days, rounded to two
// decimals, with the usual zero-denominator guard.
func avgErrorsPerDay(totalErrors int64, activeDays uint64) float64 {
	if activeDays == 0 {
		return 0
	}
	return etl.RoundHalfUp(float64(totalErrors)/float64(activeDays), 2)
}

// clampRate clamps a percentage into [0, 100].
func clampRate(v float64) float64 {
	return math.Min(math.Max(v, 0), 100)
}

func zeroIfNotFinite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func dateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
