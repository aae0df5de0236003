// Package mart implements the fact loader and aggregation views over the
// analytical mart (ClickHouse). The mart is append-only: every run inserts
// full fact rows stamped with etl_processed_at, and the ReplacingMergeTree
// engine plus argMax read queries collapse duplicates so readers always see
// the latest version per semantic key.
package mart

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// statsTable is the denormalized hourly fact table. Semantic key:
// (external_id, prosthesis_id, report_date, report_hour); versions are
// collapsed by the maximum etl_processed_at. Partitioned by year-month of
// the report date, expired by TTL.
const statsTable = "user_prosthesis_stats"

// statsSchema is the DDL template for the fact table; the single %d is the
// retention in days.
const statsSchema = `
CREATE TABLE IF NOT EXISTS user_prosthesis_stats (
    -- identity (denormalized reference attributes at load time)
    external_id            String,
    customer_id            Int64,
    customer_name          String,
    email                  String,
    region                 LowCardinality(String),
    branch                 String,

    -- device
    prosthesis_id          Int64,
    serial_number          String,
    chip_id                String,
    model_code             LowCardinality(String),
    model_name             String,
    category               LowCardinality(String),
    firmware_version       String,

    -- reporting window
    report_date            Date,
    report_hour            UInt8,

    -- movement metrics
    movements_count        Int64,
    successful_movements   Int64,
    success_rate           Float64,

    -- response time
    avg_response_time_ms   Float64,
    min_response_time_ms   Float64,
    max_response_time_ms   Float64,

    -- battery
    avg_battery_level      Float64,
    min_battery_level      Float64,
    max_battery_level      Float64,

    -- actuator temperature
    avg_actuator_temp      Float64,
    max_actuator_temp      Float64,

    -- health counters
    error_count            Int64,
    warning_count          Int64,

    -- signal quality
    avg_myo_amplitude      Float64,
    avg_connection_quality Float64,

    -- stamps
    source_updated_at      DateTime('UTC'),
    etl_processed_at       DateTime64(3, 'UTC')
)
ENGINE = ReplacingMergeTree(etl_processed_at)
PARTITION BY toYYYYMM(report_date)
ORDER BY (external_id, report_date, report_hour, prosthesis_id)
TTL report_date + INTERVAL %d DAY
`

// insertColumns lists the fact columns in insert/scan order. Kept adjacent
// to the DDL so schema and loader cannot drift independently.
var insertColumns = []string{
	"external_id", "customer_id", "customer_name", "email", "region", "branch",
	"prosthesis_id", "serial_number", "chip_id", "model_code", "model_name", "category", "firmware_version",
	"report_date", "report_hour",
	"movements_count", "successful_movements", "success_rate",
	"avg_response_time_ms", "min_response_time_ms", "max_response_time_ms",
	"avg_battery_level", "min_battery_level", "max_battery_level",
	"avg_actuator_temp", "max_actuator_temp",
	"error_count", "warning_count",
	"avg_myo_amplitude", "avg_connection_quality",
	"source_updated_at", "etl_processed_at",
}

// SchemaDDL renders the fact table DDL for the configured retention.
func SchemaDDL(retentionDays int) string {
	return fmt.Sprintf(statsSchema, retentionDays)
}

// EnsureSchema creates the mart table if it does not exist. The statement
// is idempotent and safe to run on every startup.
func EnsureSchema(ctx context.Context, conn driver.Conn, retentionDays int) error {
	if err := conn.Exec(ctx, SchemaDDL(retentionDays)); err != nil {
		return classifyMartError(err, "ensure schema")
	}
	return nil
}
