package crm

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

	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/etl"
)

// referenceColumns is the column list of the flattened view, in scan order.
// Both source modes must be able to produce every one of them; a source
// missing any is a fatal schema mismatch.
const referenceColumns = `
	c.customer_id, c.external_id, c.last_name, c.first_name, c.middle_name,
	c.email, c.region, c.branch,
	p.prosthesis_id, p.serial_number, p.chip_id, p.firmware_version,
	m.model_code, m.model_name, m.category, m.warranty_months,
	GREATEST(c.updated_at, p.updated_at) AS updated_at`

// directQuery reads the live CRM tables. DISTINCT ON (chip_id) with the
// freshest update first enforces at most one row per chip, ties broken by
// ascending prosthesis id.
const directQuery = `
SELECT DISTINCT ON (p.chip_id)` + referenceColumns + `
FROM prostheses p
JOIN customers c ON c.customer_id = p.customer_id
JOIN prosthesis_models m ON m.model_id = p.model_id
WHERE p.status = 'active'
  AND p.chip_id IS NOT NULL
  AND GREATEST(c.updated_at, p.updated_at) >= ?
ORDER BY p.chip_id, GREATEST(c.updated_at, p.updated_at) DESC, p.prosthesis_id ASC`

// replicaQuery reads the CDC-populated replica tables. Each replica table
// keeps every replicated version of a row; the CTEs collapse them to the
// highest cdc_version per primary key (version-wins) and drop tombstones
// before the same flattening as the direct query.
const replicaQuery = `
WITH c AS (
	SELECT DISTINCT ON (customer_id) *
	FROM crm_replica_customers
	ORDER BY customer_id, cdc_version DESC
), p AS (
	SELECT DISTINCT ON (prosthesis_id) *
	FROM crm_replica_prostheses
	ORDER BY prosthesis_id, cdc_version DESC
), m AS (
	SELECT DISTINCT ON (model_id) *
	FROM crm_replica_prosthesis_models
	ORDER BY model_id, cdc_version DESC
)
SELECT DISTINCT ON (p.chip_id)` + referenceColumns + `
FROM p
JOIN c ON c.customer_id = p.customer_id
JOIN m ON m.model_id = p.model_id
WHERE NOT p.cdc_deleted AND NOT c.cdc_deleted
  AND p.status = 'active'
  AND p.chip_id IS NOT NULL
  AND GREATEST(c.updated_at, p.updated_at) >= ?
ORDER BY p.chip_id, GREATEST(c.updated_at, p.updated_at) DESC, p.prosthesis_id ASC`

// Source pulls reference rows from the CRM database or its CDC replica.
type Source struct {
	db   *gorm.DB
	mode config.SourceMode
	log  *logrus.Entry
}

// NewSource opens the reference source. The read pool is sized to 4
// connections; reads run at the driver's default read-committed isolation,
// partial reads are acceptable because the next run recovers.
func NewSource(dsn string, mode config.SourceMode, log *logrus.Entry) (*Source, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening CRM source: %v", etl.ErrSourceUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring CRM pool: %v", etl.ErrSourceUnavailable, err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Source{db: db, mode: mode, log: log}, nil
}

// NewSourceWithDB wraps an existing gorm handle. Used by tests.
func NewSourceWithDB(db *gorm.DB, mode config.SourceMode, log *logrus.Entry) *Source {
	return &Source{db: db, mode: mode, log: log}
}

// Query returns the SQL text the configured mode extracts with.
func (s *Source) Query() string {
	if s.mode == config.SourceModeReplica {
		return replicaQuery
	}
	return directQuery
}

// ExtractReference streams the flattened active-prosthesis view for rows
// whose reference data changed at or after since. The stream must be fully
// drained or closed by the caller.
func (s *Source) ExtractReference(ctx context.Context, since time.Time) (*ReferenceStream, error) {
	rows, err := s.db.WithContext(ctx).Raw(s.Query(), since.UTC()).Rows()
	if err != nil {
		return nil, classifySourceError(err, "reference extract")
	}
	return &ReferenceStream{rows: rows}, nil
}

// ReferenceStream is a lazy cursor over extracted reference rows, bounding
// memory to one row at a time.
type ReferenceStream struct {
	rows *sql.Rows
}

// Next returns the next reference row. The boolean is false once the stream
// is exhausted; a non-nil error reports scan or transport failures.
func (st *ReferenceStream) Next() (etl.ReferenceRow, bool, error) {
	if !st.rows.Next() {
		if err := st.rows.Err(); err != nil {
			return etl.ReferenceRow{}, false, classifySourceError(err, "reference stream")
		}
		return etl.ReferenceRow{}, false, nil
	}

	var (
		row        etl.ReferenceRow
		middleName sql.NullString
		branch     sql.NullString
	)
	err := st.rows.Scan(
		&row.CustomerID, &row.ExternalID, &row.LastName, &row.FirstName, &middleName,
		&row.Email, &row.Region, &branch,
		&row.ProsthesisID, &row.SerialNumber, &row.ChipID, &row.FirmwareVersion,
		&row.ModelCode, &row.ModelName, &row.Category, &row.WarrantyMonths,
		&row.UpdatedAt,
	)
	if err != nil {
		return etl.ReferenceRow{}, false, classifySourceError(err, "reference scan")
	}
	row.MiddleName = middleName.String
	row.Branch = branch.String
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, true, nil
}

// Close releases the underlying cursor.
func (st *ReferenceStream) Close() error {
	return st.rows.Close()
}

// DB exposes the underlying handle; the replica applier shares it when the
// pipeline runs in replica mode.
func (s *Source) DB() *gorm.DB {
	return s.db
}

// Ping verifies source connectivity for health checks.
func (s *Source) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// schemaErrorStates are the PostgreSQL SQLSTATE classes raised when a query
// references a column, table, or type the source no longer has. Drift is
// fatal for the run: retrying cannot fix a missing column.
var schemaErrorStates = []string{
	"SQLSTATE 42703", // undefined_column
	"SQLSTATE 42P01", // undefined_table
	"SQLSTATE 42804", // datatype_mismatch
	"SQLSTATE 42883", // undefined_function (GREATEST over drifted types)
}

// classifySourceError maps driver errors onto the pipeline taxonomy:
// schema drift becomes ErrSchemaMismatch (fatal), everything else becomes
// ErrSourceUnavailable (retried by the scheduler).
func classifySourceError(err error, op string) error {
	msg := err.Error()
	for _, state := range schemaErrorStates {
		if strings.Contains(msg, state) {
			return fmt.Errorf("%w: %s: %v", etl.ErrSchemaMismatch, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", etl.ErrSourceUnavailable, op, err)
}
