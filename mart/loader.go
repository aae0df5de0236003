package mart

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"reporting.bionicpro.org/etl"
)

// Open connects to the mart. The write pool is intentionally small: the
// loader is the only writer and batches are large.
func Open(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing mart DSN: %v", etl.ErrTargetUnavailable, err)
	}
	opts.MaxOpenConns = 2
	opts.MaxIdleConns = 1

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening mart connection: %v", etl.ErrTargetUnavailable, err)
	}
	return conn, nil
}

// Loader batch-inserts facts into the mart with at-least-once delivery.
// Idempotence comes from the storage layer: identical semantic keys across
// runs coexist and the latest etl_processed_at wins at read time, so a
// retried run simply re-inserts the same rows with a fresh stamp.
type Loader struct {
	conn      driver.Conn
	batchSize int
	log       *logrus.Entry
}

// NewLoader creates a loader with the configured maximum batch size.
func NewLoader(conn driver.Conn, batchSize int, log *logrus.Entry) *Loader {
	return &Loader{conn: conn, batchSize: batchSize, log: log}
}

// Load inserts the facts in batches of at most batchSize rows and returns
// the row count plus the distinct external ids touched, which the
// invalidator consumes. A failure in any batch fails the whole load; the
// scheduler retries the task and the version-wins rule absorbs the
// duplicate inserts of the successful batches.
func (l *Loader) Load(ctx context.Context, facts []etl.UsageFact) (etl.LoadResult, error) {
	result := etl.LoadResult{}
	if len(facts) == 0 {
		return result, nil
	}

	users := make(map[string]struct{})
	insert := fmt.Sprintf("INSERT INTO %s (%s)", statsTable, strings.Join(insertColumns, ", "))

	for _, chunk := range chunkFacts(facts, l.batchSize) {
		batch, err := l.conn.PrepareBatch(ctx, insert)
		if err != nil {
			return etl.LoadResult{}, classifyMartError(err, "prepare batch")
		}
		for _, fact := range chunk {
			err := batch.Append(
				fact.ExternalID, fact.CustomerID, fact.CustomerName, fact.Email, fact.Region, fact.Branch,
				fact.ProsthesisID, fact.SerialNumber, fact.ChipID, fact.ModelCode, fact.ModelName, fact.Category, fact.FirmwareVersion,
				fact.ReportDate, fact.ReportHour,
				fact.MovementsCount, fact.SuccessfulMovements, fact.SuccessRate,
				fact.AvgResponseTimeMs, fact.MinResponseTimeMs, fact.MaxResponseTimeMs,
				fact.AvgBatteryLevel, fact.MinBatteryLevel, fact.MaxBatteryLevel,
				fact.AvgActuatorTemp, fact.MaxActuatorTemp,
				fact.ErrorCount, fact.WarningCount,
				fact.AvgMyoAmplitude, fact.AvgConnectionQuality,
				fact.SourceUpdatedAt, fact.ETLProcessedAt,
			)
			if err != nil {
				return etl.LoadResult{}, classifyMartError(err, "append row")
			}
		}
		// Batch send is atomic: concurrent readers never observe a
		// partially visible batch.
		if err := batch.Send(); err != nil {
			return etl.LoadResult{}, classifyMartError(err, "send batch")
		}

		result.InsertedRows += len(chunk)
		for _, fact := range chunk {
			users[fact.ExternalID] = struct{}{}
		}
		l.log.WithFields(logrus.Fields{
			"rows":  len(chunk),
			"total": result.InsertedRows,
		}).Debug("mart batch committed")
	}

	result.DistinctUserIDs = make([]string, 0, len(users))
	for id := range users {
		result.DistinctUserIDs = append(result.DistinctUserIDs, id)
	}
	sort.Strings(result.DistinctUserIDs)

	return result, nil
}

// Ping verifies mart connectivity for health checks.
func (l *Loader) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

// chunkFacts splits facts into insert batches of at most size rows.
func chunkFacts(facts []etl.UsageFact, size int) [][]etl.UsageFact {
	if size <= 0 {
		size = len(facts)
	}
	var chunks [][]etl.UsageFact
	for start := 0; start < len(facts); start += size {
		end := start + size
		if end > len(facts) {
			end = len(facts)
		}
		chunks = append(chunks, facts[start:end])
	}
	return chunks
}

// classifyMartError maps driver errors onto the pipeline taxonomy. All mart
// failures are treated as TargetUnavailable and retried wholesale; there is
// no schema-drift class here because the pipeline owns the mart DDL.
func classifyMartError(err error, op string) error {
	return fmt.Errorf("%w: %s: %v", etl.ErrTargetUnavailable, op, err)
}
