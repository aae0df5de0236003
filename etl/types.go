// Package etl holds the record types, error taxonomy, and join/transform
// stage of the prosthesis-usage reporting pipeline. The source adapters
// produce the typed rows defined here, the transformer joins and enriches
// them, and the mart loader persists the resulting facts.
package etl

import (
	"time"
)

// ReferenceRow is the flattened active-prosthesis view joined from the CRM
// tables (customer x prosthesis x model). The reference extractor guarantees
// at most one row per chip, filtered to active prostheses with a provisioned
// chip.
type ReferenceRow struct {
	CustomerID int64
	ExternalID string // Opaque principal joining to the identity system
	LastName   string
	FirstName  string
	MiddleName string
	Email      string
	Region     string
	Branch     string

	ProsthesisID    int64
	SerialNumber    string
	ChipID          string
	FirmwareVersion string

	ModelCode      string
	ModelName      string
	Category       string
	WarrantyMonths int

	// UpdatedAt is greatest(customer.updated_at, prosthesis.updated_at),
	// the freshness stamp the incremental extract filters on.
	UpdatedAt time.Time
}

// CustomerName renders the denormalized display name as
// "Last First [Middle]" with single-space separation and no trailing space.
func (r ReferenceRow) CustomerName() string {
	name := r.LastName
	if r.FirstName != "" {
		if name != "" {
			name += " "
		}
		name += r.FirstName
	}
	if r.MiddleName != "" {
		if name != "" {
			name += " "
		}
		name += r.MiddleName
	}
	return name
}

// TelemetryRow is one hourly aggregate produced by the upstream aggregator,
// keyed by (chip_id, hour_start) with hour_start truncated to the UTC hour.
type TelemetryRow struct {
	ChipID    string
	HourStart time.Time

	MovementsCount      int64
	SuccessfulMovements int64

	AvgResponseTimeMs float64
	MinResponseTimeMs float64
	MaxResponseTimeMs float64

	AvgBatteryLevel float64
	MinBatteryLevel float64
	MaxBatteryLevel float64

	AvgActuatorTemp float64
	MaxActuatorTemp float64

	ErrorCount   int64
	WarningCount int64

	AvgMyoAmplitude      float64
	AvgConnectionQuality float64

	UpdatedAt time.Time // Latest upstream aggregation time
}

// UsageFact is one denormalized mart row. Its semantic key is
// (ExternalID, ProsthesisID, ReportDate, ReportHour); the storage layer is
// append-only and later versions supersede by ETLProcessedAt.
type UsageFact struct {
	ExternalID   string
	CustomerID   int64
	CustomerName string
	Email        string
	Region       string
	Branch       string

	ProsthesisID    int64
	SerialNumber    string
	ChipID          string
	ModelCode       string
	ModelName       string
	Category        string
	FirmwareVersion string

	ReportDate time.Time // UTC midnight of the reported day
	ReportHour uint8     // 0..23, UTC hour-of-day

	MovementsCount      int64
	SuccessfulMovements int64
	SuccessRate         float64 // successful/movements*100, 0 when movements=0

	AvgResponseTimeMs float64
	MinResponseTimeMs float64
	MaxResponseTimeMs float64

	AvgBatteryLevel float64
	MinBatteryLevel float64
	MaxBatteryLevel float64

	AvgActuatorTemp float64
	MaxActuatorTemp float64

	ErrorCount   int64
	WarningCount int64

	AvgMyoAmplitude      float64
	AvgConnectionQuality float64

	SourceUpdatedAt time.Time // Upstream aggregation stamp of the input row
	ETLProcessedAt  time.Time // Version stamp of the producing run
}

// ReferenceIterator is a lazy cursor over extracted reference rows.
// The reference stream of the source adapters satisfies it.
type ReferenceIterator interface {
	Next() (ReferenceRow, bool, error)
	Close() error
}

// TelemetryIterator is a lazy cursor over extracted hourly aggregates.
type TelemetryIterator interface {
	Next() (TelemetryRow, bool, error)
	Close() error
}

// Window is a half-open extraction interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LoadResult is returned by the fact loader and consumed by the invalidator.
type LoadResult struct {
	InsertedRows    int
	DistinctUserIDs []string
}
