// Package cdc implements the replica applier of the ingestion path's CDC
// variant. Log-based replication from the CRM database is delivered as JSON
// change events over RabbitMQ; the applier materializes them into replica
// tables keyed by (primary key, cdc_version). The replica keeps every
// replicated version of a row — deduplication is version-wins at read time,
// performed by the reference extractor in replica source mode.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplicaCustomer is one replicated version of a CRM customer row.
type ReplicaCustomer struct {
	CustomerID int64     `gorm:"column:customer_id;primaryKey" json:"customer_id"`
	CDCVersion int64     `gorm:"column:cdc_version;primaryKey" json:"-"`
	CDCDeleted bool      `gorm:"column:cdc_deleted" json:"-"`
	ExternalID string    `gorm:"column:external_id;size:255" json:"external_id"`
	LastName   string    `gorm:"column:last_name;size:255" json:"last_name"`
	FirstName  string    `gorm:"column:first_name;size:255" json:"first_name"`
	MiddleName string    `gorm:"column:middle_name;size:255" json:"middle_name"`
	Email      string    `gorm:"column:email;size:255" json:"email"`
	Region     string    `gorm:"column:region;size:32" json:"region"`
	Branch     string    `gorm:"column:branch;size:255" json:"branch"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName maps ReplicaCustomer to its replica table.
func (ReplicaCustomer) TableName() string { return "crm_replica_customers" }

// ReplicaProsthesisModel is one replicated version of a device model row.
type ReplicaProsthesisModel struct {
	ModelID        int64  `gorm:"column:model_id;primaryKey" json:"model_id"`
	CDCVersion     int64  `gorm:"column:cdc_version;primaryKey" json:"-"`
	CDCDeleted     bool   `gorm:"column:cdc_deleted" json:"-"`
	ModelCode      string `gorm:"column:model_code;size:64" json:"model_code"`
	ModelName      string `gorm:"column:model_name;size:255" json:"model_name"`
	Category       string `gorm:"column:category;size:32" json:"category"`
	WarrantyMonths int    `gorm:"column:warranty_months" json:"warranty_months"`
	IsActive       bool   `gorm:"column:is_active" json:"is_active"`
}

// TableName maps ReplicaProsthesisModel to its replica table.
func (ReplicaProsthesisModel) TableName() string { return "crm_replica_prosthesis_models" }

// ReplicaProsthesis is one replicated version of a prosthesis row.
type ReplicaProsthesis struct {
	ProsthesisID    int64     `gorm:"column:prosthesis_id;primaryKey" json:"prosthesis_id"`
	CDCVersion      int64     `gorm:"column:cdc_version;primaryKey" json:"-"`
	CDCDeleted      bool      `gorm:"column:cdc_deleted" json:"-"`
	SerialNumber    string    `gorm:"column:serial_number;size:64" json:"serial_number"`
	ModelID         int64     `gorm:"column:model_id" json:"model_id"`
	CustomerID      *int64    `gorm:"column:customer_id" json:"customer_id"`
	ChipID          *string   `gorm:"column:chip_id;size:64" json:"chip_id"`
	Status          string    `gorm:"column:status;size:32" json:"status"`
	FirmwareVersion string    `gorm:"column:firmware_version;size:32" json:"firmware_version"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName maps ReplicaProsthesis to its replica table.
func (ReplicaProsthesis) TableName() string { return "crm_replica_prostheses" }

// MigrateReplica creates the replica tables.
func MigrateReplica(db *gorm.DB) error {
	return db.AutoMigrate(&ReplicaCustomer{}, &ReplicaProsthesisModel{}, &ReplicaProsthesis{})
}

// Change event tables and operations as emitted by the replication agent.
const (
	TableCustomers        = "customers"
	TableProstheses       = "prostheses"
	TableProsthesisModels = "prosthesis_models"

	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent is one replicated row change. Version is monotonic per source
// row; Row carries the full row image. Deletes need only the primary key
// in Row, but Row must still be a JSON object: an empty Row fails to decode.
type ChangeEvent struct {
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	Version int64           `json:"cdc_version"`
	Row     json.RawMessage `json:"row"`
}

// Applier writes change events into the replica tables.
type Applier struct {
	db *gorm.DB
}

// NewApplier creates an applier over the replica database handle.
func NewApplier(db *gorm.DB) *Applier {
	return &Applier{db: db}
}

// Apply materializes one change event. Replays are harmless: the
// (primary key, cdc_version) conflict target makes re-applied versions
// no-ops, so delivery only has to be at-least-once.
func (a *Applier) Apply(ctx context.Context, event ChangeEvent) error {
	switch event.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown change operation %q", event.Op)
	}

	deleted := event.Op == OpDelete

	switch event.Table {
	case TableCustomers:
		var row ReplicaCustomer
		if err := json.Unmarshal(event.Row, &row); err != nil {
			return fmt.Errorf("decoding %s change: %w", event.Table, err)
		}
		row.CDCVersion = event.Version
		row.CDCDeleted = deleted
		return a.insert(ctx, &row)

	case TableProstheses:
		var row ReplicaProsthesis
		if err := json.Unmarshal(event.Row, &row); err != nil {
			return fmt.Errorf("decoding %s change: %w", event.Table, err)
		}
		row.CDCVersion = event.Version
		row.CDCDeleted = deleted
		return a.insert(ctx, &row)

	case TableProsthesisModels:
		var row ReplicaProsthesisModel
		if err := json.Unmarshal(event.Row, &row); err != nil {
			return fmt.Errorf("decoding %s change: %w", event.Table, err)
		}
		row.CDCVersion = event.Version
		row.CDCDeleted = deleted
		return a.insert(ctx, &row)

	default:
		return fmt.Errorf("unknown change table %q", event.Table)
	}
}

func (a *Applier) insert(ctx context.Context, row interface{}) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
}
