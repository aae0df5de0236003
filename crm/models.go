// Package crm implements the reference source adapter of the reporting
// pipeline. It reads the CRM tables (customers, prostheses, prosthesis
// models) over PostgreSQL with GORM and exposes the flattened
// active-prosthesis view the transform stage joins telemetry against.
//
// Two source modes are supported: direct reads against the operational CRM
// database, and reads against the CDC-populated replica tables where rows
// are deduplicated by a monotonic version before flattening. The logical
// view is identical in both modes.
package crm

import (
	"time"

	"gorm.io/gorm"
)

// Customer is the CRM customer reference entity. Mutated by CRM operators;
// the pipeline reads it read-only.
type Customer struct {
	CustomerID int64     `gorm:"column:customer_id;primaryKey"`
	ExternalID string    `gorm:"column:external_id;uniqueIndex;size:255"`
	LastName   string    `gorm:"column:last_name;size:255"`
	FirstName  string    `gorm:"column:first_name;size:255"`
	MiddleName string    `gorm:"column:middle_name;size:255"`
	Email      string    `gorm:"column:email;size:255"`
	Region     string    `gorm:"column:region;size:32"` // russia or europe
	Branch     string    `gorm:"column:branch;size:255"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName maps Customer to the CRM customers table.
func (Customer) TableName() string { return "customers" }

// ProsthesisModel is the device model reference entity.
type ProsthesisModel struct {
	ModelID        int64  `gorm:"column:model_id;primaryKey"`
	ModelCode      string `gorm:"column:model_code;uniqueIndex;size:64"`
	ModelName      string `gorm:"column:model_name;size:255"`
	Category       string `gorm:"column:category;size:32"` // arm, leg, hand, finger
	WarrantyMonths int    `gorm:"column:warranty_months"`
	IsActive       bool   `gorm:"column:is_active"`
}

// TableName maps ProsthesisModel to the CRM prosthesis_models table.
func (ProsthesisModel) TableName() string { return "prosthesis_models" }

// Prosthesis is the device reference entity. CustomerID is null until the
// device is sold; ChipID is null until it is provisioned. A prosthesis is
// eligible for reporting iff Status is "active" and ChipID is set.
type Prosthesis struct {
	ProsthesisID    int64     `gorm:"column:prosthesis_id;primaryKey"`
	SerialNumber    string    `gorm:"column:serial_number;uniqueIndex;size:64"`
	ModelID         int64     `gorm:"column:model_id"`
	CustomerID      *int64    `gorm:"column:customer_id"`
	ChipID          *string   `gorm:"column:chip_id;uniqueIndex;size:64"`
	Status          string    `gorm:"column:status;size:32"` // manufactured, sold, active, maintenance, retired
	FirmwareVersion string    `gorm:"column:firmware_version;size:32"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName maps Prosthesis to the CRM prostheses table.
func (Prosthesis) TableName() string { return "prostheses" }

// StatusActive is the only prosthesis status eligible for reporting.
const StatusActive = "active"

// Migrate creates or updates the CRM tables. The pipeline itself never
// writes reference data; this exists for development databases. The
// replica applier's tables are created by cdc.MigrateReplica.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Customer{}, &ProsthesisModel{}, &Prosthesis{})
}
