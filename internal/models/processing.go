package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessingStatus enumerates the authoritative pipeline state of one series.
type ProcessingStatus string

const (
	StatusSeriesSeparated          ProcessingStatus = "SERIES_SEPARATED"
	StatusTemplateNotMatched       ProcessingStatus = "TEMPLATE_NOT_MATCHED"
	StatusMultipleTemplatesMatched ProcessingStatus = "MULTIPLE_TEMPLATES_MATCHED"
	StatusMultipleTemplatesFound   ProcessingStatus = "MULTIPLE_TEMPLATES_FOUND"
	StatusNoTemplateFound          ProcessingStatus = "NO_TEMPLATE_FOUND"
	StatusReadyForDeidentification ProcessingStatus = "READY_FOR_DEIDENTIFICATION"
	StatusDeidentified             ProcessingStatus = "DEIDENTIFIED"
	StatusDeidentificationFailed   ProcessingStatus = "DEIDENTIFICATION_FAILED"
	StatusSentToRemote             ProcessingStatus = "SENT_TO_REMOTE"
	StatusRTStructReceived         ProcessingStatus = "RTSTRUCT_RECEIVED"
	StatusRTStructReidentified     ProcessingStatus = "RTSTRUCT_REIDENTIFIED"
	StatusRTStructExported         ProcessingStatus = "RTSTRUCT_EXPORTED"
	StatusRTStructExportFailed     ProcessingStatus = "RTSTRUCT_EXPORT_FAILED"
	StatusError                    ProcessingStatus = "ERROR"
)

// Recoverable reports whether an operator may restart a record from this
// status. Terminal failure states are absorbing but operator-recoverable.
func (s ProcessingStatus) Recoverable() bool {
	switch s {
	case StatusTemplateNotMatched, StatusMultipleTemplatesMatched,
		StatusMultipleTemplatesFound, StatusNoTemplateFound,
		StatusDeidentificationFailed, StatusRTStructExportFailed, StatusError:
		return true
	}
	return false
}

// ProcessingRecord tracks one series undergoing the pipeline.
type ProcessingRecord struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SeriesUID     string           `gorm:"type:varchar(255);not null;index" json:"series_uid"`
	WorkingDir    string           `gorm:"type:text" json:"working_dir"`
	TemplateID    *uuid.UUID       `gorm:"type:uuid;index" json:"template_id,omitempty"`
	Status        ProcessingStatus `gorm:"type:varchar(50);not null;index" json:"status"`
	ImportBatchID uuid.UUID        `gorm:"type:uuid;index" json:"import_batch_id"`
	PatientID     string           `gorm:"type:varchar(255)" json:"patient_id"`
	Modality      string           `gorm:"type:varchar(16)" json:"modality"`
	Description   string           `gorm:"type:text" json:"description"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName overrides the table name
func (ProcessingRecord) TableName() string {
	return "processing_records"
}

// BeforeCreate hook
func (p *ProcessingRecord) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ProcessingLog is an append-only audit trail of status transitions.
// Entries are never mutated.
type ProcessingLog struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RecordID   uuid.UUID        `gorm:"type:uuid;not null;index" json:"record_id"`
	FromStatus ProcessingStatus `gorm:"type:varchar(50)" json:"from_status"`
	ToStatus   ProcessingStatus `gorm:"type:varchar(50);not null" json:"to_status"`
	Message    string           `gorm:"type:text" json:"message"`
	CreatedAt  time.Time        `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (ProcessingLog) TableName() string {
	return "processing_logs"
}

// BeforeCreate hook
func (l *ProcessingLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
