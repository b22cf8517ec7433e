package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransferStatus is the client-side state machine for one transfer.
// FAILED is reachable from any non-terminal state.
type TransferStatus string

const (
	TransferPending           TransferStatus = "PENDING"
	TransferSent              TransferStatus = "SENT"
	TransferProcessing        TransferStatus = "PROCESSING"
	TransferCompleted         TransferStatus = "COMPLETED"
	TransferCompletedNotified TransferStatus = "COMPLETED_NOTIFIED"
	TransferFailed            TransferStatus = "FAILED"
)

// TransferRecord tracks one series sent to the remote processing service.
// Status (client-side) and RemoteStatus (server-reported vocabulary) are
// tracked independently and may disagree; neither overwrites the other.
type TransferRecord struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RecordID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"record_id"`
	StudyPseudoUID   string         `gorm:"type:varchar(255);not null" json:"study_pseudo_uid"`
	SeriesPseudoUID  string         `gorm:"type:varchar(255);not null;index" json:"series_pseudo_uid"`
	TransactionToken string         `gorm:"type:varchar(255);index" json:"transaction_token"`
	UploadChecksum   string         `gorm:"type:varchar(128)" json:"upload_checksum"`
	DownloadChecksum string         `gorm:"type:varchar(128)" json:"download_checksum"`
	ChecksumVerified bool           `gorm:"default:false" json:"checksum_verified"`
	Status           TransferStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	RemoteStatus     string         `gorm:"type:varchar(64)" json:"remote_status"`
	RetryCount       int            `gorm:"default:0" json:"retry_count"`
	PollCount        int            `gorm:"default:0" json:"poll_count"`
	LastPolledAt     *time.Time     `json:"last_polled_at,omitempty"`
	Notified         bool           `gorm:"default:false" json:"notified"`
	LastError        string         `gorm:"type:text" json:"last_error,omitempty"`
	ArtifactPath     string         `gorm:"type:text" json:"artifact_path,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName overrides the table name
func (TransferRecord) TableName() string {
	return "transfer_records"
}

// BeforeCreate hook
func (t *TransferRecord) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
