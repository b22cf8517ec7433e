package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Patient holds the original and pseudonymous identity for one patient.
// The original patient ID is the natural key; the pseudonym is generated
// once and reused for every study belonging to the patient. Rows are never
// deleted: they are the permanent key for reversing pseudonymization.
type Patient struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	OriginalID    string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"original_id"`
	PseudoID      string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"pseudo_id"`
	OriginalName  string    `gorm:"type:varchar(255)" json:"original_name"`
	PseudoName    string    `gorm:"type:varchar(255)" json:"pseudo_name"`
	OriginalBirth string    `gorm:"type:varchar(16)" json:"original_birth_date"`
	PseudoBirth   string    `gorm:"type:varchar(16)" json:"pseudo_birth_date"`
	StudyCounter  int       `gorm:"not null;default:0" json:"study_counter"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Patient) TableName() string {
	return "patients"
}

// BeforeCreate hook
func (p *Patient) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Study maps an original study UID to its pseudonymous UID, owned by
// exactly one patient. The pseudonymous UID is derived hierarchically as
// {patientPseudo}.{n}.0 with n a per-patient counter.
type Study struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	PatientID    uuid.UUID `gorm:"type:uuid;not null;index" json:"patient_id"`
	Patient      Patient   `gorm:"foreignKey:PatientID" json:"-"`
	OriginalUID  string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"original_uid"`
	PseudoUID    string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"pseudo_uid"`
	OriginalDate string    `gorm:"type:varchar(16)" json:"original_date"`
	PseudoDate   string    `gorm:"type:varchar(16)" json:"pseudo_date"`
	Description  string    `gorm:"type:text" json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Study) TableName() string {
	return "studies"
}

// BeforeCreate hook
func (s *Study) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Series maps an original series UID to its pseudonymous UID, owned by
// exactly one study. The pseudonymous UID is {studyPseudo}.{m} with m the
// next unused integer suffix under the study.
type Series struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	StudyID            uuid.UUID `gorm:"type:uuid;not null;index" json:"study_id"`
	Study              Study     `gorm:"foreignKey:StudyID" json:"-"`
	OriginalUID        string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"original_uid"`
	PseudoUID          string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"pseudo_uid"`
	OriginalDate       string    `gorm:"type:varchar(16)" json:"original_date"`
	PseudoDate         string    `gorm:"type:varchar(16)" json:"pseudo_date"`
	Description        string    `gorm:"type:text" json:"description"`
	OriginalFrameOfRef string    `gorm:"type:varchar(255)" json:"original_frame_of_reference"`
	PseudoFrameOfRef   string    `gorm:"type:varchar(255)" json:"pseudo_frame_of_reference"`
	InstanceCounter    int       `gorm:"not null;default:0" json:"instance_counter"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Series) TableName() string {
	return "series"
}

// BeforeCreate hook
func (s *Series) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Instance maps an original SOP instance UID to its pseudonymous UID,
// owned by exactly one series.
type Instance struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SeriesID    uuid.UUID `gorm:"type:uuid;not null;index" json:"series_id"`
	Series      Series    `gorm:"foreignKey:SeriesID" json:"-"`
	OriginalUID string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"original_uid"`
	PseudoUID   string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"pseudo_uid"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Instance) TableName() string {
	return "instances"
}

// BeforeCreate hook
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
