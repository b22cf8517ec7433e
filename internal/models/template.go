package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Template is a named classification profile. A series matches a template
// only if all of the template's rules are satisfied; partial matches do
// not count.
type Template struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name        string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	Fingerprint string    `gorm:"type:varchar(128);index" json:"fingerprint"` // SHA-512 of the attached artifact
	Rules       []Rule    `gorm:"foreignKey:TemplateID" json:"rules"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Template) TableName() string {
	return "templates"
}

// BeforeCreate hook
func (t *Template) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Rule is a (tag, expected-value) pair belonging to a template.
type Rule struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TemplateID uuid.UUID `gorm:"type:uuid;not null;index" json:"template_id"`
	TagPath    string    `gorm:"type:varchar(64);not null" json:"tag_path"` // e.g. "00080060"
	Value      string    `gorm:"type:varchar(255);not null" json:"value"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Rule) TableName() string {
	return "template_rules"
}

// BeforeCreate hook
func (r *Rule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
