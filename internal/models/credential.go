package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credential stores the bearer/refresh token pair for the remote API.
// Token columns hold AES-GCM ciphertext; encryption and decryption happen
// at the credential repository boundary, so business logic only ever sees
// decrypted tokens.
type Credential struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Endpoint               string    `gorm:"type:varchar(500);not null;uniqueIndex" json:"endpoint"`
	AccessTokenCiphertext  []byte    `gorm:"type:bytea" json:"-"`
	RefreshTokenCiphertext []byte    `gorm:"type:bytea" json:"-"`
	ExpiresAt              time.Time `json:"expires_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Credential) TableName() string {
	return "credentials"
}

// BeforeCreate hook
func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// TokenPair is the decrypted credential handed to the transfer client.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has passed its expiry.
func (t TokenPair) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
