package repository

import (
	"context"
	"fmt"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/database"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/secrets"
)

// CredentialRepository persists the remote API token pair, encrypting at
// the store boundary. It satisfies transfer.CredentialStore; callers only
// ever see decrypted tokens.
type CredentialRepository struct {
	box      *secrets.Box
	endpoint string
}

// NewCredentialRepository creates a credential repository scoped to one
// remote endpoint.
func NewCredentialRepository(box *secrets.Box, endpoint string) *CredentialRepository {
	return &CredentialRepository{box: box, endpoint: endpoint}
}

// Get loads and decrypts the stored token pair.
func (r *CredentialRepository) Get(ctx context.Context) (*models.TokenPair, error) {
	var cred models.Credential
	if err := database.DB.WithContext(ctx).Where("endpoint = ?", r.endpoint).First(&cred).Error; err != nil {
		return nil, notFound(err, "credentials for %s", r.endpoint)
	}

	access, err := r.box.Open(cred.AccessTokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := r.box.Open(cred.RefreshTokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		ExpiresAt:    cred.ExpiresAt,
	}, nil
}

// Save encrypts and upserts the token pair for the endpoint.
func (r *CredentialRepository) Save(ctx context.Context, pair *models.TokenPair) error {
	access, err := r.box.Seal([]byte(pair.AccessToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.box.Seal([]byte(pair.RefreshToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	var cred models.Credential
	result := database.DB.WithContext(ctx).Where("endpoint = ?", r.endpoint).First(&cred)
	if result.Error != nil {
		cred = models.Credential{Endpoint: r.endpoint}
	}
	cred.AccessTokenCiphertext = access
	cred.RefreshTokenCiphertext = refresh
	cred.ExpiresAt = pair.ExpiresAt

	if err := database.DB.WithContext(ctx).Save(&cred).Error; err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
