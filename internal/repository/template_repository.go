package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/checksum"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/database"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
)

// TemplateRepository handles template catalog database operations. It
// satisfies template.Catalog.
type TemplateRepository struct{}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository() *TemplateRepository {
	return &TemplateRepository{}
}

// ListActive retrieves all active templates with their rules.
func (r *TemplateRepository) ListActive(ctx context.Context) ([]models.Template, error) {
	var templates []models.Template
	if err := database.DB.WithContext(ctx).
		Preload("Rules").
		Where("is_active = ?", true).
		Order("name ASC").
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// FindByFingerprint retrieves every active template registered under the
// given artifact fingerprint. More than one hit is possible and is the
// caller's ambiguity to surface.
func (r *TemplateRepository) FindByFingerprint(ctx context.Context, fingerprint string) ([]models.Template, error) {
	var templates []models.Template
	if err := database.DB.WithContext(ctx).
		Preload("Rules").
		Where("fingerprint = ? AND is_active = ?", fingerprint, true).
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to find templates by fingerprint: %w", err)
	}
	return templates, nil
}

// GetByID retrieves a template with its rules.
func (r *TemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var t models.Template
	if err := database.DB.WithContext(ctx).
		Preload("Rules").
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "template %s", id)
	}
	return &t, nil
}

// Register creates a template and its rules in one transaction. When an
// artifact file is supplied its SHA-512 fingerprint is recorded for
// content-based matching.
func (r *TemplateRepository) Register(ctx context.Context, name, artifactPath string, rules []models.Rule) (*models.Template, error) {
	t := &models.Template{
		Name:     name,
		IsActive: true,
	}
	if artifactPath != "" {
		fp, err := checksum.SHA512File(artifactPath)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint template artifact: %w", err)
		}
		t.Fingerprint = fp
	}

	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
		for i := range rules {
			rules[i].TemplateID = t.ID
			if err := tx.Create(&rules[i]).Error; err != nil {
				return fmt.Errorf("failed to create template rule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.Rules = rules
	return t, nil
}

// Deactivate removes a template from matching without deleting its
// registration history.
func (r *TemplateRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := database.DB.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", id).
		Update("is_active", false).Error; err != nil {
		return fmt.Errorf("failed to deactivate template: %w", err)
	}
	return nil
}
