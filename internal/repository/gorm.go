package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	apperrors "github.com/vm-profiler/pkg/errors"
)

// GormArtifactRepository implements ArtifactRepository using GORM.
type GormArtifactRepository struct {
	db *gorm.DB
}

// NewGormArtifactRepository creates a new GormArtifactRepository.
func NewGormArtifactRepository(db *gorm.DB) *GormArtifactRepository {
	return &GormArtifactRepository{db: db}
}

// Migrate creates or updates the artifact tables.
func (r *GormArtifactRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to migrate artifact tables", err)
	}
	return nil
}

// SaveProfile inserts a profile record.
func (r *GormArtifactRepository) SaveProfile(ctx context.Context, rec *ProfileRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to save profile", err)
	}
	return nil
}

// GetProfile retrieves a profile record by key.
func (r *GormArtifactRepository) GetProfile(ctx context.Context, key string) (*ProfileRecord, error) {
	var rec ProfileRecord

	err := r.db.WithContext(ctx).Where("artifact_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeProfileNotFound, fmt.Sprintf("profile not found: %s", key), err)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get profile", err)
	}

	return &rec, nil
}

// ListProfiles returns up to limit profile records, newest first. A
// non-positive limit returns all of them.
func (r *GormArtifactRepository) ListProfiles(ctx context.Context, limit int) ([]*ProfileRecord, error) {
	var recs []*ProfileRecord

	q := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list profiles", err)
	}

	return recs, nil
}

// DeleteProfile removes the profile record with key.
func (r *GormArtifactRepository) DeleteProfile(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).Where("artifact_key = ?", key).Delete(&ProfileRecord{})
	if result.Error != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to delete profile", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeProfileNotFound, "profile not found: %s", key)
	}
	return nil
}

// SaveSnapshot inserts a snapshot record.
func (r *GormArtifactRepository) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to save snapshot", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot record by key.
func (r *GormArtifactRepository) GetSnapshot(ctx context.Context, key string) (*SnapshotRecord, error) {
	var rec SnapshotRecord

	err := r.db.WithContext(ctx).Where("artifact_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeSnapshotNotFound, fmt.Sprintf("snapshot not found: %s", key), err)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get snapshot", err)
	}

	return &rec, nil
}

// ListSnapshots returns up to limit snapshot records, newest first.
func (r *GormArtifactRepository) ListSnapshots(ctx context.Context, limit int) ([]*SnapshotRecord, error) {
	var recs []*SnapshotRecord

	q := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list snapshots", err)
	}

	return recs, nil
}

// DeleteSnapshot removes the snapshot record with key.
func (r *GormArtifactRepository) DeleteSnapshot(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).Where("artifact_key = ?", key).Delete(&SnapshotRecord{})
	if result.Error != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to delete snapshot", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeSnapshotNotFound, "snapshot not found: %s", key)
	}
	return nil
}
