// Package repository keeps the metadata of archived profiles and heap
// snapshots.
package repository

import (
	"context"
)

// ArtifactRepository defines the interface for artifact metadata operations.
// Lookups of a missing key return an error matching
// apperrors.ErrProfileNotFound or apperrors.ErrSnapshotNotFound.
type ArtifactRepository interface {
	// SaveProfile inserts a profile record and fills its ID.
	SaveProfile(ctx context.Context, rec *ProfileRecord) error

	// GetProfile retrieves a profile record by artifact key.
	GetProfile(ctx context.Context, key string) (*ProfileRecord, error)

	// ListProfiles returns the newest profile records first.
	ListProfiles(ctx context.Context, limit int) ([]*ProfileRecord, error)

	// DeleteProfile removes a profile record.
	DeleteProfile(ctx context.Context, key string) error

	// SaveSnapshot inserts a snapshot record and fills its ID.
	SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error

	// GetSnapshot retrieves a snapshot record by artifact key.
	GetSnapshot(ctx context.Context, key string) (*SnapshotRecord, error)

	// ListSnapshots returns the newest snapshot records first.
	ListSnapshots(ctx context.Context, limit int) ([]*SnapshotRecord, error)

	// DeleteSnapshot removes a snapshot record.
	DeleteSnapshot(ctx context.Context, key string) error
}
