package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/vm-profiler/pkg/errors"
)

// Dialect selects the placeholder style and insert strategy of
// SQLArtifactRepository. DialectMySQL also fits sqlite.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// SQLArtifactRepository implements ArtifactRepository on database/sql for
// deployments that manage their own connection pool.
type SQLArtifactRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLArtifactRepository creates a new SQLArtifactRepository.
func NewSQLArtifactRepository(db *sql.DB, dialect Dialect) *SQLArtifactRepository {
	return &SQLArtifactRepository{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (r *SQLArtifactRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// insert runs an INSERT and returns the generated id.
func (r *SQLArtifactRepository) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if r.dialect == DialectPostgres {
		var id int64
		err := r.db.QueryRowContext(ctx, r.rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// SaveProfile inserts a profile record.
func (r *SQLArtifactRepository) SaveProfile(ctx context.Context, rec *ProfileRecord) error {
	query := `
		INSERT INTO cpu_profiles (artifact_key, uid, title, samples, nodes, size, compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	rec.CreatedAt = stamp(rec.CreatedAt)
	id, err := r.insert(ctx, query,
		rec.Key, rec.UID, rec.Title, rec.Samples, rec.Nodes, rec.Size, rec.Compression, rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to save profile", err)
	}
	rec.ID = id
	return nil
}

const profileColumns = `id, artifact_key, uid, title, samples, nodes, size, COALESCE(compression, ''), created_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (*ProfileRecord, error) {
	rec := &ProfileRecord{}
	err := row.Scan(&rec.ID, &rec.Key, &rec.UID, &rec.Title, &rec.Samples,
		&rec.Nodes, &rec.Size, &rec.Compression, &rec.CreatedAt)
	return rec, err
}

// GetProfile retrieves a profile record by key.
func (r *SQLArtifactRepository) GetProfile(ctx context.Context, key string) (*ProfileRecord, error) {
	query := `SELECT ` + profileColumns + ` FROM cpu_profiles WHERE artifact_key = ?`

	rec, err := scanProfile(r.db.QueryRowContext(ctx, r.rebind(query), key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Newf(apperrors.CodeProfileNotFound, "profile not found: %s", key)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get profile", err)
	}
	return rec, nil
}

// ListProfiles returns up to limit profile records, newest first.
func (r *SQLArtifactRepository) ListProfiles(ctx context.Context, limit int) ([]*ProfileRecord, error) {
	query := `SELECT ` + profileColumns + ` FROM cpu_profiles ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list profiles", err)
	}
	defer rows.Close()

	var recs []*ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to scan profile", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list profiles", err)
	}
	return recs, nil
}

// DeleteProfile removes the profile record with key.
func (r *SQLArtifactRepository) DeleteProfile(ctx context.Context, key string) error {
	return r.deleteByKey(ctx, "cpu_profiles", key, apperrors.CodeProfileNotFound, "profile")
}

// SaveSnapshot inserts a snapshot record.
func (r *SQLArtifactRepository) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	query := `
		INSERT INTO heap_snapshots (artifact_key, uid, title, kind, nodes, edges, size, compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	rec.CreatedAt = stamp(rec.CreatedAt)
	id, err := r.insert(ctx, query,
		rec.Key, rec.UID, rec.Title, rec.Kind, rec.Nodes, rec.Edges, rec.Size, rec.Compression, rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to save snapshot", err)
	}
	rec.ID = id
	return nil
}

const snapshotColumns = `id, artifact_key, uid, title, kind, nodes, edges, size, COALESCE(compression, ''), created_at`

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*SnapshotRecord, error) {
	rec := &SnapshotRecord{}
	err := row.Scan(&rec.ID, &rec.Key, &rec.UID, &rec.Title, &rec.Kind,
		&rec.Nodes, &rec.Edges, &rec.Size, &rec.Compression, &rec.CreatedAt)
	return rec, err
}

// GetSnapshot retrieves a snapshot record by key.
func (r *SQLArtifactRepository) GetSnapshot(ctx context.Context, key string) (*SnapshotRecord, error) {
	query := `SELECT ` + snapshotColumns + ` FROM heap_snapshots WHERE artifact_key = ?`

	rec, err := scanSnapshot(r.db.QueryRowContext(ctx, r.rebind(query), key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Newf(apperrors.CodeSnapshotNotFound, "snapshot not found: %s", key)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get snapshot", err)
	}
	return rec, nil
}

// ListSnapshots returns up to limit snapshot records, newest first.
func (r *SQLArtifactRepository) ListSnapshots(ctx context.Context, limit int) ([]*SnapshotRecord, error) {
	query := `SELECT ` + snapshotColumns + ` FROM heap_snapshots ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list snapshots", err)
	}
	defer rows.Close()

	var recs []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to scan snapshot", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list snapshots", err)
	}
	return recs, nil
}

// DeleteSnapshot removes the snapshot record with key.
func (r *SQLArtifactRepository) DeleteSnapshot(ctx context.Context, key string) error {
	return r.deleteByKey(ctx, "heap_snapshots", key, apperrors.CodeSnapshotNotFound, "snapshot")
}

func (r *SQLArtifactRepository) deleteByKey(ctx context.Context, table, key string, notFoundCode apperrors.Code, what string) error {
	query := `DELETE FROM ` + table + ` WHERE artifact_key = ?`

	res, err := r.db.ExecContext(ctx, r.rebind(query), key)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to delete "+what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to delete "+what, err)
	}
	if n == 0 {
		return apperrors.Newf(notFoundCode, "%s not found: %s", what, key)
	}
	return nil
}
