package repository

import "time"

// ProfileRecord represents the cpu_profiles table: one exported CPU
// profile artifact.
type ProfileRecord struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Key         string    `gorm:"column:artifact_key;type:varchar(255);uniqueIndex"`
	UID         uint32    `gorm:"column:uid;index"`
	Title       string    `gorm:"column:title;type:varchar(255)"`
	Samples     uint64    `gorm:"column:samples"`
	Nodes       int       `gorm:"column:nodes"`
	Size        int64     `gorm:"column:size"`
	Compression string    `gorm:"column:compression;type:varchar(16)"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the table name for ProfileRecord.
func (ProfileRecord) TableName() string {
	return "cpu_profiles"
}

// SnapshotRecord represents the heap_snapshots table: one serialized heap
// snapshot artifact.
type SnapshotRecord struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Key         string    `gorm:"column:artifact_key;type:varchar(255);uniqueIndex"`
	UID         uint32    `gorm:"column:uid;index"`
	Title       string    `gorm:"column:title;type:varchar(255)"`
	Kind        string    `gorm:"column:kind;type:varchar(16)"`
	Nodes       int       `gorm:"column:nodes"`
	Edges       int       `gorm:"column:edges"`
	Size        int64     `gorm:"column:size"`
	Compression string    `gorm:"column:compression;type:varchar(16)"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the table name for SnapshotRecord.
func (SnapshotRecord) TableName() string {
	return "heap_snapshots"
}

// AllModels returns every model managed by the repository, for migrations.
func AllModels() []interface{} {
	return []interface{}{&ProfileRecord{}, &SnapshotRecord{}}
}
