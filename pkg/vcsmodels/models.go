// Package vcsmodels holds the GORM row types backing the persisted
// keyspaces. Every component package (blobstore, refindex, changelog,
// workspace, users, notify) operates on these through a shared *gorm.DB.
package vcsmodels

import "time"

// BlobRow is the "blobs" keyspace: sha256 -> bytes.
type BlobRow struct {
	Hash      string `gorm:"primaryKey;size:64"`
	Data      string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (BlobRow) TableName() string { return "blobs" }

// RefVersionRow is the "refs" keyspace: (type, name, version) -> sha256.
// The primary key is the natural composite key; there is no surrogate id
// so the same portable schema works on both sqlite and postgres.
type RefVersionRow struct {
	ObjectType uint8  `gorm:"primaryKey"`
	Name       string `gorm:"primaryKey;size:255"`
	Version    uint64 `gorm:"primaryKey"`
	Hash       string `gorm:"size:64;not null;index"`
}

func (RefVersionRow) TableName() string { return "ref_versions" }

// RefCurrentRow is the refs keyspace's sidecar: (type, name) -> current_version.
type RefCurrentRow struct {
	ObjectType     uint8  `gorm:"primaryKey"`
	Name           string `gorm:"primaryKey;size:255"`
	CurrentVersion uint64 `gorm:"not null"`
}

func (RefCurrentRow) TableName() string { return "ref_current" }

// ChangeRow is a Change record, regardless of status. Local/Idle/Review/
// Merged changes all live in this one table; change_order (below) is what
// distinguishes "merged" from "still in the workspace" at the query
// level. Object-info sets and rename pairs are stored JSON-encoded: they
// are read/written wholesale by one writer at a time, so there is no
// need to normalize them into join tables.
type ChangeRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:255"`
	Description     string `gorm:"type:text"`
	Author          string `gorm:"size:255"`
	Timestamp       int64
	Status          string `gorm:"size:16;index"`
	AddedJSON       string `gorm:"type:text"`
	ModifiedJSON    string `gorm:"type:text"`
	DeletedJSON     string `gorm:"type:text"`
	RenamedJSON     string `gorm:"type:text"`
	IndexChangeID   *string `gorm:"size:64"`
}

func (ChangeRow) TableName() string { return "changes" }

// ChangeOrderRow is the "index/order" keyspace: the linear merged history.
// Position is assigned by the change log, not auto-incremented by the
// database, again so the same schema works unmodified on sqlite/postgres.
type ChangeOrderRow struct {
	Position uint64 `gorm:"primaryKey"`
	ChangeID string `gorm:"size:64;uniqueIndex"`
}

func (ChangeOrderRow) TableName() string { return "change_order" }

// SourceRow is the "index/source" keyspace. It is a singleton row (ID=1).
type SourceRow struct {
	ID         uint8 `gorm:"primaryKey"`
	URL        string `gorm:"type:text"`
	ExtUserID  *string `gorm:"size:255"`
	ExtAPIKey  *string `gorm:"size:255"`
}

func (SourceRow) TableName() string { return "source" }

// UserRow is the "users" keyspace.
type UserRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Email           string `gorm:"size:255;uniqueIndex"`
	VObj            *int64
	IsDisabled      bool
	IsSystemUser    bool
	AuthKeysJSON    string `gorm:"type:text"`
	PermissionsJSON string `gorm:"type:text"`
}

func (UserRow) TableName() string { return "users" }

// APIKeyRow is the "users" keyspace's auxiliary api_key -> user_id map.
type APIKeyRow struct {
	APIKey string `gorm:"primaryKey;size:128"`
	UserID string `gorm:"size:64;index"`
}

func (APIKeyRow) TableName() string { return "api_keys" }

// MergeOutboxRow backs the notify relay's outbox pattern: one row per
// merged change, published once to the configured
// Kafka/Redpanda topic and then marked done.
type MergeOutboxRow struct {
	Position  uint64 `gorm:"primaryKey"`
	ChangeID  string `gorm:"size:64"`
	CreatedAt time.Time
	Published bool `gorm:"index"`
}

func (MergeOutboxRow) TableName() string { return "merge_outbox" }

// AutoMigrateModels lists every row type the schema migration must create.
// Kept purely as a single source of truth for tests that spin up an
// in-memory sqlite database without running the SQL migration files.
func AutoMigrateModels() []interface{} {
	return []interface{}{
		&BlobRow{},
		&RefVersionRow{},
		&RefCurrentRow{},
		&ChangeRow{},
		&ChangeOrderRow{},
		&SourceRow{},
		&UserRow{},
		&APIKeyRow{},
		&MergeOutboxRow{},
	}
}
