// Package store implements the durable task/library persistence layer
// (C6): one SQLite file holding the tasks table, the comics (library) rows,
// and the ambient app_settings/daily_stats/auth_sessions tables, through
// gorm.io/gorm with the glebarez/sqlite pure-Go driver. Grounded on the
// teacher's internal/storage/models.go GORM model declarations — which the
// teacher's own main.go never actually wired to a live driver, preferring a
// Badger KV store instead (see DESIGN.md) — generalized from a single
// DownloadTask model into the full Task/LibraryRow/AppSetting/DailyStat/
// AuthBlob set this spec's data model needs.
package store

import (
	"time"
)

// TaskRow is the GORM-mapped row backing spec.md §3's Task entity.
type TaskRow struct {
	ID        string `gorm:"primaryKey"`
	Type      string `gorm:"index"`
	Source    string `gorm:"index"`
	Target    string
	ParamsJSON string `gorm:"column:params_json"`
	Status    string `gorm:"index"`
	Progress  int64
	Total     int64
	Message   *string
	ComicID   *string `gorm:"column:comic_id;index"`
	CreatedAt int64   `gorm:"index"`
	UpdatedAt int64
}

func (TaskRow) TableName() string { return "tasks" }

// LibraryRow is the GORM-mapped row backing spec.md §3's LibraryRow entity,
// keyed by the canonical id (not the GORM-conventional autoincrement key).
type LibraryRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Title     string
	Subtitle  string
	Type      int
	TagsJSON  string `gorm:"column:tags_json"`
	Directory string
	Time      int64
	Size      int64
	MetaJSON  string  `gorm:"column:meta_json"`
	CoverPath *string `gorm:"column:cover_path"`
}

func (LibraryRow) TableName() string { return "comics" }

// AppSetting is a key/value row for the mutable policy knobs and the
// generated API key, mirroring the teacher's AppSetting/key-constant
// pattern in config/settings.go.
type AppSetting struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value"`
}

func (AppSetting) TableName() string { return "app_settings" }

// DailyStat is a (date, bytesDownloaded, filesCompleted) row updated by the
// stats package on every commit, mirroring the teacher's DailyStat model.
type DailyStat struct {
	Date            string `gorm:"primaryKey;column:date"`
	BytesDownloaded int64  `gorm:"column:bytes_downloaded"`
	FilesCompleted  int64  `gorm:"column:files_completed"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AuthBlob stores the opaque per-source credential JSON verbatim, keyed by
// source, per spec.md §6's `PUT /auth/{source}` contract.
type AuthBlob struct {
	Source    string `gorm:"primaryKey;column:source"`
	BlobJSON  string `gorm:"column:blob_json"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (AuthBlob) TableName() string { return "auth_sessions" }

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
