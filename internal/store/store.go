package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/noelle-silva/PicaComic/internal/stoptoken"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Status is a canonical task status string per spec.md §3/§6.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Task is the in-process view of a task row, decoded from TaskRow. JSON
// tags match spec.md §6's REST task payload shape.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    Status          `json:"status"`
	Progress  int64           `json:"progress"`
	Total     int64           `json:"total"`
	Message   *string         `json:"message,omitempty"`
	ComicID   *string         `json:"comicId,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

func fromRow(r TaskRow) Task {
	var params json.RawMessage
	if r.ParamsJSON != "" {
		params = json.RawMessage(r.ParamsJSON)
	}
	return Task{
		ID: r.ID, Type: r.Type, Source: r.Source, Target: r.Target,
		Params: params, Status: Status(r.Status), Progress: r.Progress,
		Total: r.Total, Message: r.Message, ComicID: r.ComicID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = errors.New("not found")

// ErrAlreadyDownloaded mirrors the REST-visible 409 "already downloaded".
var ErrAlreadyDownloaded = errors.New("already downloaded")

// ErrTaskExists mirrors the REST-visible 409 "task already exists".
var ErrTaskExists = errors.New("task already exists")

// ErrTaskRunning mirrors the REST-visible 409 "task is running".
var ErrTaskRunning = errors.New("task is running")

// Store wraps the GORM handle plus the process-local stop-token registry
// (StopToken exists only in memory per spec.md §3, so it is never a GORM
// model).
type Store struct {
	db     *gorm.DB
	tokens sync.Map // taskID -> *stoptoken.Token
}

// Open creates/migrates the SQLite file at path and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&TaskRow{}, &LibraryRow{}, &AppSetting{}, &DailyStat{}, &AuthBlob{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Token returns the in-memory StopToken for a running task, creating one on
// first access.
func (s *Store) Token(taskID string) *stoptoken.Token {
	v, _ := s.tokens.LoadOrStore(taskID, stoptoken.New())
	return v.(*stoptoken.Token)
}

// DropToken removes a task's stop token once the worker that owned it has
// exited, so a later run of the same task id starts with a fresh token.
func (s *Store) DropToken(taskID string) {
	s.tokens.Delete(taskID)
}

// CreateTask inserts a new queued row, enforcing the two rejection rules
// from §4.6: canonical id already a comic, or an active task already
// exists for the same (source, target).
func (s *Store) CreateTask(id, taskType, source, target string, paramsJSON json.RawMessage, canonicalID string) (Task, error) {
	var existingComic LibraryRow
	if err := s.db.Where("id = ?", canonicalID).First(&existingComic).Error; err == nil {
		return Task{}, ErrAlreadyDownloaded
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, err
	}

	var existingTask TaskRow
	err := s.db.Where("source = ? AND target = ? AND status IN ?", source, target,
		[]string{string(StatusQueued), string(StatusRunning), string(StatusPaused)}).First(&existingTask).Error
	if err == nil {
		return Task{}, ErrTaskExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, err
	}

	now := nowMillis()
	row := TaskRow{
		ID: id, Type: taskType, Source: source, Target: target,
		ParamsJSON: string(paramsJSON), Status: string(StatusQueued),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return Task{}, err
	}
	return fromRow(row), nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(id string) (Task, error) {
	var row TaskRow
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return fromRow(row), nil
}

// ListTasks returns up to limit tasks, newest first.
func (s *Store) ListTasks(limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []TaskRow
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Task, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// ListQueuedAscending returns queued tasks ordered by creation time, used by
// boot recovery to refill the scheduler's queue.
func (s *Store) ListQueuedAscending() ([]Task, error) {
	var rows []TaskRow
	if err := s.db.Where("status = ?", string(StatusQueued)).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Task, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// SetStatus updates a task's status and bumps updatedAt. A non-empty
// message replaces the existing one; clearMessage forces it to nil
// (retry/resume/pause clear the message per §4.7).
func (s *Store) SetStatus(id string, status Status, message *string, clearMessage bool, comicID *string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": nowMillis(),
	}
	if clearMessage {
		updates["message"] = nil
	} else if message != nil {
		updates["message"] = *message
	}
	if comicID != nil {
		updates["comic_id"] = *comicID
	}
	return s.db.Model(&TaskRow{}).Where("id = ?", id).Updates(updates).Error
}

// SetProgress implements progress.Sink: rate-limited writes from the
// running worker land here.
func (s *Store) SetProgress(id string, downloaded, total int64, message string) {
	updates := map[string]any{
		"progress":   downloaded,
		"total":      total,
		"updated_at": nowMillis(),
	}
	if message != "" {
		updates["message"] = message
	}
	s.db.Model(&TaskRow{}).Where("id = ?", id).Updates(updates)
}

// DeleteTask removes a task row iff it's not running.
func (s *Store) DeleteTask(id string) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == StatusRunning {
		return ErrTaskRunning
	}
	return s.db.Where("id = ?", id).Delete(&TaskRow{}).Error
}

// GetLibraryRow loads one library row by canonical id.
func (s *Store) GetLibraryRow(id string) (LibraryRow, error) {
	var row LibraryRow
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LibraryRow{}, ErrNotFound
		}
		return LibraryRow{}, err
	}
	return row, nil
}

// UpsertLibraryRow implements the commit step's "INSERT OR REPLACE" per
// §4.8 step 4.
func (s *Store) UpsertLibraryRow(row LibraryRow) error {
	return s.db.Save(&row).Error
}

// GetAppSetting reads a policy/config key, returning ("", false) if unset.
func (s *Store) GetAppSetting(key string) (string, bool) {
	var row AppSetting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

// SetAppSetting writes a policy/config key, overwriting any prior value.
func (s *Store) SetAppSetting(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// IncrementDailyStat adds bytes/files to today's row (date supplied by the
// caller so tests control the clock), creating it if absent.
func (s *Store) IncrementDailyStat(date string, bytes, files int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.Where("date = ?", date).First(&row).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			row = DailyStat{Date: date}
		}
		row.BytesDownloaded += bytes
		row.FilesCompleted += files
		return tx.Save(&row).Error
	})
}

// DailyStats returns every DailyStat row, caller filters/sorts by date.
func (s *Store) DailyStats() ([]DailyStat, error) {
	var rows []DailyStat
	if err := s.db.Order("date DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LifetimeStats sums every DailyStat row into a single (bytes, files) pair.
func (s *Store) LifetimeStats() (int64, int64, error) {
	var result struct {
		Bytes int64
		Files int64
	}
	if err := s.db.Model(&DailyStat{}).
		Select("COALESCE(SUM(bytes_downloaded),0) as bytes, COALESCE(SUM(files_completed),0) as files").
		Scan(&result).Error; err != nil {
		return 0, 0, err
	}
	return result.Bytes, result.Files, nil
}

// GetAuthBlob reads a source's stored credential blob.
func (s *Store) GetAuthBlob(source string) (AuthBlob, error) {
	var row AuthBlob
	if err := s.db.Where("source = ?", source).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AuthBlob{}, ErrNotFound
		}
		return AuthBlob{}, err
	}
	return row, nil
}

// SetAuthBlob stores a source's credential blob verbatim, plaintext, per
// spec.md §6.
func (s *Store) SetAuthBlob(source string, blobJSON json.RawMessage) error {
	return s.db.Save(&AuthBlob{Source: source, BlobJSON: string(blobJSON), UpdatedAt: nowMillis()}).Error
}

// BootRecovery implements §4.6's two recovery rules: every running row
// becomes failed/"server restarted", every queued row is returned for
// re-enqueue in created_at ascending order (the caller owns pushing them
// onto the scheduler's in-memory queue).
func (s *Store) BootRecovery() ([]Task, error) {
	msg := "server restarted"
	if err := s.db.Model(&TaskRow{}).Where("status = ?", string(StatusRunning)).
		Updates(map[string]any{"status": string(StatusFailed), "message": msg, "updated_at": nowMillis()}).Error; err != nil {
		return nil, err
	}
	return s.ListQueuedAscending()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
