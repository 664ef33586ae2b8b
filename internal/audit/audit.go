// Package audit implements the append-only JSONL control-plane request log
// (C12): one line per request reaching a handler, including rejected ones.
// Grounded on the teacher's internal/security/audit.go AccessLogEntry/
// AuditLogger, generalized from the teacher's localhost-only MCP token
// scheme to the X-Api-Key scheme of spec.md §6, with the Wails UI event
// emission dropped (no GUI to notify).
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit line.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"sourceIp"`
	UserAgent string    `json:"userAgent"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger appends Entry records to a JSONL file and mirrors them through
// slog at a level derived from the response status.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open creates/appends to <storageDir>/logs/audit.log.
func Open(storageDir string, logger *slog.Logger) (*Logger, error) {
	dir := filepath.Join(storageDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, logger: logger}, nil
}

// Log appends one request outcome.
func (l *Logger) Log(entry Entry) {
	entry.ID = uuid.New().String()
	entry.Timestamp = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err == nil {
		l.file.Write(append(line, '\n'))
	}

	level := slog.LevelInfo
	if entry.Status >= 400 && entry.Status < 500 {
		level = slog.LevelWarn
	} else if entry.Status >= 500 {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "audit",
		"method", entry.Method, "path", entry.Path, "status", entry.Status,
		"sourceIp", entry.SourceIP, "detail", entry.Detail)
}

// Recent reads up to limit most-recent entries, newest first.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	l.mu.Lock()
	path := l.file.Name()
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			all = append(all, e)
		}
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out, nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
