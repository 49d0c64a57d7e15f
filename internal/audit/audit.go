// Package audit provides the append-only JSONL audit trail. Every
// deliberate or dangerous action (claims, stale-lease overrides, kills,
// restarts, failures) lands here before the process is allowed to exit.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps a single audit file at 50MB before rotation.
	DefaultMaxLogSize = 50 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// Entry is a single audit event.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	Identity  string            `json:"identity,omitempty"`
	Trigger   string            `json:"trigger,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger appends entries to a JSONL file, rotating into an archive
// directory when the size cap is reached. Writes are synced so an entry
// survives the crash it may be describing.
type Logger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

func New(logPath string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &Logger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = stat.Size()
	return nil
}

// Log records one event with free-form details.
func (l *Logger) Log(event, identity, trigger string, details map[string]string) error {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Identity:  identity,
		Trigger:   trigger,
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(l.logPath)
	stem := base[:len(base)-len(logFileExtension)]
	stamp := time.Now().UTC().Format("20060102T150405Z")
	archivePath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, stamp, logFileExtension))

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
