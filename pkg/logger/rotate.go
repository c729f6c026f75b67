package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type rotationPolicy struct {
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

func (p rotationPolicy) withDefaults() rotationPolicy {
	if p.maxSizeMB <= 0 {
		p.maxSizeMB = 100
	}
	if p.maxBackups <= 0 {
		p.maxBackups = 7
	}
	if p.maxAgeDays <= 0 {
		p.maxAgeDays = 30
	}
	return p
}

// rotatingWriter appends to path and shifts it to path.1 .. path.N once it
// would grow past the size limit.
type rotatingWriter struct {
	mu     sync.Mutex
	path   string
	policy rotationPolicy
	file   *os.File
	size   int64
	now    func() time.Time
}

func newRotatingWriter(path string, policy rotationPolicy) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{path: path, policy: policy.withDefaults(), now: time.Now}, nil
}

func (w *rotatingWriter) limit() int64 {
	return int64(w.policy.maxSizeMB) * 1024 * 1024
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit() {
		w.shift()
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

// shift closes the live file and renames the backup chain. Errors are ignored
// so that logging keeps going on the fresh file.
func (w *rotatingWriter) shift() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	_ = os.Remove(w.backup(w.policy.maxBackups))
	for i := w.policy.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(w.backup(i), w.backup(i+1))
	}
	_ = os.Rename(w.path, w.backup(1))

	cutoff := w.now().Add(-time.Duration(w.policy.maxAgeDays) * 24 * time.Hour)
	for i := 1; i <= w.policy.maxBackups; i++ {
		info, err := os.Stat(w.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}
