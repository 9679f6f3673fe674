package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONWriter appends events to a JSON-lines file, rotating it when it
// grows past the configured size.
type JSONWriter struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu      sync.Mutex
	file    *os.File
	written int64
}

// JSONWriterConfig configures the JSON audit writer.
type JSONWriterConfig struct {
	// Path is the audit log file.
	Path string

	// MaxSizeMB is the size that triggers rotation (default 100).
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default 5).
	MaxBackups int
}

// NewJSONWriter opens (or creates) the audit log at cfg.Path.
func NewJSONWriter(cfg JSONWriterConfig) (*JSONWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	w := &JSONWriter{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONWriter) openFile() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}

	w.file = f
	w.written = info.Size()
	return nil
}

// Log appends one event. Failures are swallowed: auditing must never
// take the tracker down with it.
func (w *JSONWriter) Log(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return
	}

	if w.written >= w.maxBytes {
		if err := w.rotate(); err != nil {
			return
		}
	}

	n, err := w.file.Write(line)
	w.written += int64(n)
	_ = err
}

// rotate shifts audit.log to audit.log.1, .1 to .2 and so on, dropping
// anything past maxBackups, then reopens a fresh file.
func (w *JSONWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close audit log for rotation: %w", err)
		}
		w.file = nil
	}

	for i := w.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(
			fmt.Sprintf("%s.%d", w.path, i),
			fmt.Sprintf("%s.%d", w.path, i+1),
		)
	}

	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		if openErr := w.openFile(); openErr != nil {
			return fmt.Errorf("failed to rotate audit log: %w (also failed to reopen: %v)", err, openErr)
		}
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	_ = os.Remove(fmt.Sprintf("%s.%d", w.path, w.maxBackups+1))

	return w.openFile()
}

// Close closes the underlying file.
func (w *JSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

var _ Logger = (*JSONWriter)(nil)
