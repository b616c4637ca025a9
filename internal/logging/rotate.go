package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/toolmux/toolmux/internal/common"
)

const (
	// rotateMaxBytes caps a single stderr capture file before rotation.
	rotateMaxBytes = 1 << 20
	// rotateKeep is the number of rotated files preserved per downstream.
	rotateKeep = 3
)

// RotatingWriter captures a downstream's stderr stream into
// <data-dir>/logs/<downstream>.stderr.log, rotating the file once it exceeds
// rotateMaxBytes and keeping the last rotateKeep rotations.
//
// Safe for use from a single goroutine per downstream; the mutex guards
// rotation against concurrent reopen after a downstream restart.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
}

// NewRotatingWriter opens (or creates) the stderr capture file for a downstream.
func NewRotatingWriter(downstream string) (*RotatingWriter, error) {
	logsDir, err := common.LogsDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	w := &RotatingWriter{path: filepath.Join(logsDir, downstream+".stderr.log")}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open stderr log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.written = info.Size()
	return nil
}

// Write appends p to the capture file, rotating first if the write would push
// the file past the size cap.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, fmt.Errorf("rotating writer is closed")
	}
	if w.written+int64(len(p)) > rotateMaxBytes && w.written > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// rotate shifts <path>.N → <path>.N+1, dropping the oldest, then reopens.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	os.Remove(fmt.Sprintf("%s.%d", w.path, rotateKeep))
	for i := rotateKeep - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.open()
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Path returns the capture file path.
func (w *RotatingWriter) Path() string {
	return w.path
}
