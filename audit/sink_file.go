package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileRecorder writes entries as JSON lines to a rotating file.
type FileRecorder struct {
	mu     sync.Mutex
	path   string
	writer *lumberjack.Logger
}

// FileRecorderConfig contains configuration for the file recorder
type FileRecorderConfig struct {
	Path       string
	MaxSize    int // megabytes before rotation, 0 means 100
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// NewFileRecorder creates a new file recorder
func NewFileRecorder(config FileRecorderConfig) (*FileRecorder, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileRecorder{
		path: config.Path,
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
			LocalTime:  true,
		},
	}, nil
}

// Record appends entry as one JSON line.
func (r *FileRecorder) Record(ctx context.Context, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

// Rotate closes the current file and starts a new one.
func (r *FileRecorder) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Rotate()
}

// Close closes the file recorder
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

// Name returns the file path
func (r *FileRecorder) Name() string {
	return r.path
}
