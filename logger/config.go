package logger

import (
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool
	NoColor      bool
}

// FileConfig holds file rotation configuration
type FileConfig struct {
	Filename   string // File path
	MaxSize    int    // Maximum size in megabytes
	MaxAge     int    // Maximum age in days
	MaxBackups int    // Maximum number of backup files
	Compress   bool   // Whether to compress rotated files
}

// DefaultConfig returns a console logger on stderr at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  DefaultFormat,
		Outputs: []io.Writer{os.Stderr},
	}
}

// DefaultFileConfig returns a default file configuration
func DefaultFileConfig(filename string) *FileConfig {
	return &FileConfig{
		Filename:   filename,
		MaxSize:    100, // 100MB
		MaxAge:     30,  // 30 days
		MaxBackups: 10,
		Compress:   true,
	}
}

