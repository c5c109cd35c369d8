// Package logging builds the component loggers used across livequery.
//
// Every component logs through a standard *log.Logger with a
// "[component] " prefix. All loggers of one process share a single
// output: stderr by default, or a rotating file when a path is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// File receives the logs instead of stderr when set. It is rotated
	// by size.
	File string `mapstructure:"file"`

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAgeDays removes rotated files older than this many days.
	MaxAgeDays int `mapstructure:"max_age_days"`

	// Quiet discards all log output.
	Quiet bool `mapstructure:"quiet"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Logging owns the shared log output.
type Logging struct {
	out    io.Writer
	closer io.Closer
}

// Open sets up the output described by config.
func Open(config Config) (*Logging, error) {
	switch {
	case config.Quiet:
		return &Logging{out: io.Discard}, nil

	case config.File != "":
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		return &Logging{out: lj, closer: lj}, nil

	default:
		return &Logging{out: os.Stderr}, nil
	}
}

// New returns a logger for component, e.g. New("tree") logs with the
// prefix "[tree] ".
func (l *Logging) New(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Close flushes and closes a log file. It is a no-op for stderr.
func (l *Logging) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
