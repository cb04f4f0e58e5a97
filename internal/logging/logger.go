package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxSize    = 10 << 20
	defaultMaxBackups = 3
)

// Config selects the level, format and optional log file
type Config struct {
	Level      string // debug, info, warn, error; empty means info
	OutputFile string // also log here; stderr is always written
	MaxSize    int64  // rotate the file at start-up once it reaches this size
	MaxBackups int    // rotated files kept as <file>.1 ... <file>.N
	JSONFormat bool
}

// Logger is a logrus logger that owns its log file
type Logger struct {
	*logrus.Logger

	mu   sync.Mutex
	file *os.File
}

// NewLogger builds the process logger. A long-running serve process rotates
// only at start-up; restarts keep the file bounded.
func NewLogger(cfg Config) (*Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(level)
	if cfg.JSONFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.OutputFile == "" {
		l.SetOutput(os.Stderr)
		return l, nil
	}

	file, err := openLogFile(cfg)
	if err != nil {
		return nil, err
	}
	l.file = file
	l.SetOutput(io.MultiWriter(os.Stderr, file))
	return l, nil
}

func openLogFile(cfg Config) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxSize, backups := cfg.MaxSize, cfg.MaxBackups
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if backups <= 0 {
		backups = defaultMaxBackups
	}
	if err := rotate(cfg.OutputFile, maxSize, backups); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// rotate moves path to path.1 when it has reached maxSize, shifting older
// backups up and dropping the one past backups.
func rotate(path string, maxSize int64, backups int) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < maxSize {
		return nil
	}

	backup := func(n int) string { return fmt.Sprintf("%s.%d", path, n) }

	os.Remove(backup(backups))
	for n := backups - 1; n >= 1; n-- {
		if _, err := os.Stat(backup(n)); err == nil {
			if err := os.Rename(backup(n), backup(n+1)); err != nil {
				return fmt.Errorf("shift log backup: %w", err)
			}
		}
	}
	if err := os.Rename(path, backup(1)); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}

// Close releases the log file. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.SetOutput(os.Stderr)
	return err
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
