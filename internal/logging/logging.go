package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Config selects the log format, level and an optional file copy
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
	File   string `toml:"file"`
}

// LevelManager adjusts the level of the default logger at runtime
type LevelManager struct {
	level slog.LevelVar
}

var globalLevelManager = &LevelManager{}

// GetLevelManager returns the process-wide level manager
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel changes the minimum level of every handler built by Setup
func (m *LevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current minimum level
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// Leveler exposes the level for handler options
func (m *LevelManager) Leveler() slog.Leveler {
	return &m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// Setup installs the default slog logger. The returned closer releases
// the log file, if any.
func Setup(cfg Config, stdout io.Writer) (io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
	}
	globalLevelManager.SetLevel(level)

	out := stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: globalLevelManager.Leveler()}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		closer.Close()
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logging initialized", "log_level", LevelToString(level), "log_file", cfg.File)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// sanitize normalizes remote text to a single line without control
// characters
func sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
