// Package logger provides the shared logging facade for the OTA layer.
// It wraps logrus so services get structured, leveled logging with a
// consistent configuration surface, while call sites keep the familiar
// logrus chaining API (WithField, WithError, WithContext).
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls how a Logger writes its output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level" json:"level"`
	// Format is json or text. Defaults to text.
	Format string `yaml:"format" json:"format"`
	// Output is stdout, stderr, or file. Defaults to stdout.
	Output string `yaml:"output" json:"output"`
	// FilePrefix is the path prefix for file output. The process start
	// date and a .log suffix are appended.
	FilePrefix string `yaml:"file_prefix" json:"file_prefix"`
}

// Logger is the service logging handle. It embeds a logrus logger so the
// full structured API is available directly.
type Logger struct {
	*logrus.Logger

	name string
}

// New builds a Logger from config. Invalid settings fall back to defaults
// rather than failing; logging must never prevent startup.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	l.SetOutput(resolveOutput(cfg))

	return &Logger{Logger: l}
}

// NewDefault builds a text logger at info level writing to stdout, tagged
// with the component name. Services use this when no logger is injected.
func NewDefault(name string) *Logger {
	l := New(LoggingConfig{})
	l.name = name
	l.AddHook(&nameHook{name: name})
	return l
}

// Named returns a copy of the logger tagged with the component name.
func (l *Logger) Named(name string) *Logger {
	out := &Logger{Logger: l.Logger, name: name}
	return out
}

// Name reports the component name the logger was created for.
func (l *Logger) Name() string { return l.name }

// LogWithFields returns an entry pre-populated with structured fields.
func (l *Logger) LogWithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithContext attaches a request context to the entry so hooks can pull
// request-scoped values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	return l.Logger.WithContext(ctx)
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		if cfg.FilePrefix == "" {
			return os.Stdout
		}
		path := fmt.Sprintf("%s-%s.log", cfg.FilePrefix, time.Now().Format("2006-01-02"))
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return os.Stdout
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

// nameHook stamps every entry with the owning component name.
type nameHook struct {
	name string
}

func (h *nameHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *nameHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["component"]; !ok {
		e.Data["component"] = h.name
	}
	return nil
}
