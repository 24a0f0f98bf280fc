package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the process-wide log sink.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is human or json. Defaults to human.
	Format string `yaml:"format"`

	// Dir, when set, receives a per-process log file in addition to stderr.
	Dir string `yaml:"dir"`
}

// Logger is a component-scoped logger. All output goes to stderr and the
// optional log file; stdout is reserved for the worker's IPC frames.
type Logger struct {
	component string
	fields    []interface{}
	closeOnce sync.Once
}

var (
	base atomic.Pointer[zap.SugaredLogger]

	processID     string
	processIDOnce sync.Once

	logPath string
	pathMu  sync.RWMutex
)

func init() {
	l, err := build(Config{})
	if err != nil {
		l = zap.NewNop()
	}
	base.Store(l.Sugar())
}

func getProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.New().String()
	})
	return processID
}

// Init replaces the process-wide sink. Loggers created before Init pick up
// the new sink on their next write.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	if old := base.Swap(l.Sugar()); old != nil {
		_ = old.Sync()
	}
	return nil
}

func build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zcfg.Development = false
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true

	outputs := []string{"stderr"}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, fmt.Sprintf("%s-browserstep.log", getProcessID()))
		outputs = append(outputs, path)
		pathMu.Lock()
		logPath = path
		pathMu.Unlock()
	}
	zcfg.OutputPaths = outputs
	zcfg.ErrorOutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l.With(zap.String("pid", getProcessID())), nil
}

// Use installs l as the process-wide sink and returns a function restoring
// the previous one. Intended for tests.
func Use(l *zap.Logger) (restore func()) {
	prev := base.Swap(l.Sugar())
	return func() { base.Store(prev) }
}

// NewLogger creates a logger for a specific component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a child logger that adds the given key/value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	s := base.Load().Named(l.component)
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	return s
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar().Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar().Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar().Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar().Errorf(format, v...)
}

// Infow logs a message with structured key/value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar().Infow(msg, keysAndValues...)
}

// Warnw logs a warning with structured key/value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar().Warnw(msg, keysAndValues...)
}

// Errorw logs an error with structured key/value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar().Errorw(msg, keysAndValues...)
}

// Close flushes buffered entries. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = Sync()
	})
	return err
}

// Sync flushes the process-wide sink.
func Sync() error {
	err := base.Load().Sync()
	// stderr cannot be fsynced on most platforms.
	if err != nil && strings.Contains(err.Error(), "/dev/stderr") {
		return nil
	}
	return err
}

// ProcessID returns the identifier used to name this process's log file.
func ProcessID() string {
	return getProcessID()
}

// LogPath returns the current log file path, or "" when file logging is off.
func LogPath() string {
	pathMu.RLock()
	defer pathMu.RUnlock()
	return logPath
}
