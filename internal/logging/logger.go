// Package logging provides config-driven categorized logging for hotforge.
// Every category is a named child of one zap logger. Until Initialize is
// called every logger is a no-op, so packages can log freely in tests.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryBus         Category = "bus"         // Event bus dispatch
	CategorySynth       Category = "synth"       // Synthesis stage
	CategoryCoordinator Category = "coordinator" // Generation requests, goals, needs
	CategoryIntegration Category = "integration" // Integration pipeline
	CategoryPlugin      Category = "plugin"      // Hot loading and module registry
	CategorySupervisor  Category = "supervisor"  // Process supervisor calls
	CategoryStore       Category = "store"       // Artifact journal
	CategoryWatch       Category = "watch"       // File watcher
	CategoryHost        Category = "host"        // Endpoint/handler host
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	ToFile     bool
	Categories map[string]bool
}

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	root      = zap.NewNop()
	opts      Options
	loggers   = make(map[Category]*Logger)
	logFile   *os.File
	logsDir   string
	workspace string
)

// Initialize builds the root zap logger. Log files go to
// <workspace>/.forge/logs when ToFile is set, stderr otherwise.
func Initialize(ws string, o Options) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	level, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if o.DebugMode {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if o.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	var file *os.File
	dir := filepath.Join(ws, ".forge", "logs")
	if o.ToFile {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		name := fmt.Sprintf("%s_forge.log", time.Now().Format("2006-01-02"))
		file, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	install(zap.New(core), o, file)

	mu.Lock()
	workspace = ws
	logsDir = dir
	mu.Unlock()

	Boot("logging initialized (workspace=%s level=%s json=%v)", ws, level, o.JSONFormat)
	return nil
}

// UseLogger installs an externally built zap logger, e.g. the CLI's.
func UseLogger(l *zap.Logger, o Options) {
	install(l, o, nil)
}

func install(l *zap.Logger, o Options, file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	root = l
	opts = o
	logFile = file
	loggers = make(map[Category]*Logger)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()

	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: root.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// LogsDir returns the directory file logs are written to.
func LogsDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logsDir
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// WithContext returns a logger that attaches key-value context to every entry.
func (l *Logger) WithContext(ctx map[string]interface{}) *Logger {
	kv := make([]interface{}, 0, len(ctx)*2)
	for k, v := range ctx {
		kv = append(kv, k, v)
	}
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

// StructuredLog writes a message with custom fields at the given level.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	s := l.WithContext(fields).sugar
	switch level {
	case "debug":
		s.Debug(msg)
	case "warn":
		s.Warn(msg)
	case "error":
		s.Error(msg)
	default:
		s.Info(msg)
	}
}

// Sync flushes buffered entries and closes the log file (call at shutdown).
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Bus(format string, args ...interface{})      { Get(CategoryBus).Info(format, args...) }
func BusDebug(format string, args ...interface{}) { Get(CategoryBus).Debug(format, args...) }
func BusWarn(format string, args ...interface{})  { Get(CategoryBus).Warn(format, args...) }

func Synth(format string, args ...interface{})      { Get(CategorySynth).Info(format, args...) }
func SynthDebug(format string, args ...interface{}) { Get(CategorySynth).Debug(format, args...) }

func Coordinator(format string, args ...interface{})      { Get(CategoryCoordinator).Info(format, args...) }
func CoordinatorDebug(format string, args ...interface{}) { Get(CategoryCoordinator).Debug(format, args...) }
func CoordinatorError(format string, args ...interface{}) { Get(CategoryCoordinator).Error(format, args...) }

func Integration(format string, args ...interface{})      { Get(CategoryIntegration).Info(format, args...) }
func IntegrationDebug(format string, args ...interface{}) { Get(CategoryIntegration).Debug(format, args...) }
func IntegrationWarn(format string, args ...interface{})  { Get(CategoryIntegration).Warn(format, args...) }
func IntegrationError(format string, args ...interface{}) { Get(CategoryIntegration).Error(format, args...) }

func Plugin(format string, args ...interface{})      { Get(CategoryPlugin).Info(format, args...) }
func PluginDebug(format string, args ...interface{}) { Get(CategoryPlugin).Debug(format, args...) }
func PluginWarn(format string, args ...interface{})  { Get(CategoryPlugin).Warn(format, args...) }

func Supervisor(format string, args ...interface{})      { Get(CategorySupervisor).Info(format, args...) }
func SupervisorDebug(format string, args ...interface{}) { Get(CategorySupervisor).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Watch(format string, args ...interface{})      { Get(CategoryWatch).Info(format, args...) }
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debug(format, args...) }
func WatchWarn(format string, args ...interface{})  { Get(CategoryWatch).Warn(format, args...) }

func Host(format string, args ...interface{})     { Get(CategoryHost).Info(format, args...) }
func HostWarn(format string, args ...interface{}) { Get(CategoryHost).Warn(format, args...) }
