// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/repoagent/internal/config"
)

// Field keys carried by every run-scoped logger.
const (
	RunIDKey  = "run_id"
	TaskIDKey = "task_id"
)

var (
	root     atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

const ansiReset = "\x1b[0m"

var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// benignSyncErrors are returned when syncing a terminal or pipe.
var benignSyncErrors = []string{
	"sync /dev/stdout",
	"sync /dev/stderr",
	"invalid argument",
	"operation not supported",
	"inappropriate ioctl",
}

// Initialize builds the process logger on first call; later calls are no-ops.
// Entries go to console and, when cfg.LogFile is set, to a rotating JSON file.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := buildLogger(cfg, console)
		root.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger initializes the process logger on a locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest forgets the process logger. Only for use in tests.
func ResetForTest() {
	root.Store(nil)
	initOnce = sync.Once{}
}

func buildLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	core := zapcore.NewCore(newEncoder(cfg.Format, cfg.Colors), console, level)
	if cfg.LogFile != "" {
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		core = zapcore.NewTee(core, zapcore.NewCore(newEncoder("json", config.ColorConfig{}), file, level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(core, opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger
}

// levelPalette resolves configured color names per level. Unknown or empty
// names leave that level uncolored.
func levelPalette(colors config.ColorConfig) map[zapcore.Level]string {
	names := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	palette := make(map[zapcore.Level]string, len(names))
	for lvl, name := range names {
		if seq, ok := ansiColors[strings.ToLower(strings.TrimSpace(name))]; ok {
			palette[lvl] = seq
		}
	}
	return palette
}

// newEncoder returns a console encoder for "console" and a JSON encoder for
// anything else.
func newEncoder(format string, colors config.ColorConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if format != "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}

	palette := levelPalette(colors)
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if seq, ok := palette[l]; ok {
			enc.AppendString(seq + l.CapitalString() + ansiReset)
			return
		}
		enc.AppendString(l.CapitalString())
	}
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the process logger, or a development logger named
// "fallback" before Initialize has run.
func GetLogger() *zap.Logger {
	if logger := root.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// ForRun scopes base to one rollout. The task key is omitted for ad hoc runs.
func ForRun(base *zap.Logger, runID, taskID string) *zap.Logger {
	scoped := base.With(zap.String(RunIDKey, runID))
	if taskID == "" {
		return scoped
	}
	return scoped.With(zap.String(TaskIDKey, taskID))
}

// Sync flushes the process logger and reports failures other than the
// ones terminals produce.
func Sync() {
	logger := root.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil {
		return
	}
	msg := err.Error()
	for _, benign := range benignSyncErrors {
		if strings.Contains(msg, benign) {
			return
		}
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}
