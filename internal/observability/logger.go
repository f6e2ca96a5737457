// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dakbox/dakbox-cli/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// -- Terminal colours --

const (
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

var palette = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   colorGreen,
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// levelColors resolves the configured colour names. Unknown or empty names leave a level plain.
func levelColors(c config.ColorConfig) map[zapcore.Level]string {
	return map[zapcore.Level]string{
		zapcore.DebugLevel:  palette[c.Debug],
		zapcore.InfoLevel:   palette[c.Info],
		zapcore.WarnLevel:   palette[c.Warn],
		zapcore.ErrorLevel:  palette[c.Error],
		zapcore.DPanicLevel: palette[c.DPanic],
		zapcore.PanicLevel:  palette[c.Panic],
		zapcore.FatalLevel:  palette[c.Fatal],
	}
}

func colorLevelEncoder(c config.ColorConfig) zapcore.LevelEncoder {
	colors := levelColors(c)
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := l.CapitalString()
		if code := colors[l]; code != "" {
			enc.AppendString(code + name + colorReset)
			return
		}
		enc.AppendString(name)
	}
}

// -- Initialization --

// Initialize installs the global logger writing to console. Only the first call has any effect
// until ResetForTest.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	once.Do(func() {
		level := parseLevel(cfg.Level)
		cores := []zapcore.Core{zapcore.NewCore(encoderFor(cfg), console, level)}
		if fc := fileCore(cfg, level); fc != nil {
			cores = append(cores, fc)
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}
		name := cfg.ServiceName
		if name == "" {
			name = "dakbox"
		}
		logger := zap.New(zapcore.NewTee(cores...), opts...).Named(name)
		globalLogger.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger logs to stderr so command output on stdout can be piped.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest forgets the global logger so the next Initialize takes effect.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

func parseLevel(s string) zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(s)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// fileCore returns a rotating JSON core for cfg.LogFile, or nil when file logging is off.
func fileCore(cfg config.LoggerConfig, level zap.AtomicLevel) zapcore.Core {
	if cfg.LogFile == "" {
		return nil
	}
	path, err := homedir.Expand(cfg.LogFile)
	if err != nil {
		path = cfg.LogFile
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	return zapcore.NewCore(encoderFor(config.LoggerConfig{Format: "json"}), w, level)
}

// encoderFor returns the single-line colour console encoder for "console" and JSON otherwise.
func encoderFor(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)

	if cfg.Format != "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = colorLevelEncoder(cfg.Colors)
	// "dakbox.engine." keeps the component apart from the message.
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// -- Access --

// GetLogger returns the global logger, or a development logger named "fallback" before Initialize.
func GetLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// Component returns the global logger scoped to a named component, e.g. "engine".
func Component(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// Errors terminals report when stdout or stderr cannot be fsynced. They carry no lost entries.
var benignSyncErrors = []string{
	"sync /dev/stdout",
	"sync /dev/stderr",
	"invalid argument",
	"operation not supported",
	"inappropriate ioctl for device",
}

// Sync flushes buffered entries. Call it before exiting.
func Sync() {
	l := globalLogger.Load()
	if l == nil {
		return
	}
	err := l.Sync()
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
