// Package logging provides the engine's structured logger: one *Logger per
// accepted connection, further named per interceptor, so every log line
// carries the connection and parser it belongs to.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger: console or rotated-file output and
// the minimum level.
type Options struct {
	Stdout     bool
	Level      string
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
}

// Logger wraps a named *zap.Logger.
type Logger struct {
	z *zap.Logger
}

func toZapLevel(l string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a root Logger from opt.
func New(opt Options) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	var w zapcore.WriteSyncer
	switch {
	case opt.Stdout || opt.Filename == "":
		w = zapcore.AddSync(os.Stdout)
	default:
		if err := os.MkdirAll(filepath.Dir(opt.Filename), 0o755); err != nil {
			panic(err)
		}
		w = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSize,
			MaxBackups: opt.MaxBackups,
			MaxAge:     opt.MaxAge,
			LocalTime:  true,
		})
	}

	core := zapcore.NewCore(encoder, w, toZapLevel(opt.Level))
	return &Logger{z: zap.New(core, zap.AddCaller())}
}

// defaultOptions honors the DEBUG environment variable: any value at all
// switches the root logger to debug level.
func defaultOptions() Options {
	level := "info"
	if _, ok := os.LookupEnv("DEBUG"); ok {
		level = "debug"
	}
	return Options{Stdout: true, Level: level}
}

var root = New(defaultOptions())

// Configure replaces the root logger, e.g. once CLI flags are parsed.
func Configure(opt Options) {
	root = New(opt)
}

// ForConn returns a logger named for a newly accepted connection ID.
func ForConn(id string) *Logger {
	return root.Named("s" + id)
}

// Named returns a child logger, used for per-interceptor loggers under a
// connection's logger.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries, best-effort on process exit.
func (l *Logger) Sync() error { return l.z.Sync() }

// Field re-exports zap.Field's constructors so callers need only import
// this package.
var (
	String = zap.String
	Err    = zap.Error
	Int    = zap.Int
)
