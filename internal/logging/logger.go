package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// global holds the process logger. It starts as a no-op so packages can log
// before the binary has installed its configured logger.
var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// Options mirrors the logging section of the configuration file.
type Options struct {
	Level  string // debug, info, warn, error; empty means info
	Format string // json or console; empty means json
}

// New builds a logger from the configured level and output format.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log format %q: unsupported", opts.Format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// Global returns the process logger.
func Global() *zap.Logger {
	return global.Load()
}

// SetGlobal installs the process logger.
func SetGlobal(l *zap.Logger) {
	global.Store(l)
}

// Debug logs at debug level on the process logger.
func Debug(msg string, fields ...zap.Field) {
	global.Load().Debug(msg, fields...)
}

// Info logs at info level on the process logger.
func Info(msg string, fields ...zap.Field) {
	global.Load().Info(msg, fields...)
}

// Warn logs at warn level on the process logger.
func Warn(msg string, fields ...zap.Field) {
	global.Load().Warn(msg, fields...)
}

// Error logs at error level on the process logger.
func Error(msg string, fields ...zap.Field) {
	global.Load().Error(msg, fields...)
}

// Sync flushes any buffered entries.
func Sync() {
	global.Load().Sync()
}
