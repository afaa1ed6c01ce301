// Package log provides the module-scoped logger used throughout the
// executor, modeled on the log.NewModuleLogger idiom.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module identifies the subsystem a Logger belongs to. Every log line
// carries it so operators can filter by component.
type Module string

const (
	ModuleAuth      Module = "auth"
	ModuleValidator Module = "validator"
	ModuleNonce     Module = "nonce"
	ModuleQuorum    Module = "quorum"
	ModuleSession   Module = "session"
	ModuleArchive   Module = "archive"
	ModuleEngine    Module = "engine"
	ModuleEventBus  Module = "eventbus"
	ModuleAPI       Module = "api"
	ModuleNode      Module = "node"
	ModuleCmd       Module = "cmd"
	ModuleMetrics   Module = "metrics"
)

var (
	once        sync.Once
	baseLogger  *zap.SugaredLogger
	initLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func base() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), initLevel)
		baseLogger = zap.New(core).Sugar()
	})
	return baseLogger
}

// SetLevel adjusts the process-wide log level. Safe to call before or
// after any Logger has been created.
func SetLevel(debug bool) {
	base()
	if debug {
		initLevel.SetLevel(zapcore.DebugLevel)
	} else {
		initLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Logger is a module-scoped, key-value logger.
type Logger struct {
	module Module
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns the Logger for the given module.
func NewModuleLogger(m Module) *Logger {
	return &Logger{module: m, sugar: base().With("module", string(m))}
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
func (l *Logger) Crit(msg string, kv ...interface{}) {
	l.sugar.Errorw(msg, kv...)
	os.Exit(1)
}
