// Package sklog is a small severity-leveled logging facade backed by zap.
// Call sites never touch zap directly so the backend can be swapped (e.g.
// for a syncbuffer in tests) without churning every package that logs.
package sklog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	SetLogger(newDefault())
}

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// SetLogger swaps the backing logger. Exposed so tests can point it at a
// buffer instead of stderr.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...interface{})   { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})    { get().Infof(format, args...) }
func Warningf(format string, args ...interface{}) { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{})   { get().Errorf(format, args...) }
func Fatalf(format string, args ...interface{})   { get().Fatalf(format, args...) }

func Debug(args ...interface{})   { get().Debug(args...) }
func Info(args ...interface{})    { get().Info(args...) }
func Warning(args ...interface{}) { get().Warn(args...) }
func Error(args ...interface{})   { get().Error(args...) }
func Fatal(args ...interface{})   { get().Fatal(args...) }
