// Package logx provides the component-tagged structured logging used
// throughout the routing and framing core. It is the daemon's adaptation
// of the teacher's pkg/log.go to a real third-party logging library:
// slog's handler is replaced with go.uber.org/zap, since the zero-dependency
// stance of the teacher repo is not representative of the rest of the
// retrieval pack.
package logx

import (
	"sync"

	"go.uber.org/zap"
)

// Component identifies a subsystem for log filtering, matching the
// teacher's pkg.Component convention.
type Component string

// Core component identifiers (spec §2 component table).
const (
	ComponentReactor = Component("reactor")
	ComponentPacket  = Component("packet")
	ComponentStack   = Component("stack")
	ComponentRouter  = Component("router")
	ComponentClient  = Component("client")
	ComponentUSB     = Component("usb")
	ComponentSPITFP  = Component("spitfp")
	ComponentMesh    = Component("mesh")
	ComponentRegistry = Component("registry")
	ComponentTimer   = Component("timer")
	ComponentConfig  = Component("config")
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	sugared *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	sugared = l.Sugar()
}

// SetLogger replaces the process-wide zap logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugared = l.Sugar()
}

// Logger returns the current base zap logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

// Debug logs a debug-level message tagged with component.
func Debug(c Component, msg string, kv ...any) {
	current().Debugw(msg, append([]any{"component", string(c)}, kv...)...)
}

// Info logs an info-level message tagged with component.
func Info(c Component, msg string, kv ...any) {
	current().Infow(msg, append([]any{"component", string(c)}, kv...)...)
}

// Warn logs a warn-level message tagged with component.
func Warn(c Component, msg string, kv ...any) {
	current().Warnw(msg, append([]any{"component", string(c)}, kv...)...)
}

// Error logs an error-level message tagged with component.
func Error(c Component, msg string, kv ...any) {
	current().Errorw(msg, append([]any{"component", string(c)}, kv...)...)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return current().Sync()
}
