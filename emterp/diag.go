package emterp

import (
	"sync"

	"go.uber.org/zap"
)

// Diagnostics are opt-in: link.Finalise and cmd/emterpc both emit
// structured records (function name, byte offset, opcode) through this
// package-level logger, defaulting to a no-op the way the
// wippyai-wasm-runtime linker/engine packages default their own
// per-package loggers (see linker/logger.go).
var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns this package's logger, a no-op until SetLogger is called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger installs l as this package's logger. Call it before
// Finalise/NewInterp if diagnostics are wanted; cmd/emterpc does this
// when EMTERP_LOG_BYTECODE is set.
func SetLogger(l *zap.Logger) {
	logger = l
}
