package hbm

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discardHandler drops all records. It is the process-wide default so that
// library consumers opt in to log output rather than opting out.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var processLogger atomic.Pointer[slog.Logger]

func init() {
	processLogger.Store(slog.New(discardHandler{}))
}

// SetLogger replaces the process-wide logger used by devices that were created
// without an explicit CreateOptions.Logger. Passing nil restores the discard
// default. Safe to call concurrently with device operations.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	processLogger.Store(logger)
}

func defaultLogger() *slog.Logger {
	return processLogger.Load()
}
