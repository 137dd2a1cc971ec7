// Package logger defines the structured logging facade shared by every component
// of the freshness layer.
//
// Components accept a [Logger] rather than a concrete implementation so that the
// host application can route logs into whatever backend it already uses.
// [New] adapts any [slog.Handler]; the zerolog subpackage adapts a zerolog logger.
package logger

import (
	"log/slog"
	"os"
)

// Logger is a leveled, key/value structured logger.
//
// args are alternating keys and values, as accepted by [slog.Logger].
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type SlogHandler struct {
	logger *slog.Logger
}

var _ Logger = (*SlogHandler)(nil)

// New returns a Logger writing through h.
// A nil handler falls back to JSON on stdout at info level.
func New(h slog.Handler) *SlogHandler {
	if h == nil {
		h = slog.NewJSONHandler(os.Stdout, nil)
	}
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// With returns a Logger that adds args to every record.
func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

// OrNop returns l, or a discarding Logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}
