// Package zerolog adapts a github.com/rs/zerolog logger to [logger.Logger].
package zerolog

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shopfront/freshness/pkg/logger"
)

type Logger struct {
	zl zerolog.Logger
}

var _ logger.Logger = (*Logger)(nil)

func New(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zl.Error(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zl.Warn(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zl.Info(), args).Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zl.Debug(), args).Msg(msg)
}

// withFields turns slog-style alternating key/value args into zerolog fields.
// A dangling key is recorded under "!BADKEY", matching slog.
func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
