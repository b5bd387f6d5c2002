// Package zerolog adapts a zerolog.Logger to the ratekeeper.Logger
// interface.
package zerolog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Logger implements ratekeeper.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter. Level filtering and
// output are whatever the passed logger is configured with.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...ratekeeper.Field) {
	emit(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...ratekeeper.Field) {
	emit(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...ratekeeper.Field) {
	emit(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...ratekeeper.Field) {
	emit(l.logger.Error(), msg, fields)
}

// emit appends the fields with their native zerolog types so errors keep
// their message and durations stay readable, then writes the event.
func emit(event *zerolog.Event, msg string, fields []ratekeeper.Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
