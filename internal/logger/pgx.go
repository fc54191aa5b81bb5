package logger

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// PgxTracer returns a pgx query tracer that writes through l. pgx messages
// are logged at debug, warnings and errors keep their level.
func (l *Logger) PgxTracer() *tracelog.TraceLog {
	level := tracelog.LogLevelWarn
	if l.zlog.GetLevel() <= zerolog.DebugLevel {
		level = tracelog.LogLevelDebug
	}
	return &tracelog.TraceLog{
		Logger:   tracelog.LoggerFunc(l.logPgx),
		LogLevel: level,
	}
}

func (l *Logger) logPgx(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	var event *zerolog.Event
	switch level {
	case tracelog.LogLevelError:
		event = l.zlog.Error()
	case tracelog.LogLevelWarn:
		event = l.zlog.Warn()
	case tracelog.LogLevelInfo:
		event = l.zlog.Info()
	default:
		event = l.zlog.Debug()
	}
	event.Str("component", "pgx").Fields(data).Msg(msg)
}
