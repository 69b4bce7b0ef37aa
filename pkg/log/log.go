package log

import (
	"github.com/rs/zerolog"
)

// Logger is the leveled sink used by clients and servers. Implementations
// accept and forget; nothing is returned to the caller.
type Logger interface {
	Trace(msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog adapts a zerolog.Logger to the Logger interface.
func NewZerolog(logger zerolog.Logger) Logger {
	return &zerologLogger{
		logger: logger,
	}
}

func (l *zerologLogger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *zerologLogger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *zerologLogger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *zerologLogger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *zerologLogger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Trace(string) {}
func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
