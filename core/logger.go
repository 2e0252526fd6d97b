package core

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal structured logging interface every component accepts.
// Libraries depend on this interface only; the process decides the backend.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can scope log output to a named component.
// Components check for this interface and call WithComponent so log lines
// carry their origin regardless of which caller wired them.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger is the safe default when no logger is injected.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger creates a JSON logger writing to w (os.Stderr when nil).
func NewZerologLogger(w io.Writer, level string) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &ZerologLogger{
		logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
	}
}

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z *ZerologLogger) Info(msg string, fields map[string]interface{}) {
	z.emit(z.logger.Info(), msg, fields)
}

func (z *ZerologLogger) Error(msg string, fields map[string]interface{}) {
	z.emit(z.logger.Error(), msg, fields)
}

func (z *ZerologLogger) Warn(msg string, fields map[string]interface{}) {
	z.emit(z.logger.Warn(), msg, fields)
}

func (z *ZerologLogger) Debug(msg string, fields map[string]interface{}) {
	z.emit(z.logger.Debug(), msg, fields)
}

// WithComponent returns a logger that stamps every line with the component name.
func (z *ZerologLogger) WithComponent(component string) Logger {
	return &ZerologLogger{logger: z.logger.With().Str("component", component).Logger()}
}
