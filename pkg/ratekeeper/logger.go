package ratekeeper

// Field is a key/value pair attached to a log message.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the engine's structured logging interface. Adapters for
// concrete logging libraries live in subpackages (logger/zerolog).
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards all log messages. It is the default when Config
// leaves Logger unset.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
