package clubledger

// Field is a single structured log attribute. User identifiers and
// contact details must be masked (MaskUserID and friends) before they
// go into a Field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the logging seam of the payment pipeline. Adapters live
// under logger/; NoopLogger is the default when Config.Logger is unset.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
