package billsync

// Field is a structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

// UserField tags a log line with the user id.
func UserField(userID string) Field { return Field{Key: "userId", Value: userID} }

// EventField tags a log line with the processor event id.
func EventField(eventID string) Field { return Field{Key: "eventId", Value: eventID} }

// ErrField attaches an error under the "error" key.
func ErrField(err error) Field { return Field{Key: "error", Value: err} }

// Logger is the logging contract of the engine, the billing service and the storage drivers.
// Adapters live under logger/.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is configured.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
