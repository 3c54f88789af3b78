package accumulator

// Logger is the diagnostic surface used to report allocation failures.
type Logger interface {
	ErrorObj(msg, key string, obj interface{})
}

type noopLogger struct{}

func (noopLogger) ErrorObj(string, string, interface{}) {}

func ensureLogger(log Logger) Logger {
	if log == nil {
		return noopLogger{}
	}
	return log
}
