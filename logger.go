package modkit

// Logger defines the interface for structured logging used throughout the
// module lifecycle core. All registry, loader and watcher operations are
// logged through this interface so the host application controls how the
// output appears.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus and zap.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal lifecycle events like module registration.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for failures that do not abort the calling operation, such as
	// swallowed cleanup hook errors.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for detailed diagnostics such as watch debounce decisions.
	Debug(msg string, args ...any)
}
