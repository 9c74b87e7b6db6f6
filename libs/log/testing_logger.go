package log

import (
	"os"
	"testing"
)

// TestingLogger was a legacy constructor that wrote logging output to
// standard output when in verbose mode, and no-op'ed test logs
// otherwise. Now it always no-ops, but if you need to see logs from
// tests, you can replace this call with NewTestingLogger
// constructor.
func TestingLogger() Logger {
	return NewNopLogger()
}

// NewTestingLogger converts a testing.T into a logging interface to
// make test failures and verbose provide better feedback associated
// with test failures. This logging instance is safe for use from
// multiple threads, but in general you should create one of these
// loggers ONCE for each *testing.T instance that you interact with.
//
// By default it collects only ERROR messages, or DEBUG messages in
// verbose mode.
func NewTestingLogger(t testing.TB) Logger {
	level := LogLevelError
	if testing.Verbose() {
		level = LogLevelDebug
	}

	logger, err := NewDefaultLoggerWithWriter(os.Stdout, LogFormatPlain, level)
	if err != nil {
		t.Fatalf("failed to create testing logger: %v", err)
	}
	return logger.With("test", t.Name())
}
