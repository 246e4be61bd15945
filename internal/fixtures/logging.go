package fixtures

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// testWriter sends each log line to the test log, so it is only shown for failing or verbose tests.
type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestLogger returns a debug level logger writing to tb. Nothing must log through it after tb completes.
func NewTestLogger(tb testing.TB) logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	l.SetOutput(testWriter{tb: tb})
	return l.WithField("test", tb.Name())
}
