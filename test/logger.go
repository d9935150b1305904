// Package test holds helpers shared by the package tests.
package test

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS is
// set. TEST_LOGS=2 enables debug and TEST_LOGS=3 trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogBuffer collects log output so tests can look for specific lines.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewCapturingLogger returns a debug level logger writing plain text lines
// without timestamps into the returned buffer.
func NewCapturingLogger() (*logrus.Logger, *LogBuffer) {
	b := &LogBuffer{}
	l := logrus.New()
	l.SetOutput(b)
	l.SetLevel(logrus.DebugLevel)
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	return l, b
}
