package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_NilConfigUsesDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected debug/info suppressed at LevelWarn, got: %s", buf.String())
	}

	logger.Warn("warn message")
	logger.Error("error message")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("expected warn message, got: %s", output)
	}
	if !strings.Contains(output, "error message") {
		t.Errorf("expected error message, got: %s", output)
	}
}

func TestLogger_KeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("qp handshake complete", "qpn", 7, "remote_qpn", 12)

	output := buf.String()
	if !strings.Contains(output, "qpn=7") {
		t.Errorf("expected qpn=7 in output, got: %s", output)
	}
	if !strings.Contains(output, "remote_qpn=12") {
		t.Errorf("expected remote_qpn=12 in output, got: %s", output)
	}
}

func TestLogger_LevelPrefixes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	output := buf.String()
	for _, prefix := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		if !strings.Contains(output, prefix) {
			t.Errorf("expected %s in output, got: %s", prefix, output)
		}
	}
}

func TestLogger_PrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Infof("fetched %d bytes from %s", 4096, "10.0.0.1")

	output := buf.String()
	if !strings.Contains(output, "fetched 4096 bytes from 10.0.0.1") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
