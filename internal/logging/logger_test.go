package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "logs", "tarpd.log")

	logger, err := New(logPath, "test", zapcore.InfoLevel)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"hello"`, `"profile":"test"`, `"pid":`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("debug"); got != zapcore.DebugLevel {
		t.Errorf("ParseLevel(debug) = %v", got)
	}
	if got := ParseLevel("nonsense"); got != zapcore.InfoLevel {
		t.Errorf("ParseLevel(nonsense) = %v, want info", got)
	}
}
