package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record leaked past warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("hello", "agent", "alice")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "hello" || rec["agent"] != "alice" {
		t.Errorf("record = %v", rec)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Output: &buf})

	logger.Info("auth", "header", "Bearer abcdefghijklmnopqrstuvwx")
	logger.Info("key", "value", "sk-abcdefghijklmnop1234")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwx") || strings.Contains(out, "sk-abcdefghijklmnop1234") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestDefaultLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Debug("quiet")
	logger.Info("loud")

	if strings.Contains(buf.String(), "quiet") {
		t.Error("debug record emitted at default level")
	}
	if !strings.Contains(buf.String(), "loud") {
		t.Error("info record missing at default level")
	}
}
