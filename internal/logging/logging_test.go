package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("transport")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("session opened", "session", "a1b2")

	out := buf.String()
	if !strings.Contains(out, "msg=\"session opened\"") {
		t.Fatalf("expected session opened message, got: %s", out)
	}
	if !strings.Contains(out, "component=transport") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "session=a1b2") {
		t.Fatalf("expected session field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("transport")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("discovery").Info("peer online", "peer", "node-7")

	out := buf.String()
	if !strings.Contains(out, `"component":"discovery"`) {
		t.Fatalf("expected json component field, got: %s", out)
	}
	if !strings.Contains(out, `"peer":"node-7"`) {
		t.Fatalf("expected json peer field, got: %s", out)
	}
}

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	WithSession(L("receiver"), "sess-9").Error("decode failed", KeyError, "boom")

	out := buf.String()
	if !strings.Contains(out, "session=sess-9") {
		t.Fatalf("expected session field, got: %s", out)
	}
}
