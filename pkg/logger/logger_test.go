package logger

import (
	"bytes"
	"strings"
	"testing"
)

func capture(t *testing.T, level Level, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	defer func() {
		SetOutput(nil)
		SetLevel(INFO)
	}()
	fn()
	return buf.String()
}

func TestLevelFiltering(t *testing.T) {
	out := capture(t, INFO, func() {
		Debug("hidden")
		Info("shown")
	})
	if strings.Contains(out, "hidden") {
		t.Fatal("debug line leaked at INFO level")
	}
	if !strings.Contains(out, "shown") {
		t.Fatal("info line missing")
	}
}

func TestComponentAndFields(t *testing.T) {
	out := capture(t, DEBUG, func() {
		InfoCF("store", "Bucket written", map[string]interface{}{"user": "alice", "bucket": "20260815"})
	})
	if !strings.Contains(out, "[INFO]") || !strings.Contains(out, "[store]") {
		t.Fatalf("missing level or component: %q", out)
	}
	// Fields are emitted in sorted key order.
	if !strings.Contains(out, "bucket=20260815 user=alice") {
		t.Fatalf("fields wrong or unsorted: %q", out)
	}
}
