package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("debug", &buf).WithComponent("scheduler")
	l.Printf("swept %d actions", 3)
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["message"] != "swept 3 actions" {
		t.Fatalf("unexpected message %v", entry["message"])
	}
	if entry["component"] != "scheduler" || entry["service"] != "ovr" {
		t.Fatalf("missing fields: %v", entry)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Printf("ignored")
	l.Errorf("ignored")
	if l.WithComponent("x") != nil {
		t.Fatalf("expected nil child logger")
	}
}

func TestTextLenCountsRunes(t *testing.T) {
	if got := TextLen("  привет  "); got != 6 {
		t.Fatalf("expected 6 runes, got %d", got)
	}
}

func TestRandStringAndUnique(t *testing.T) {
	a, err := RandString(16)
	if err != nil || a == "" || strings.ContainsAny(a, "+/=") {
		t.Fatalf("unexpected token %q err=%v", a, err)
	}
	got := UniqueStrings([]string{"qi", " qi", "", "admin"})
	if len(got) != 2 || got[0] != "qi" || got[1] != "admin" {
		t.Fatalf("unexpected unique %v", got)
	}
}
