package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/inferd/internal/db"
)

func TestWriteEvents(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	events := []db.Event{
		{Source: "worker", EventType: "ready", Details: "pid=42", Timestamp: ts},
		{Source: "daemon", EventType: "start", Timestamp: ts.Add(-time.Minute)},
	}

	var buf bytes.Buffer
	writeEvents(&buf, events)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if got := strings.Fields(lines[0]); strings.Join(got, " ") != "2026-03-01 12:00:00 worker ready pid=42" {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if got := strings.Fields(lines[1]); strings.Join(got, " ") != "2026-03-01 11:59:00 daemon start" {
		t.Errorf("unexpected second line %q", lines[1])
	}
}
