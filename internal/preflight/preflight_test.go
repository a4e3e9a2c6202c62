package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckReportsAvailability(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "ocr.sh")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "generate.py")
	if err := os.WriteFile(script, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	statuses := Check([]Requirement{
		{Name: "recognition", Command: exe},
		{Name: "analysis", Command: exe, Files: []string{script}},
		{Name: "missing binary", Command: filepath.Join(dir, "nope")},
		{Name: "missing script", Command: exe, Files: []string{filepath.Join(dir, "model.pkl")}},
		{Name: "unconfigured", Command: "  "},
	})

	if len(statuses) != 5 {
		t.Fatalf("expected 5 statuses, got %d", len(statuses))
	}
	if !statuses[0].Available || !statuses[1].Available {
		t.Fatalf("expected first two available: %+v", statuses[:2])
	}
	if statuses[2].Available || !strings.Contains(statuses[2].Detail, "not found") {
		t.Fatalf("unexpected status for missing binary: %+v", statuses[2])
	}
	if statuses[3].Available || !strings.Contains(statuses[3].Detail, "model.pkl") {
		t.Fatalf("unexpected status for missing script: %+v", statuses[3])
	}
	if statuses[4].Available || statuses[4].Detail != "command not configured" {
		t.Fatalf("unexpected status for unconfigured command: %+v", statuses[4])
	}
	if AllAvailable(statuses) {
		t.Fatal("AllAvailable must be false")
	}
	if !AllAvailable(statuses[:2]) {
		t.Fatal("AllAvailable must be true for available statuses")
	}
}
