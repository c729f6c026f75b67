package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFileOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{out}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("pipeline").Debug("step started", "step", 1)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"pipeline"`) || !strings.Contains(line, `"msg":"step started"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestAuditFallsBackToApplicationLogger(t *testing.T) {
	if err := Init(Config{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("expected audit logger to alias the application logger")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestRotatingWriterShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, rotationPolicy{maxSizeMB: 1, maxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	chunk := bytes.Repeat([]byte("a"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, name := range []string{"audit.log", "audit.log.1", "audit.log.2"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "audit.log.3")); !os.IsNotExist(err) {
		t.Fatalf("expected backups to be capped at two")
	}
}
