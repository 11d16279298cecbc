package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "ABCDEFGHIJ\n", "klmnopqrst\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "klmnopqrst\n" {
		t.Fatalf("unexpected current content %q", current)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backups beyond max must be removed, got %v", err)
	}
}

func TestFromContextCarriesAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithAttrs(context.Background(), slog.Int64("conversation_id", 7))
	ctx = WithAttrs(ctx, slog.String("turn_id", "abc"))
	FromContext(ctx, base).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "conversation_id=7") || !strings.Contains(out, "turn_id=abc") {
		t.Fatalf("attrs missing from %q", out)
	}
}

func TestInitWithAuditFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "agentd.audit.log")
	if err := Init(Config{OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Audit().Info("tool executed", slog.String("tool", "calculator"))
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(data), `"tool":"calculator"`) {
		t.Fatalf("audit record missing: %s", data)
	}
	_ = Init(Config{OutputPaths: []string{"discard"}})
}
