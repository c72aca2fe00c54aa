package vocab

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDirectoryCompilerPaths(t *testing.T) {
	dir := t.TempDir()
	c := NewDirectoryCompiler(dir, newLogger())

	v, err := c.Compile(context.Background(), " lights ")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := DFAPath(v); got != filepath.Join(dir, "lights.dfa") {
		t.Fatalf("unexpected dfa path %q", got)
	}
	if got := DictPath(v); got != filepath.Join(dir, "lights.dict") {
		t.Fatalf("unexpected dict path %q", got)
	}
}

func TestDirectoryCompilerRejectsBadNames(t *testing.T) {
	c := NewDirectoryCompiler(t.TempDir(), newLogger())
	for _, name := range []string{"", "   ", "../etc/passwd", `a\b`} {
		if _, err := c.Compile(context.Background(), name); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
}

func TestDirectoryCompilerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewDirectoryCompiler(t.TempDir(), newLogger())
	if _, err := c.Compile(ctx, "default"); err == nil {
		t.Fatal("expected context error")
	}
}
