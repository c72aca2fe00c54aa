package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-julius/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.Append(ctx, Record{SessionID: "s", Texts: []string{"x"}}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	records, err := es.ListSession(ctx, "s", 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected nothing stored, got %v %v", records, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec := Record{
		SessionID:  "session-123",
		Source:     "http",
		Mode:       "command",
		Texts:      []string{"turn on", "the lights"},
		Understood: true,
		Duration:   1500 * time.Millisecond,
	}
	if err := es.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.Append(context.Background(), Record{SessionID: "session-123", Texts: []string{""}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := es.ListSession(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0]
	if !reflect.DeepEqual(first.Texts, rec.Texts) || !first.Understood || first.Mode != "command" || first.Source != "http" {
		t.Fatalf("unexpected record %+v", first)
	}
	if first.Duration != rec.Duration {
		t.Fatalf("expected duration %v, got %v", rec.Duration, first.Duration)
	}
	if !reflect.DeepEqual(records[1].Texts, []string{""}) || records[1].Understood {
		t.Fatalf("expected sentinel record, got %+v", records[1])
	}

	recent, err := es.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != records[1].ID {
		t.Fatalf("expected newest record first, got %+v", recent)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRecords: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Append(context.Background(), Record{SessionID: "old", Texts: []string{"old"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, text := range []string{"a", "b"} {
		if err := es.Append(context.Background(), Record{SessionID: "new", Texts: []string{text}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSession(context.Background(), "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatal("expected old session pruned")
	}
	remaining, err := es.ListSession(context.Background(), "new", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Texts[0] != "b" {
		t.Fatalf("expected only newest record kept, got %+v", remaining)
	}
}
