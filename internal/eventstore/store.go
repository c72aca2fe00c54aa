package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-julius/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one transcription attempt.
type Record struct {
	ID         int64
	SessionID  string
	Source     string
	Mode       string
	Texts      []string
	Understood bool
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed transcription history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    source TEXT,
    mode TEXT,
    texts TEXT NOT NULL,
    understood INTEGER NOT NULL,
    error TEXT,
    duration_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_session_created ON transcriptions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes a transcription record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	texts, err := json.Marshal(rec.Texts)
	if err != nil {
		return fmt.Errorf("encode texts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(session_id, source, mode, texts, understood, error, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Source, rec.Mode, string(texts), rec.Understood, rec.Error,
		rec.Duration.Milliseconds(), rec.CreatedAt.UnixMilli())
	return err
}

// ListSession retrieves up to limit records for a session, oldest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, source, mode, texts, understood, error, duration_ms, created_at
		 FROM transcriptions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
}

// Recent retrieves up to limit records across sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx,
		`SELECT id, session_id, source, mode, texts, understood, error, duration_ms, created_at
		 FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			source     sql.NullString
			mode       sql.NullString
			texts      string
			errText    sql.NullString
			durationMS int64
			createdMS  int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &source, &mode, &texts, &r.Understood, &errText, &durationMS, &createdMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(texts), &r.Texts); err != nil {
			return nil, fmt.Errorf("decode texts of record %d: %w", r.ID, err)
		}
		r.Source = source.String
		r.Mode = mode.String
		r.Error = errText.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.CreatedAt = time.UnixMilli(createdMS).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE id IN (
			SELECT id FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
