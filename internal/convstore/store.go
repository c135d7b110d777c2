// Package convstore keeps the conversation timeline (sessions and their
// turns) in SQLite.
package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/session"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Turn is one recorded exchange step.
type Turn struct {
	ID          int64
	SessionID   string
	RequestID   string
	Role        session.Role
	Text        string
	Voice       bool
	Interrupted bool
	Sources     []retrieval.Source
	CreatedAt   time.Time
}

// Store is a SQLite-backed conversation timeline. In ephemeral mode it has no
// database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "convstore"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    created_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    request_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    voice INTEGER NOT NULL DEFAULT 0,
    interrupted INTEGER NOT NULL DEFAULT 0,
    sources TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.db != nil && s.cfg.RetentionMode != RetentionEphemeral
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new connection session.
func (s *Store) StartSession(ctx context.Context, sessionID, remoteAddr string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote_addr, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote_addr=excluded.remote_addr`,
		sessionID, remoteAddr, s.now())
	return err
}

// EndSession marks the session closed. Under session retention its turns are
// discarded with it.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode == RetentionSession {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.now(), sessionID)
	return err
}

// AppendTurn writes a turn into the store.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if !s.enabled() {
		return nil
	}
	created := s.now()
	if !turn.CreatedAt.IsZero() {
		created = turn.CreatedAt.UTC().Format(timeLayout)
	}
	var sources []byte
	if len(turn.Sources) > 0 {
		var err error
		if sources, err = json.Marshal(turn.Sources); err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, request_id, role, content, voice, interrupted, sources, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.RequestID, string(turn.Role), turn.Text, turn.Voice, turn.Interrupted, string(sources), created)
	return err
}

// ListTurns retrieves up to limit turns for a session in the order they were recorded.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, role, content, voice, interrupted, sources, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, sources, created string
		var requestID sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &requestID, &role, &t.Text, &t.Voice, &t.Interrupted, &sources, &created); err != nil {
			return nil, err
		}
		t.RequestID = requestID.String
		t.Role = session.Role(role)
		if sources != "" {
			if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of turn %d: %w", t.ID, err)
			}
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
