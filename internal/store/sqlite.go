package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "bsemon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store wraps the SQLite database. It is safe for concurrent use by the
// worker and the admin surface; MarkSeen is the only write path that needs
// stronger-than-default guarantees and gets them from the schema's UNIQUE
// constraint.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- watch-list / recipients (read side used by the snapshot provider) ----

// Instruments returns the watch-list ordered by code, so cycles process
// instruments in a stable order.
func (s *Store) Instruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, display_name FROM monitored_instruments ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var in Instrument
		if err := rows.Scan(&in.Code, &in.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) Recipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM recipients ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ChannelID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- watch-list / recipients (write side, called only by the admin surface) ----

func (s *Store) AddInstrument(ctx context.Context, code, displayName string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("instrument code is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_instruments(code, display_name) VALUES(?,?)
		 ON CONFLICT(code) DO UPDATE SET display_name=excluded.display_name`,
		code, displayName)
	return err
}

func (s *Store) RemoveInstrument(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM monitored_instruments WHERE code = ?`, code)
	return err
}

func (s *Store) AddRecipient(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("channel id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(channel_id) VALUES(?)
		 ON CONFLICT(channel_id) DO NOTHING`,
		channelID)
	return err
}

func (s *Store) RemoveRecipient(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM recipients WHERE channel_id = ?`, channelID)
	return err
}

// ---- seen records ----

func (s *Store) IsSeen(ctx context.Context, instrumentCode, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_announcements WHERE instrument_code = ? AND external_id = ?`,
		instrumentCode, externalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkSeen records that an announcement has been notified. It is a single
// conditional insert guarded by the UNIQUE constraint, never a separate
// read-then-write: overlapping cycles racing on the same announcement resolve
// to exactly one inserted=true winner.
//
// inserted=false means the pair already existed; callers treat that the same
// as "already seen", not as an error.
func (s *Store) MarkSeen(ctx context.Context, instrumentCode, externalID string, at time.Time) (inserted bool, err error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_announcements(instrument_code, external_id, first_notified_at)
		 VALUES(?,?,?)
		 ON CONFLICT(instrument_code, external_id) DO NOTHING`,
		instrumentCode, externalID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SeenCount reports the number of seen records for one instrument.
// Used by tests and the admin surface; the worker never needs it.
func (s *Store) SeenCount(ctx context.Context, instrumentCode string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_announcements WHERE instrument_code = ?`,
		instrumentCode).Scan(&n)
	return n, err
}
