package windowstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite keeps counters in a single table. Expiry is a unix-millis column that
// reads treat as authoritative; Sweep deletes rows that have passed it.
//
// Processes sharing the database file are serialized by BEGIN IMMEDIATE.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ Store   = (*SQLite)(nil)
	_ Sweeper = (*SQLite)(nil)
)

// OpenSQLite opens (and migrates) the database at path. A nil clock defaults to time.Now.
func OpenSQLite(cfg SQLiteConfig, now func() time.Time) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.sqlite.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLite{db: db, now: now}, nil
}

func (s *SQLite) CheckAndIncrement(ctx context.Context, counters []Counter) (out Outcome, err error) {
	if err := validateCounters(counters); err != nil {
		return Outcome{}, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return Outcome{}, fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	now := s.now()
	nowMS := now.UnixMilli()
	states := make([]CounterState, len(counters))
	for i, c := range counters {
		st, err := readCounter(ctx, conn, c.Key, nowMS)
		if err != nil {
			return Outcome{}, err
		}
		states[i] = st
	}

	if idx := decide(counters, states); idx >= 0 {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return Outcome{}, fmt.Errorf("sqlite commit: %w", err)
		}
		return Outcome{Allowed: false, Exceeded: idx, Counters: states}, nil
	}

	for i, c := range counters {
		if states[i].HasTTL {
			if _, err := conn.ExecContext(ctx,
				`UPDATE window_counters SET count = count + 1 WHERE key = ?`, c.Key); err != nil {
				return Outcome{}, fmt.Errorf("sqlite increment %s: %w", c.Key, err)
			}
			states[i].Count++
			continue
		}
		// Fresh window: either no row, an expired row, or a row without expiry.
		count := states[i].Count + 1
		expires := now.Add(c.Window).UnixMilli()
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO window_counters(key, count, expires_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET count = excluded.count, expires_at = excluded.expires_at`,
			c.Key, count, expires); err != nil {
			return Outcome{}, fmt.Errorf("sqlite upsert %s: %w", c.Key, err)
		}
		states[i].Count = count
		states[i].TTL = c.Window
		states[i].HasTTL = true
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return Outcome{}, fmt.Errorf("sqlite commit: %w", err)
	}
	return Outcome{Allowed: true, Exceeded: -1, Counters: states}, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCounter(ctx context.Context, q queryRower, key string, nowMS int64) (CounterState, error) {
	var (
		count   int64
		expires sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `SELECT count, expires_at FROM window_counters WHERE key = ?`, key).Scan(&count, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return CounterState{Key: key}, nil
	}
	if err != nil {
		return CounterState{}, fmt.Errorf("sqlite read %s: %w", key, err)
	}
	if !expires.Valid {
		return CounterState{Key: key, Count: count}, nil
	}
	if expires.Int64 <= nowMS {
		return CounterState{Key: key}, nil
	}
	return CounterState{
		Key:    key,
		Count:  count,
		TTL:    time.Duration(expires.Int64-nowMS) * time.Millisecond,
		HasTTL: true,
	}, nil
}

// Peek reads all keys inside one transaction so they come from a single snapshot.
func (s *SQLite) Peek(ctx context.Context, keys ...string) ([]CounterState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMS := s.now().UnixMilli()
	out := make([]CounterState, len(keys))
	for i, k := range keys {
		st, err := readCounter(ctx, tx, k, nowMS)
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (int64, error) {
	st, err := readCounter(ctx, s.db, key, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

func (s *SQLite) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	st, err := readCounter(ctx, s.db, key, s.now().UnixMilli())
	if err != nil {
		return 0, false, err
	}
	return st.TTL, st.HasTTL, nil
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM window_counters WHERE key = ?`, k); err != nil {
			return fmt.Errorf("sqlite delete %s: %w", k, err)
		}
	}
	return nil
}

func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM window_counters WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
