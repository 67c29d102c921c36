// Package store persists weather station telemetry in SQLite and refreshes it
// from the Netatmo API.
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
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"atmobot/internal/netatmo"
	logx "atmobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrClosed = errors.New("store: closed")

// API is the subset of the Netatmo client the store needs.
type API interface {
	StationsData(ctx context.Context, getFavorites bool) ([]netatmo.Device, error)
	Measure(ctx context.Context, req netatmo.MeasureRequest) ([]netatmo.MeasurePoint, error)
}

// SQLLogging selects which database activity is logged at debug level.
type SQLLogging int

const (
	SQLLogNone      SQLLogging = 0
	SQLLogStatement SQLLogging = 1 << 0
	SQLLogRow       SQLLogging = 1 << 1
	SQLLogAll                  = SQLLogStatement | SQLLogRow
)

func ParseSQLLogging(s string) (SQLLogging, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SQLLogNone, nil
	case "statement":
		return SQLLogStatement, nil
	case "row":
		return SQLLogRow, nil
	case "all":
		return SQLLogAll, nil
	default:
		return SQLLogNone, fmt.Errorf("sql_log_level: %q is not one of none, statement, row, all", s)
	}
}

func (l SQLLogging) String() string {
	switch l {
	case SQLLogNone:
		return "none"
	case SQLLogStatement:
		return "statement"
	case SQLLogRow:
		return "row"
	case SQLLogAll:
		return "all"
	default:
		return fmt.Sprintf("SQLLogging(%d)", int(l))
	}
}

type Config struct {
	Path        string
	BusyTimeout time.Duration
	SQLLog      SQLLogging
}

type Store struct {
	db  *sql.DB
	api API
	log logx.Logger
	cfg Config
	now func() time.Time

	// updateMu serializes Update and RegisterDevices.
	updateMu sync.Mutex
	closed   atomic.Bool
}

func Open(ctx context.Context, cfg Config, api API, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: database path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	// SQLite prefers a single writer; one connection also keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, api: api, log: log, cfg: cfg, now: time.Now}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := s.exec(ctx, db, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("database opened", logx.String("path", cfg.Path), logx.String("sql_log", cfg.SQLLog.String()))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, string(b)); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	s.logStatement(query, args)
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) logStatement(query string, args []any) {
	if s.cfg.SQLLog&SQLLogStatement == 0 {
		return
	}
	s.log.Debug("sql", logx.String("stmt", compactSQL(query)), logx.Any("args", args))
}

func (s *Store) logRow(table string, fields ...logx.Field) {
	if s.cfg.SQLLog&SQLLogRow == 0 {
		return
	}
	s.log.Debug("sql row", append([]logx.Field{logx.String("table", table)}, fields...)...)
}

func compactSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
