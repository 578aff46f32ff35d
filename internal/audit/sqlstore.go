package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
)

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence      BIGINT PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	stage         TEXT NOT NULL,
	trace_id      TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	body          TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	self_hash     TEXT NOT NULL
)`

const traceIndex = `CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events (trace_id)`

// SQLStore keeps records in one table. The canonical body is stored as TEXT
// so verification hashes the exact bytes that were written.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

// NewSQLStore uses an existing handle (Postgres via lib/pq in production)
// and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite audit database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	s := &SQLStore{db: db, dialect: DialectSQLite, ownsDB: true}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range []string{schema, traceIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating audit_events: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_events (sequence, event_id, stage, trace_id, created_at, body, previous_hash, self_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Sequence, rec.EventID, string(rec.Stage), rec.TraceID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Body),
		rec.PreviousHash, rec.SelfHash,
	)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "sequence %d or event %s already stored", rec.Sequence, rec.EventID)
	}
	if err != nil {
		return fmt.Errorf("inserting audit event %d: %w", rec.Sequence, err)
	}
	return nil
}

// isUniqueViolation recognises primary key and unique constraint failures
// from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

const selectColumns = `SELECT sequence, event_id, stage, trace_id, created_at, body, previous_hash, self_hash FROM audit_events`

func (s *SQLStore) Scan(ctx context.Context, from, to int64, limit int) ([]Record, error) {
	query := selectColumns + ` WHERE sequence >= ?`
	args := []any{from}
	if to >= 0 {
		query += ` AND sequence <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("scanning audit events: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Last(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) Get(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE event_id = ?`), eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "audit event %s", eventID)
	}
	return rec, err
}

// Ping lets health checks reach the store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		stage     string
		createdAt string
		body      string
	)
	if err := row.Scan(&rec.Sequence, &rec.EventID, &stage, &rec.TraceID, &createdAt, &body, &rec.PreviousHash, &rec.SelfHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("reading audit row: %w", err)
	}
	rec.Stage = Stage(stage)
	rec.Body = []byte(body)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.Timestamp = ts
	}
	return rec, nil
}
