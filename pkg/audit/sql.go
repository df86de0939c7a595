package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect selects the SQL placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const createTable = `CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	metadata TEXT
)`

// SQLSink stores events in the audit_events table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

// OpenSQLSink opens driver/dsn and prepares the table. The postgres driver
// must be registered by the caller.
func OpenSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	dialect := DialectSQLite
	if driver == "postgres" || driver == "pgx" {
		dialect = DialectPostgres
	}
	s, err := NewSQLSink(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLSink wraps an open database and runs the migration. Close leaves db
// open.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, fmt.Errorf("fail-closed: audit database not configured")
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &SQLSink{db: db, dialect: dialect}, nil
}

func (s *SQLSink) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if s.dialect == DialectPostgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

func (s *SQLSink) Write(ctx context.Context, evt Event) error {
	var meta any
	if len(evt.Metadata) > 0 {
		b, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
		meta = string(b)
	}
	query := "INSERT INTO audit_events (id, type, actor, action, resource, ts, metadata) VALUES (" + s.placeholders(7) + ")"
	_, err := s.db.ExecContext(ctx, query,
		evt.ID, string(evt.Type), evt.Actor, evt.Action, evt.Resource, evt.Timestamp.UTC(), meta)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Type  EventType
	Since time.Time
	Limit int
}

// Query returns matching events, newest first.
func (s *SQLSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	next := func() string {
		if s.dialect == DialectPostgres {
			return fmt.Sprintf("$%d", len(args))
		}
		return "?"
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, "type = "+next())
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		where = append(where, "ts >= "+next())
	}
	query := "SELECT id, type, actor, action, resource, ts, metadata FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + next()
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			evt  Event
			typ  string
			meta sql.NullString
		)
		if err := rows.Scan(&evt.ID, &typ, &evt.Actor, &evt.Action, &evt.Resource, &evt.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		evt.Type = EventType(typ)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata for %s: %w", evt.ID, err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *SQLSink) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
