package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"propertyescrow/core/events"
	"propertyescrow/observability"
)

const defaultListLimit = 100

// Record is one committed event as persisted in the journal.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	TitleID    string            `json:"titleId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type          string
	TitleID       string
	AfterSequence int64
	Limit         int
}

// Store is an append-only SQLite journal of committed events. It implements
// events.Emitter so it can sit directly behind the node.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" journals coherent and serialises writers.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, logger: slog.Default(), nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            title_id TEXT,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_title ON events(title_id);`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger overrides the logger used for write failures.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Emit implements events.Emitter. Write failures are logged and counted; the
// originating operation has already committed.
func (s *Store) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := s.Append(context.Background(), evt); err != nil {
		observability.Events().RecordSinkFailure("eventlog")
		s.logger.Error("event journal write failed",
			slog.String("component", "eventlog"),
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Append stores evt and returns once it is durable.
func (s *Store) Append(ctx context.Context, evt events.Event) error {
	payload := events.Payload(evt)
	if payload == nil {
		return fmt.Errorf("eventlog: nil event")
	}
	attrs := payload.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	var titleID sql.NullString
	if id := strings.TrimSpace(attrs["titleId"]); id != "" {
		titleID = sql.NullString{String: id, Valid: true}
	}
	const stmt = `INSERT INTO events(type, title_id, payload, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, payload.Type, titleID, string(encoded), s.nowFn().UTC())
	return err
}

// List returns events in commit order.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	clauses := []string{"sequence > ?"}
	args := []any{filter.AfterSequence}
	if t := strings.TrimSpace(filter.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	if id := strings.TrimSpace(filter.TitleID); id != "" {
		clauses = append(clauses, "title_id = ?")
		args = append(args, id)
	}
	args = append(args, limit)
	query := `SELECT sequence, type, title_id, payload, created_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			titleID sql.NullString
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &titleID, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TitleID = titleID.String
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("eventlog: decode sequence %d: %w", rec.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
