// Package sqlite is the standalone ActivityStore on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	conversation_key TEXT NOT NULL,
	channel          TEXT NOT NULL DEFAULT '',
	activity_id      TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	type             TEXT NOT NULL,
	from_id          TEXT NOT NULL DEFAULT '',
	text             TEXT NOT NULL DEFAULT '',
	entity_types     TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL,
	created_at       INTEGER NOT NULL -- unix nanoseconds, UTC
);
CREATE INDEX IF NOT EXISTS idx_activities_conv ON activities(conversation_key, seq);
CREATE INDEX IF NOT EXISTS idx_activities_time ON activities(created_at);
`

// ActivityStore implements store.ActivityStore using SQLite.
type ActivityStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string) (*ActivityStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection: SQLite serializes writers anyway, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &ActivityStore{db: db}, nil
}

// NewStores opens the standalone backends.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	s, err := Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{Activities: s}, nil
}

func (s *ActivityStore) Append(ctx context.Context, rec *store.ActivityRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewV7())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, conversation_key, channel, activity_id, direction, type, from_id, text, entity_types, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.ConversationKey, rec.Channel, rec.ActivityID, string(rec.Direction),
		string(rec.Type), rec.FromID, rec.Text, strings.Join(rec.EntityTypes, ","), string(rec.Payload), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *ActivityStore) List(ctx context.Context, opts store.ListOpts) ([]store.ActivityRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	query := `SELECT id, conversation_key, channel, activity_id, direction, type, from_id, text, entity_types, payload, created_at
		FROM activities WHERE 1=1`
	var args []any
	if opts.ConversationKey != "" {
		query += ` AND conversation_key = ?`
		args = append(args, opts.ConversationKey)
	}
	if opts.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(opts.Direction))
	}
	if opts.EntityType != "" {
		query += ` AND (',' || entity_types || ',') LIKE ?`
		args = append(args, "%,"+opts.EntityType+",%")
	}
	query += ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []store.ActivityRecord
	for rows.Next() {
		var (
			r                         store.ActivityRecord
			id, dir, typ, entityTypes string
			payload                   string
			createdAt                 int64
		)
		if err := rows.Scan(&id, &r.ConversationKey, &r.Channel, &r.ActivityID, &dir, &typ,
			&r.FromID, &r.Text, &entityTypes, &payload, &createdAt); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("activity %q: %w", id, err)
		}
		r.Direction = store.Direction(dir)
		r.Type = protocol.ActivityType(typ)
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		if entityTypes != "" {
			r.EntityTypes = strings.Split(entityTypes, ",")
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ActivityStore) Conversations(ctx context.Context, limit int) ([]store.ConversationInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_key, COUNT(*), MAX(created_at)
		 FROM activities GROUP BY conversation_key ORDER BY MAX(seq) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.ConversationInfo
	for rows.Next() {
		var (
			info store.ConversationInfo
			last int64
		)
		if err := rows.Scan(&info.Key, &info.ActivityCount, &last); err != nil {
			return nil, err
		}
		info.LastActivity = time.Unix(0, last).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *ActivityStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge activities: %w", err)
	}
	return res.RowsAffected()
}

func (s *ActivityStore) Close() error { return s.db.Close() }
