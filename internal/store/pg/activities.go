// Package pg is the managed-mode ActivityStore on Postgres. The schema is
// owned by the SQL files under migrations/ and applied with `turnkit migrate up`.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// OpenDB opens a pgx-backed *sql.DB and verifies the connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{Activities: NewPGActivityStore(db)}, nil
}

// PGActivityStore implements store.ActivityStore backed by Postgres.
type PGActivityStore struct {
	db *sql.DB
}

func NewPGActivityStore(db *sql.DB) *PGActivityStore {
	return &PGActivityStore{db: db}
}

func (s *PGActivityStore) Append(ctx context.Context, rec *store.ActivityRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewV7())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	entityTypes := rec.EntityTypes
	if entityTypes == nil {
		entityTypes = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, conversation_key, channel, activity_id, direction, type, from_id, text, entity_types, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.ConversationKey, rec.Channel, rec.ActivityID, string(rec.Direction),
		string(rec.Type), rec.FromID, rec.Text, pq.Array(entityTypes), []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PGActivityStore) List(ctx context.Context, opts store.ListOpts) ([]store.ActivityRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if opts.ConversationKey != "" {
		where = append(where, "conversation_key = "+arg(opts.ConversationKey))
	}
	if opts.Direction != "" {
		where = append(where, "direction = "+arg(string(opts.Direction)))
	}
	if opts.EntityType != "" {
		where = append(where, arg(opts.EntityType)+" = ANY(entity_types)")
	}

	query := `SELECT id, conversation_key, channel, activity_id, direction, type, from_id, text, entity_types, payload, created_at
		FROM activities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC LIMIT " + arg(limit) + " OFFSET " + arg(opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []store.ActivityRecord
	for rows.Next() {
		var (
			r        store.ActivityRecord
			dir, typ string
			payload  []byte
		)
		if err := rows.Scan(&r.ID, &r.ConversationKey, &r.Channel, &r.ActivityID, &dir, &typ,
			&r.FromID, &r.Text, pq.Array(&r.EntityTypes), &payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Direction = store.Direction(dir)
		r.Type = protocol.ActivityType(typ)
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGActivityStore) Conversations(ctx context.Context, limit int) ([]store.ConversationInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_key, COUNT(*), MAX(created_at)
		 FROM activities GROUP BY conversation_key ORDER BY MAX(seq) DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.ConversationInfo
	for rows.Next() {
		var info store.ConversationInfo
		if err := rows.Scan(&info.Key, &info.ActivityCount, &info.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PGActivityStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge activities: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGActivityStore) Close() error { return s.db.Close() }
