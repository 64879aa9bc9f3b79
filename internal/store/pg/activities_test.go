package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// newTestStore migrates a scratch database named by TURNKIT_TEST_POSTGRES_DSN.
// The tests are skipped when it is unset.
func newTestStore(t *testing.T) *PGActivityStore {
	t.Helper()
	dsn := os.Getenv("TURNKIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TURNKIT_TEST_POSTGRES_DSN not set")
	}

	m, err := migrate.New("file://../../../migrations", dsn)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("migrate up: %v", err)
	}
	m.Close()

	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`TRUNCATE activities`); err != nil {
		t.Fatal(err)
	}
	s := NewPGActivityStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGActivityStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := protocol.NewMessage("hello")
	a.ChannelID = "devtools"
	a.Conversation.ID = "c1"
	a.WithStreamInfo(protocol.StreamInfo{Type: protocol.StreamFinal})
	rec, err := store.NewRecord(a, store.DirectionOutbound, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	in, _ := store.NewRecord(protocol.NewMessage("plain"), store.DirectionInbound, "conv:devtools:direct:c1")
	if err := s.Append(ctx, in); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.List(ctx, store.ListOpts{ConversationKey: "conv:devtools:direct:c1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 records, got %d (%v)", len(got), err)
	}
	if got[0].ID != rec.ID || got[0].EntityTypes[0] != protocol.EntityStreamInfo {
		t.Fatalf("unexpected first record %+v", got[0])
	}

	final, err := s.List(ctx, store.ListOpts{EntityType: protocol.EntityStreamInfo})
	if err != nil || len(final) != 1 {
		t.Fatalf("expected 1 streaminfo record, got %d (%v)", len(final), err)
	}

	convs, err := s.Conversations(ctx, 5)
	if err != nil || len(convs) != 1 || convs[0].ActivityCount != 2 {
		t.Fatalf("unexpected conversations %+v (%v)", convs, err)
	}

	n, err := s.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d (%v)", n, err)
	}
}
