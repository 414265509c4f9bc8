package store

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"qnasession/internal/domain"
)

// Runs against a real database only when QNA_TEST_DATABASE_URL is set.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("QNA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QNA_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url, testLogger())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	room := "test-" + uuid.NewString()

	msg := &domain.Message{RoomID: room, Content: "How do refunds work?"}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingMessages(ctx, room)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("ListPendingMessages = %+v", pending)
	}

	clusterID := uuid.NewString()
	err = s.InTx(ctx, func(tx domain.ClusterTx) error {
		if err := tx.SaveCluster(ctx, domain.Cluster{ID: clusterID, RoomID: room, Key: "refunds", Title: "Refunds", MessageCount: 1}); err != nil {
			return err
		}
		n, err := tx.AssignMessages(ctx, clusterID, []string{msg.ID}, time.Now())
		if n != 1 {
			t.Errorf("expected 1 assigned row, got %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Pending() || *got.ClusterID != clusterID {
		t.Errorf("message not assigned: %+v", got)
	}

	err = s.InTx(ctx, func(tx domain.ClusterTx) error {
		c, err := tx.FindCluster(ctx, room, "refunds")
		if c == nil || c.ID != clusterID {
			t.Errorf("FindCluster = %+v", c)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

// legacySchema mirrors tables created before this store existed: nullable
// counters and text columns, a uuid user_id, and no topic_key.
const legacySchema = `
CREATE TABLE rooms (id text PRIMARY KEY, name text, created_at timestamptz);
CREATE TABLE clusters (
	id uuid PRIMARY KEY, room_id text, title text, keywords text,
	message_count integer, votes integer, updated_at timestamptz,
	UNIQUE (room_id, title)
);
CREATE TABLE messages (
	id uuid PRIMARY KEY, room_id text, event_id text, user_id uuid, content text,
	created_at timestamptz, cluster_id uuid REFERENCES clusters(id), clustered_at timestamptz
);
`

// withSearchPath opens a scratch schema holding legacySchema and returns a
// database URL that resolves unqualified tables into it.
func withSearchPath(t *testing.T, base string) string {
	t.Helper()
	ctx := context.Background()
	admin, err := pgxpool.New(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	schema := "legacy_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	if _, err := admin.Exec(ctx, "SET search_path TO "+schema+";"+legacySchema); err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(base)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

func TestPostgresStore_LegacyRows(t *testing.T) {
	base := os.Getenv("QNA_TEST_DATABASE_URL")
	if base == "" {
		t.Skip("QNA_TEST_DATABASE_URL not set")
	}
	dbURL := withSearchPath(t, base)
	ctx := context.Background()

	// Seed through a connection pinned to the scratch schema.
	seed, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatal(err)
	}
	clusterID := uuid.NewString()
	dupID := uuid.NewString()
	msgID := uuid.NewString()
	_, err = seed.Exec(ctx, `
		INSERT INTO clusters (id, room_id, title, updated_at) VALUES
			($1, 'r1', 'Password Reset?', now() - interval '1 day'),
			($2, 'r1', 'password  reset', now())`, clusterID, dupID)
	if err != nil {
		seed.Close()
		t.Fatal(err)
	}
	if _, err := seed.Exec(ctx, `INSERT INTO messages (id, room_id, content) VALUES ($1, 'r1', 'how do I reset?')`, msgID); err != nil {
		seed.Close()
		t.Fatal(err)
	}
	seed.Close()

	s, err := NewPostgresStore(ctx, dbURL, testLogger())
	if err != nil {
		t.Fatalf("NewPostgresStore on legacy tables: %v", err)
	}
	defer s.Close()

	pending, err := s.ListPendingMessages(ctx, "r1")
	if err != nil {
		t.Fatalf("ListPendingMessages with NULL columns: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msgID || pending[0].UserID != "" || pending[0].Votes != 0 {
		t.Fatalf("pending = %+v", pending)
	}

	err = s.InTx(ctx, func(tx domain.ClusterTx) error {
		c, err := tx.FindCluster(ctx, "r1", "password reset")
		if err != nil {
			return err
		}
		if c == nil || c.ID != clusterID {
			t.Fatalf("FindCluster(password reset) = %+v, want the oldest legacy cluster", c)
		}
		if c.MessageCount != 0 || c.Keywords != "" || c.Title != "Password Reset?" {
			t.Errorf("legacy cluster = %+v", c)
		}
		c.MessageCount++
		if err := tx.SaveCluster(ctx, *c); err != nil {
			return err
		}
		n, err := tx.AssignMessages(ctx, c.ID, []string{msgID}, time.Now())
		if n != 1 {
			t.Errorf("assigned %d, want 1", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	clusters, err := s.ListClusters(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 2 || clusters[0].ID != clusterID || clusters[0].MessageCount != 1 {
		t.Errorf("clusters = %+v", clusters)
	}

	// Reopening does not touch keys already set.
	s2, err := NewPostgresStore(ctx, dbURL, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}
