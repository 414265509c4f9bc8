package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"qnasession/internal/config"
	"qnasession/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "qna.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addMessage(t *testing.T, s domain.ClusterStore, roomID, content string, at time.Time) string {
	t.Helper()
	msg := &domain.Message{RoomID: roomID, Content: content, CreatedAt: at}
	if err := s.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	return msg.ID
}

func TestSQLiteStore_SaveAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &domain.Message{RoomID: "r1", UserID: "alice", Content: "How do I reset my password?"}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Fatal("expected generated ID")
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be filled in")
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Content != msg.Content || got.RoomID != "r1" || got.UserID != "alice" {
		t.Errorf("unexpected message: %+v", got)
	}
	if !got.Pending() {
		t.Error("new message should be pending")
	}

	missing, err := s.GetMessage(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestSQLiteStore_Rooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveRoom(ctx, domain.Room{ID: "b", Name: "Second", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRoom(ctx, domain.Room{ID: "a", Name: "First", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRoom(ctx, domain.Room{ID: "a", Name: "Renamed"}); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "a" || rooms[0].Name != "Renamed" {
		t.Errorf("unexpected first room: %+v", rooms[0])
	}

	ids, err := s.ListRoomIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ListRoomIDs = %v", ids)
	}
}

func TestSQLiteStore_PendingQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	second := addMessage(t, s, "r1", "second", base.Add(time.Minute))
	first := addMessage(t, s, "r1", "first", base)
	addMessage(t, s, "r2", "other room", base)
	addMessage(t, s, "  ", "blank room", base)

	rooms, err := s.ListPendingRoomIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Errorf("ListPendingRoomIDs = %v", rooms)
	}

	msgs, err := s.ListPendingMessages(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != first || msgs[1].ID != second {
		t.Fatalf("expected oldest first, got %+v", msgs)
	}
}

func TestSQLiteStore_TxAssign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	m1 := addMessage(t, s, "r1", "a", now)
	m2 := addMessage(t, s, "r1", "b", now)

	err := s.InTx(ctx, func(tx domain.ClusterTx) error {
		existing, err := tx.FindCluster(ctx, "r1", "password reset")
		if err != nil {
			return err
		}
		if existing != nil {
			t.Errorf("expected no cluster yet, got %+v", existing)
		}
		c := domain.Cluster{ID: "c1", RoomID: "r1", Key: "password reset", Title: "Password reset", MessageCount: 2}
		if err := tx.SaveCluster(ctx, c); err != nil {
			return err
		}
		n, err := tx.AssignMessages(ctx, c.ID, []string{m1, m2}, now)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("expected 2 rows assigned, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetMessage(ctx, m1)
	if got.Pending() || *got.ClusterID != "c1" || got.ClusteredAt == nil {
		t.Errorf("message not assigned: %+v", got)
	}

	// Assigned messages are not reassigned.
	err = s.InTx(ctx, func(tx domain.ClusterTx) error {
		if err := tx.SaveCluster(ctx, domain.Cluster{ID: "c2", RoomID: "r1", Key: "other", Title: "Other"}); err != nil {
			return err
		}
		n, err := tx.AssignMessages(ctx, "c2", []string{m1}, now)
		if n != 0 {
			t.Errorf("expected 0 rows for an already clustered message, got %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMessage(ctx, m1)
	if *got.ClusterID != "c1" {
		t.Errorf("cluster_id changed to %s", *got.ClusterID)
	}

	clusters, err := s.ListClusters(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 2 || clusters[0].ID != "c1" || clusters[0].MessageCount != 2 {
		t.Errorf("ListClusters = %+v", clusters)
	}
}

func TestSQLiteStore_TxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m1 := addMessage(t, s, "r1", "a", time.Now())

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx domain.ClusterTx) error {
		if err := tx.SaveCluster(ctx, domain.Cluster{ID: "c1", RoomID: "r1", Key: "k", Title: "K", MessageCount: 1}); err != nil {
			return err
		}
		if _, err := tx.AssignMessages(ctx, "c1", []string{m1}, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	clusters, _ := s.ListClusters(ctx, "r1")
	if len(clusters) != 0 {
		t.Errorf("expected rollback to drop the cluster, got %+v", clusters)
	}
	got, _ := s.GetMessage(ctx, m1)
	if !got.Pending() {
		t.Error("expected message to stay pending after rollback")
	}
}

func TestSQLiteStore_SaveClusterUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	save := func(c domain.Cluster) {
		t.Helper()
		if err := s.InTx(ctx, func(tx domain.ClusterTx) error { return tx.SaveCluster(ctx, c) }); err != nil {
			t.Fatal(err)
		}
	}
	save(domain.Cluster{ID: "c1", RoomID: "r1", Key: "billing", Title: "Billing", Keywords: "Billing", MessageCount: 1})
	save(domain.Cluster{ID: "c1", RoomID: "r1", Key: "billing", Title: "Billing", Keywords: "billing", MessageCount: 3})

	err := s.InTx(ctx, func(tx domain.ClusterTx) error {
		c, err := tx.FindCluster(ctx, "r1", "billing")
		if err != nil {
			return err
		}
		if c == nil || c.MessageCount != 3 || c.Keywords != "billing" || c.Title != "Billing" {
			t.Errorf("unexpected cluster after update: %+v", c)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: DriverSQLite, DBPath: filepath.Join(t.TempDir(), "x.db")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	s.Close()

	if _, err := Open(ctx, config.StoreConfig{Driver: DriverPostgres}, testLogger()); err == nil {
		t.Error("expected error for postgres without a URL")
	}
	if _, err := Open(ctx, config.StoreConfig{Driver: "mysql"}, testLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}
