package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"qnasession/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ClusterStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.ClusterStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite serializes writers; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM rooms ORDER BY id`)
}

func (s *SQLiteStore) ListPendingRoomIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT room_id FROM messages
		 WHERE cluster_id IS NULL AND room_id IS NOT NULL AND TRIM(room_id) <> ''
		 ORDER BY room_id`)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const messageColumns = `id, room_id, event_id, user_id, content, created_at, cluster_id, clustered_at, votes`

func (s *SQLiteStore) ListPendingMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ? AND cluster_id IS NULL
		 ORDER BY created_at ASC, id ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		m           domain.Message
		roomID      sql.NullString
		clusterID   sql.NullString
		clusteredAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &roomID, &m.EventID, &m.UserID, &m.Content, &m.CreatedAt,
		&clusterID, &clusteredAt, &m.Votes); err != nil {
		return nil, err
	}
	m.RoomID = roomID.String
	if clusterID.Valid {
		m.ClusterID = &clusterID.String
	}
	if clusteredAt.Valid {
		t := clusteredAt.Time
		m.ClusteredAt = &t
	}
	return &m, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, room_id, event_id, user_id, content, created_at, votes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.EventID, msg.UserID, msg.Content, msg.CreatedAt, msg.Votes,
	)
	return err
}

func (s *SQLiteStore) SaveRoom(ctx context.Context, room domain.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		room.ID, room.Name, room.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		var r domain.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

const clusterColumns = `id, room_id, topic_key, title, keywords, message_count, votes, updated_at`

func (s *SQLiteStore) ListClusters(ctx context.Context, roomID string) ([]domain.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE room_id = ?
		 ORDER BY message_count DESC, title ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []domain.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, *c)
	}
	return clusters, rows.Err()
}

func scanCluster(row scanner) (*domain.Cluster, error) {
	var c domain.Cluster
	if err := row.Scan(&c.ID, &c.RoomID, &c.Key, &c.Title, &c.Keywords,
		&c.MessageCount, &c.Votes, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx domain.ClusterTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindCluster(ctx context.Context, roomID, key string) (*domain.Cluster, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE room_id = ? AND topic_key = ?`, roomID, key)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (t *sqliteTx) SaveCluster(ctx context.Context, c domain.Cluster) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO clusters (id, room_id, topic_key, title, keywords, message_count, votes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			keywords = excluded.keywords,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		c.ID, c.RoomID, c.Key, c.Title, c.Keywords, c.MessageCount, c.Votes, c.UpdatedAt.UTC(),
	)
	return err
}

func (t *sqliteTx) AssignMessages(ctx context.Context, clusterID string, messageIDs []string, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, clusterID, at.UTC())
	for _, id := range messageIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	res, err := t.tx.ExecContext(ctx,
		`UPDATE messages SET cluster_id = ?, clustered_at = ?
		 WHERE cluster_id IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
