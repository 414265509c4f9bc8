package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qnasession/internal/domain"
	"qnasession/internal/topic"
)

// postgresSchema matches the hosted Supabase tables. Existing tables may hold
// rows written before topic_key existed, with NULLs in columns this schema
// declares NOT NULL; every read coalesces them.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          text PRIMARY KEY,
	name        text NOT NULL DEFAULT '',
	created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS clusters (
	id            uuid PRIMARY KEY,
	room_id       text NOT NULL,
	title         text NOT NULL,
	keywords      text NOT NULL DEFAULT '',
	message_count integer NOT NULL DEFAULT 0,
	votes         integer NOT NULL DEFAULT 0,
	updated_at    timestamptz NOT NULL DEFAULT now(),
	UNIQUE (room_id, title)
);

CREATE TABLE IF NOT EXISTS messages (
	id           uuid PRIMARY KEY,
	room_id      text,
	event_id     text NOT NULL DEFAULT '',
	user_id      text NOT NULL DEFAULT '',
	content      text NOT NULL DEFAULT '',
	created_at   timestamptz NOT NULL DEFAULT now(),
	cluster_id   uuid REFERENCES clusters(id),
	clustered_at timestamptz,
	votes        integer NOT NULL DEFAULT 0
);

ALTER TABLE clusters ADD COLUMN IF NOT EXISTS topic_key text;
ALTER TABLE clusters ADD COLUMN IF NOT EXISTS votes integer DEFAULT 0;
ALTER TABLE messages ADD COLUMN IF NOT EXISTS clustered_at timestamptz;
ALTER TABLE messages ADD COLUMN IF NOT EXISTS votes integer DEFAULT 0;
`

// postgresIndexes run after topic keys are backfilled.
const postgresIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS clusters_room_topic_key ON clusters (room_id, topic_key);
CREATE INDEX IF NOT EXISTS messages_pending ON messages (room_id) WHERE cluster_id IS NULL;
`

// PostgresStore implements domain.ClusterStore on a Postgres database,
// typically the Supabase project the realtime feed watches.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ domain.ClusterStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("cannot open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.backfillTopicKeys(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("backfill topic keys: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresIndexes); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	logger.Info("postgres store ready")
	return s, nil
}

// backfillTopicKeys gives clusters written without a topic_key the same key
// the scheduler looks them up by. When two legacy titles in a room share a
// key, the oldest cluster keeps it and the others stay unkeyed.
func (s *PostgresStore) backfillTopicKeys(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, coalesce(room_id, ''), coalesce(title, '') FROM clusters
		 WHERE topic_key IS NULL
		 ORDER BY updated_at ASC NULLS FIRST, id ASC`)
	if err != nil {
		return err
	}
	type legacy struct{ id, roomID, title string }
	pending, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (legacy, error) {
		var l legacy
		err := row.Scan(&l.id, &l.roomID, &l.title)
		return l, err
	})
	if err != nil {
		return err
	}

	for _, l := range pending {
		key := topic.Key(l.title)
		if key == "" {
			continue
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE clusters SET topic_key = $1
			 WHERE id::text = $2 AND NOT EXISTS (
				SELECT 1 FROM clusters WHERE room_id = $3 AND topic_key = $1)`,
			key, l.id, l.roomID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			s.logger.Warn("cluster left without topic key, another cluster in the room has it",
				"cluster", l.id, "room", l.roomID, "title", l.title, "key", key)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("backfilled cluster topic keys", "clusters", len(pending))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id::text FROM rooms ORDER BY id`)
}

func (s *PostgresStore) ListPendingRoomIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT room_id FROM messages
		 WHERE cluster_id IS NULL AND room_id IS NOT NULL AND btrim(room_id) <> ''
		 ORDER BY room_id`)
}

func (s *PostgresStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const pgMessageColumns = `id::text, coalesce(room_id, ''), coalesce(event_id::text, ''), coalesce(user_id::text, ''),
	coalesce(content, ''), coalesce(created_at, 'epoch'::timestamptz), cluster_id::text, clustered_at,
	coalesce(votes, 0)`

func (s *PostgresStore) ListPendingMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE room_id = $1 AND cluster_id IS NULL
		 ORDER BY created_at ASC, id ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		m, err := scanPgMessage(row)
		if err != nil {
			return domain.Message{}, err
		}
		return *m, nil
	})
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanPgMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanPgMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	if err := row.Scan(&m.ID, &m.RoomID, &m.EventID, &m.UserID, &m.Content, &m.CreatedAt,
		&m.ClusterID, &m.ClusteredAt, &m.Votes); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, event_id, user_id, content, created_at, votes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.EventID, msg.UserID, msg.Content, msg.CreatedAt, msg.Votes,
	)
	return err
}

func (s *PostgresStore) SaveRoom(ctx context.Context, room domain.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		room.ID, room.Name, room.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, coalesce(name, ''), coalesce(created_at, 'epoch'::timestamptz) FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Room, error) {
		var r domain.Room
		err := row.Scan(&r.ID, &r.Name, &r.CreatedAt)
		return r, err
	})
}

const pgClusterColumns = `id::text, coalesce(room_id, ''), coalesce(topic_key, ''), coalesce(title, ''),
	coalesce(keywords, ''), coalesce(message_count, 0), coalesce(votes, 0),
	coalesce(updated_at, 'epoch'::timestamptz)`

func (s *PostgresStore) ListClusters(ctx context.Context, roomID string) ([]domain.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgClusterColumns+` FROM clusters WHERE room_id = $1
		 ORDER BY coalesce(message_count, 0) DESC, title ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Cluster, error) {
		c, err := scanPgCluster(row)
		if err != nil {
			return domain.Cluster{}, err
		}
		return *c, nil
	})
}

func scanPgCluster(row pgx.Row) (*domain.Cluster, error) {
	var c domain.Cluster
	if err := row.Scan(&c.ID, &c.RoomID, &c.Key, &c.Title, &c.Keywords,
		&c.MessageCount, &c.Votes, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx domain.ClusterTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "err", err)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindCluster(ctx context.Context, roomID, key string) (*domain.Cluster, error) {
	c, err := scanPgCluster(t.tx.QueryRow(ctx,
		`SELECT `+pgClusterColumns+` FROM clusters WHERE room_id = $1 AND topic_key = $2`, roomID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (t *pgTx) SaveCluster(ctx context.Context, c domain.Cluster) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO clusters (id, room_id, topic_key, title, keywords, message_count, votes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			keywords = excluded.keywords,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		c.ID, c.RoomID, c.Key, c.Title, c.Keywords, c.MessageCount, c.Votes, c.UpdatedAt,
	)
	return err
}

func (t *pgTx) AssignMessages(ctx context.Context, clusterID string, messageIDs []string, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE messages SET cluster_id = $1, clustered_at = $2
		 WHERE cluster_id IS NULL AND id::text = ANY($3::text[])`,
		clusterID, at, messageIDs,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
