package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
	"qnasession/internal/topic"
)

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultPollInterval = 15 * time.Second
)

// ErrAssignConflict means some messages of a group were clustered by another
// writer between listing and assignment. The room is rolled back and retried
// on the next pass.
var ErrAssignConflict = errors.New("messages already clustered")

// SchedulerConfig configures a Scheduler. Zero durations use the defaults.
type SchedulerConfig struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Report summarizes one clustering pass.
type Report struct {
	RoomsSeen        int           `json:"rooms_seen"`
	RoomsClustered   int           `json:"rooms_clustered"`
	RoomsFailed      int           `json:"rooms_failed"`
	MessagesAssigned int           `json:"messages_assigned"`
	ClustersCreated  int           `json:"clusters_created"`
	Duration         time.Duration `json:"duration_ns"`
}

// Scheduler periodically assigns pending messages to topic clusters.
type Scheduler struct {
	store        domain.ClusterStore
	classifier   domain.TopicClassifier
	clock        clock.Clock
	initialDelay time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	// mu serializes passes from Run, the CLI and the API.
	mu sync.Mutex
}

func NewScheduler(store domain.ClusterStore, classifier domain.TopicClassifier, cfg SchedulerConfig) *Scheduler {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		classifier:   classifier,
		clock:        cfg.Clock,
		initialDelay: cfg.InitialDelay,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}
}

// Run waits the initial delay, then runs a pass and waits the poll interval
// after each one completes. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("clustering scheduler started",
		"initial_delay", s.initialDelay,
		"poll_interval", s.pollInterval,
		"classifier", s.classifier.Name(),
	)

	delay := s.initialDelay
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("clustering scheduler stopped")
			return
		case <-s.clock.After(delay):
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("clustering pass failed", "err", err)
		}
		delay = s.pollInterval
	}
}

// RunOnce performs a single pass over every room. Per-room failures are
// logged and counted in the report; only a failure to list rooms is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (report Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now()
	defer func() {
		report.Duration = s.clock.Now().Sub(start)
		metrics.ClusterRuns.Inc()
		metrics.ClusterRunDuration.Observe(report.Duration.Seconds())
	}()

	rooms, err := s.roomUniverse(ctx)
	if err != nil {
		return report, fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		s.logger.Debug("no rooms found for clustering")
		return report, nil
	}

	for _, roomID := range rooms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.RoomsSeen++

		assigned, created, err := s.clusterRoom(ctx, roomID)
		if err != nil {
			report.RoomsFailed++
			metrics.RoomFailures.Inc()
			s.logger.Error("clustering room failed, changes rolled back", "room", roomID, "err", err)
			continue
		}
		if assigned == 0 {
			continue
		}
		report.RoomsClustered++
		report.MessagesAssigned += assigned
		report.ClustersCreated += created
		metrics.MessagesClustered.Add(float64(assigned))
		metrics.ClustersCreated.Add(float64(created))
	}

	if report.MessagesAssigned > 0 {
		s.logger.Info("clustering pass complete",
			"rooms", report.RoomsSeen,
			"clustered_rooms", report.RoomsClustered,
			"messages", report.MessagesAssigned,
			"new_clusters", report.ClustersCreated,
		)
	}
	return report, nil
}

// roomUniverse lists the known rooms, falling back to the rooms that have
// pending messages when no room rows exist.
func (s *Scheduler) roomUniverse(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListRoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}
	return s.store.ListPendingRoomIDs(ctx)
}

// topicGroup is the set of pending messages that share one normalized key.
type topicGroup struct {
	key   string
	title string
	ids   []string
}

// groupByTopic buckets messages by normalized topic in first-seen order.
// Messages without an assignment or with a blank key stay pending.
func groupByTopic(messages []domain.Message, topics domain.TopicAssignments) []*topicGroup {
	var groups []*topicGroup
	byKey := make(map[string]*topicGroup)
	for _, m := range messages {
		label, ok := topics[canonicalID(m.ID)]
		if !ok {
			continue
		}
		key := topic.Key(label)
		if key == "" {
			continue
		}
		g, ok := byKey[key]
		if !ok {
			g = &topicGroup{key: key, title: strings.TrimSpace(label)}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.ids = append(g.ids, m.ID)
	}
	return groups
}

func (s *Scheduler) clusterRoom(ctx context.Context, roomID string) (assigned, created int, err error) {
	pending, err := s.store.ListPendingMessages(ctx, roomID)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	// The classifier may take seconds; it runs before the write transaction.
	topics := s.classifier.Classify(ctx, roomID, pending)
	if len(topics) == 0 {
		s.logger.Debug("no topics assigned, skipping room", "room", roomID, "pending", len(pending))
		return 0, 0, nil
	}

	groups := groupByTopic(pending, topics)
	if len(groups) == 0 {
		return 0, 0, nil
	}

	now := s.clock.Now()
	err = s.store.InTx(ctx, func(tx domain.ClusterTx) error {
		assigned, created = 0, 0
		for _, g := range groups {
			c, err := tx.FindCluster(ctx, roomID, g.key)
			if err != nil {
				return fmt.Errorf("find cluster %q: %w", g.key, err)
			}
			isNew := c == nil
			if isNew {
				c = &domain.Cluster{
					ID:     uuid.NewString(),
					RoomID: roomID,
					Key:    g.key,
					Title:  g.title,
				}
			}
			c.MessageCount += len(g.ids)
			c.Keywords = c.Title
			c.UpdatedAt = now
			if err := tx.SaveCluster(ctx, *c); err != nil {
				return fmt.Errorf("save cluster %q: %w", c.Title, err)
			}

			n, err := tx.AssignMessages(ctx, c.ID, g.ids, now)
			if err != nil {
				return fmt.Errorf("assign messages to %q: %w", c.Title, err)
			}
			if n != len(g.ids) {
				return fmt.Errorf("%w: assigned %d of %d for %q", ErrAssignConflict, n, len(g.ids), c.Title)
			}

			assigned += n
			if isNew {
				created++
			}
			s.logger.Debug("messages clustered",
				"room", roomID,
				"cluster", c.ID,
				"title", c.Title,
				"count", n,
				"new", isNew,
			)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Info("room clustered",
		"room", roomID,
		"messages", assigned,
		"clusters", len(groups),
		"new_clusters", created,
	)
	return assigned, created, nil
}
