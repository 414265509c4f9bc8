package domain

import (
	"context"
	"time"
)

// ClusterStore persists rooms, messages and clusters.
type ClusterStore interface {
	// ListRoomIDs returns the IDs of every known room.
	ListRoomIDs(ctx context.Context) ([]string, error)
	// ListPendingRoomIDs returns the distinct, non-blank room IDs among
	// messages that have no cluster yet.
	ListPendingRoomIDs(ctx context.Context) ([]string, error)
	// ListPendingMessages returns a room's unclustered messages, oldest first.
	ListPendingMessages(ctx context.Context, roomID string) ([]Message, error)
	// InTx runs fn in a single transaction. An error from fn rolls back
	// every write made through the ClusterTx.
	InTx(ctx context.Context, fn func(tx ClusterTx) error) error

	ListRooms(ctx context.Context) ([]Room, error)
	ListClusters(ctx context.Context, roomID string) ([]Cluster, error)
	SaveRoom(ctx context.Context, room Room) error
	// SaveMessage inserts msg, filling in ID and CreatedAt when unset.
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// ClusterTx is the write side used while applying one room's assignments.
type ClusterTx interface {
	// FindCluster looks a cluster up by its normalized topic key and
	// returns nil, nil when the room has none.
	FindCluster(ctx context.Context, roomID, key string) (*Cluster, error)
	// SaveCluster inserts or updates the cluster by ID.
	SaveCluster(ctx context.Context, c Cluster) error
	// AssignMessages sets cluster_id and clustered_at on the given messages
	// that are still pending and returns how many rows changed.
	AssignMessages(ctx context.Context, clusterID string, messageIDs []string, at time.Time) (int, error)
}
