package domain

import "time"

// Message is a Q&A message posted into a room. ClusterID is nil while the
// message is pending.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	EventID     string     `json:"event_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ClusterID   *string    `json:"cluster_id,omitempty"`
	ClusteredAt *time.Time `json:"clustered_at,omitempty"`
	Votes       int        `json:"votes"`
}

// Pending reports whether the message still waits for a cluster.
func (m Message) Pending() bool {
	return m.ClusterID == nil || *m.ClusterID == ""
}

// Cluster groups the messages of one room that share a topic. Key is the
// normalized topic; (RoomID, Key) is unique, and so is (RoomID, Title).
type Cluster struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Keywords     string    `json:"keywords"`
	MessageCount int       `json:"message_count"`
	Votes        int       `json:"votes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TopicAssignments maps message IDs to the topic label chosen for them.
type TopicAssignments map[string]string
