package domain

import "context"

// TextGenerator sends a single prompt to a hosted model and returns its text reply.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// TopicClassifier maps a room's pending messages to topic labels. It never
// fails: any problem degrades to an empty mapping, meaning "skip this room".
type TopicClassifier interface {
	Classify(ctx context.Context, roomID string, messages []Message) TopicAssignments
	Name() string
}
