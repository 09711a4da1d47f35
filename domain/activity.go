package domain

import "github.com/bytedance/sonic"

const (
	ActivityStatusChanged  = "task-status-changed"
	ActivityStatusRejected = "task-status-rejected"
)

// Activity is one entry of the recent-activity feed.
type Activity struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// ActivityEnvelope wraps an activity with the user that caused it.
type ActivityEnvelope struct {
	UserID   string   `json:"userId"`
	Activity Activity `json:"activity"`
}
