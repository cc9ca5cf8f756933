package types

import "time"

type TopicStatus string

const (
	TopicStatusActive   TopicStatus = "active"
	TopicStatusArchived TopicStatus = "archived"
	TopicStatusDeleted  TopicStatus = "deleted"
)

type Topic struct {
	ID            int64         `json:"id"`
	TopicName     string        `json:"topic_name"`
	AssistantType AssistantType `json:"assistant_type"`
	SID           *string       `json:"sid,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TopicGroup is one calendar-date bucket of the sidebar topic list, as the
// backend returns it.
type TopicGroup struct {
	Date   time.Time `json:"date"`
	Topics []Topic   `json:"topics"`
}
