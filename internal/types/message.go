package types

import "time"

type SenderRole string

const (
	RoleUser      SenderRole = "user"
	RoleAssistant SenderRole = "assistant"
)

type ContentType string

const (
	ContentDocument ContentType = "document"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
)

// MessageKind distinguishes regular text messages from typed annotations the
// client renders specially instead of as assistant text.
type MessageKind string

const (
	MessageKindText          MessageKind = "text"
	MessageKindLimitExceeded MessageKind = "limit_exceeded"
)

type Attachment struct {
	Filename    string      `json:"filename"`
	ContentType ContentType `json:"content_type"`
	URL         string      `json:"url,omitempty"`
}

// Message is one turn in a topic. Seq is a client-local correlation id issued
// by the session store; it never leaves the process. The one in-flight
// assistant message is located by Seq while its text grows.
type Message struct {
	Seq         uint64       `json:"-"`
	Text        string       `json:"text"`
	Role        SenderRole   `json:"role"`
	Kind        MessageKind  `json:"-"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments"`
	Streaming   bool         `json:"-"`
}

// PendingRequest hands a composed first message from the view that created
// the topic to the view that owns the topic route and the stream. It is
// consumed exactly once, and discarded when the route topic id does not match.
type PendingRequest struct {
	TopicID          int64
	Text             string
	AttachmentIDs    []string
	AssistantType    AssistantType
	WebSearch        bool
	JudicialPractice bool
}
