package api

import "egpt/internal/types"

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshResponse struct {
	AccessToken string `json:"access_token"`
}

// MessageRequest is the body of the continuation stream endpoint.
// Properties carries feature flags (web_search, judicial_practice, ...).
type MessageRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	Properties  []string `json:"properties"`
}

// StartConversationRequest is the body of the new-topic stream endpoint.
type StartConversationRequest struct {
	Message       MessageRequest      `json:"message"`
	AssistantType types.AssistantType `json:"assistant_type"`
}

type CreatedAttachmentResponse struct {
	AttachmentID string `json:"attachment_id"`
}
