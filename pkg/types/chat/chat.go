// Package chat defines the value types shared between the webhook gate, the
// work queue and the reply pipelines.
package chat

import (
	"context"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// WebhookPayload is the subset of the chat-provider webhook body the service
// consumes. Unknown fields are ignored.
type WebhookPayload struct {
	Event       string `json:"event"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Conversation struct {
		ID int64 `json:"id"`
		Meta struct {
			Sender struct {
				ID int64 `json:"id"`
			} `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
	Account struct {
		ID int64 `json:"id"`
	} `json:"account"`
	Inbox struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"inbox"`
}

// Incoming reports whether the payload describes a customer message that
// should enter the reply pipeline.
func (p *WebhookPayload) Incoming() bool {
	return p.MessageType == "incoming" && p.Content != ""
}

// Job is the unit of work carried by the queue. It intentionally holds only
// serializable identifiers; the outbound send closure is reconstructed on the
// consumer side so jobs survive broker round-trips.
type Job struct {
	ConversationID string    `json:"conversation_id"`
	AccountID      string    `json:"account_id"`
	ContactID      string    `json:"contact_id,omitempty"`
	Message        string    `json:"message"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Source identifies which stage of the pipeline produced a reply.
type Source string

const (
	SourceCache  Source = "cache"
	SourceCanned Source = "canned"
	SourceAI     Source = "ai"
)

// FlowType identifies which pipeline handled a request.
type FlowType string

const (
	FlowOptimized FlowType = "optimized"
	FlowLegacy    FlowType = "legacy"
)

// Result is the uniform reply-pipeline outcome.
type Result struct {
	Response   string   `json:"response"`
	Source     Source   `json:"source"`
	AICalls    int      `json:"ai_calls"`
	DurationMs int64    `json:"duration_ms"`
	FlowType   FlowType `json:"flow_type"`
	Confidence float64  `json:"confidence"`
}

// SendFunc delivers an outbound reply to the chat provider.
type SendFunc func(ctx context.Context, text string) error
