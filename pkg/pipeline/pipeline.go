// Package pipeline turns an inbound customer message into an outbound reply.
// Two implementations share one contract: the optimized path spends at most
// one LLM call per message, the legacy path reasons in stages. A selector
// A/B-routes between them and falls back from optimized to legacy on error.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/actions"
	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/memory"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

// Request is one inbound message to answer.
type Request struct {
	ConversationID string
	AccountID      string
	ContactID      string
	Message        string
	// Send delivers the reply. When nil, the pipeline constructs one from
	// (AccountID, ConversationID) via the sender factory.
	Send chat.SendFunc
}

// Memory is the slice of conversation memory the pipelines need.
type Memory interface {
	AddMessage(ctx context.Context, conversationID string, role chat.Role, content string, contactID string, metadata map[string]any) (memory.Storage, error)
	GetContextForLLM(ctx context.Context, conversationID string, opts memory.ContextOptions) (*memory.Context, error)
}

// VectorSearch is the slice of the vector store the pipelines need.
type VectorSearch interface {
	GetCachedResponse(ctx context.Context, query string, opts vector.CacheOptions) (*vector.CachedResponse, error)
	SetCachedResponse(ctx context.Context, query, response string, metadata map[string]any, opts vector.CacheOptions) error
	Search(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.SearchResult, error)
}

// SnapshotProvider pins the current configuration snapshot.
type SnapshotProvider interface {
	Snapshot() *knowledge.Snapshot
}

// Completer is the slice of the LLM client the pipelines need.
type Completer interface {
	CompleteStructured(ctx context.Context, task, schemaKey string, messages []openai.ChatCompletionMessage, out any) (*llm.Completion, error)
}

// SenderFactory builds a send callback for a conversation when the request
// does not carry one.
type SenderFactory func(accountID, conversationID string) chat.SendFunc

// Proposer routes side-effect proposals raised while replying. Satisfied by
// *actions.Bus; nil disables the action plane.
type Proposer interface {
	Propose(ctx context.Context, proposal actions.Proposal) (*actiontypes.Record, error)
}

// apologyReply is the fixed failure response. It deliberately matches the
// response-cache error filter so it can never be cached.
const apologyReply = "Disculpa, tuve un problema para procesar tu mensaje. ¿Me lo puedes repetir en un momento?"

const apologyConfidence = 0.3

// minCacheConfidence gates which AI replies enter the semantic cache.
const minCacheConfidence = 0.5

// charCap truncates s at the rune boundary nearest the limit.
func charCap(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// historyText renders the recent tail for prompt inclusion.
func historyText(messages []memory.Message, limit int) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString("[")
		b.WriteString(string(m.Role))
		b.WriteString("] ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return charCap(strings.TrimSpace(b.String()), limit)
}

// deliver appends the outbound message and sends it. Send errors are logged
// and swallowed: the reply exists, and re-running the pipeline would re-spend
// the LLM call.
func deliver(ctx context.Context, mem Memory, senders SenderFactory, req Request, response string) {
	if _, err := mem.AddMessage(ctx, req.ConversationID, chat.RoleAssistant, response, "", nil); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to append outbound message")
	}

	send := req.Send
	if send == nil && senders != nil {
		send = senders(req.AccountID, req.ConversationID)
	}
	if send == nil {
		logger.G(ctx).Warn("no sender available, reply not delivered")
		return
	}
	if err := send(ctx, response); err != nil {
		logger.G(ctx).WithError(err).WithField("conversation_id", req.ConversationID).
			Warn("failed to send reply")
	}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// proposeHandoff raises a notify_staff action when the generator asks for a
// human. The reply is already on its way, so proposal failures are logged and
// never surface to the customer.
func proposeHandoff(ctx context.Context, proposer Proposer, req Request) {
	if proposer == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"account_id":       req.AccountID,
		"conversation_ids": []string{req.ConversationID},
		"message":          "Un cliente pidió atención humana: " + req.Message,
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to encode handoff payload")
		return
	}
	actionContext, err := json.Marshal(map[string]string{
		"conversation_id": req.ConversationID,
		"account_id":      req.AccountID,
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to encode handoff context")
		return
	}
	if _, err := proposer.Propose(ctx, actions.Proposal{
		Type:        "notify_staff",
		Payload:     payload,
		Context:     actionContext,
		RequestedBy: "pipeline",
		Reason:      "handoff requested",
	}); err != nil {
		logger.G(ctx).WithError(err).WithField("conversation_id", req.ConversationID).
			Warn("failed to propose staff notification")
	}
}
