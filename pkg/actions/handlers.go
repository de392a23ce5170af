package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/chatwoot"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
)

// chatwootAPI is the slice of the chat provider client the handler needs.
type chatwootAPI interface {
	CreateMessage(ctx context.Context, accountID, conversationID, content string, msgType chatwoot.MessageType) error
	AddLabels(ctx context.Context, accountID, conversationID string, labels []string) error
	Assign(ctx context.Context, accountID, conversationID string, assigneeID int) error
	ToggleStatus(ctx context.Context, accountID, conversationID, status string) error
}

// ChatwootHandler performs conversation actions: follow-up messages, labels,
// assignment and status changes.
type ChatwootHandler struct {
	client chatwootAPI
}

// NewChatwootHandler wraps a chat provider client.
func NewChatwootHandler(client chatwootAPI) *ChatwootHandler {
	return &ChatwootHandler{client: client}
}

type conversationPayload struct {
	AccountID      string   `json:"account_id"`
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Private        bool     `json:"private"`
	Labels         []string `json:"labels"`
	AssigneeID     int      `json:"assignee_id"`
	Status         string   `json:"status"`
}

func decodeConversationPayload(raw json.RawMessage) (conversationPayload, error) {
	var p conversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if p.AccountID == "" || p.ConversationID == "" {
		return p, errors.Wrap(ErrInvalidPayload, "account_id and conversation_id are required")
	}
	return p, nil
}

// Execute dispatches one conversation action.
func (h *ChatwootHandler) Execute(ctx context.Context, actionType string, payload, _ json.RawMessage) (json.RawMessage, error) {
	p, err := decodeConversationPayload(payload)
	if err != nil {
		return nil, err
	}

	switch actionType {
	case "send_followup":
		if strings.TrimSpace(p.Content) == "" {
			return nil, errors.Wrap(ErrInvalidPayload, "content is required")
		}
		msgType := chatwoot.MessageOutgoing
		if p.Private {
			msgType = chatwoot.MessageNote
		}
		err = h.client.CreateMessage(ctx, p.AccountID, p.ConversationID, p.Content, msgType)
	case "add_conversation_labels":
		if len(p.Labels) == 0 {
			return nil, errors.Wrap(ErrInvalidPayload, "labels are required")
		}
		err = h.client.AddLabels(ctx, p.AccountID, p.ConversationID, p.Labels)
	case "assign_conversation":
		if p.AssigneeID == 0 {
			return nil, errors.Wrap(ErrInvalidPayload, "assignee_id is required")
		}
		err = h.client.Assign(ctx, p.AccountID, p.ConversationID, p.AssigneeID)
	case "resolve_conversation":
		status := p.Status
		if status == "" {
			status = "resolved"
		}
		err = h.client.ToggleStatus(ctx, p.AccountID, p.ConversationID, status)
	default:
		return nil, errors.Wrapf(ErrInvalidActionType, "%q", actionType)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"conversation_id":%q}`, p.ConversationID)), nil
}

// Validate previews the conversation action without touching the provider.
func (h *ChatwootHandler) Validate(_ context.Context, actionType string, payload, _ json.RawMessage) (*actiontypes.ValidationResult, error) {
	p, err := decodeConversationPayload(payload)
	if err != nil {
		return &actiontypes.ValidationResult{Valid: false, Errors: []string{err.Error()}}, nil
	}
	switch actionType {
	case "send_followup":
		return &actiontypes.ValidationResult{Valid: p.Content != "", Preview: fmt.Sprintf("mensaje a conversación %s: %s", p.ConversationID, p.Content)}, nil
	case "add_conversation_labels":
		return &actiontypes.ValidationResult{Valid: len(p.Labels) > 0, Preview: fmt.Sprintf("etiquetas %s en conversación %s", strings.Join(p.Labels, ", "), p.ConversationID)}, nil
	case "assign_conversation":
		return &actiontypes.ValidationResult{Valid: p.AssigneeID != 0, Preview: fmt.Sprintf("asignar conversación %s al agente %d", p.ConversationID, p.AssigneeID)}, nil
	case "resolve_conversation":
		return &actiontypes.ValidationResult{Valid: true, Preview: fmt.Sprintf("cambiar estado de conversación %s", p.ConversationID)}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidActionType, "%q", actionType)
	}
}

// Rollback reverses the reversible conversation actions: a resolved
// conversation is reopened, an assignment is handed back to the previous
// agent when the payload names one.
func (h *ChatwootHandler) Rollback(ctx context.Context, actionType string, payload, _ json.RawMessage, _ json.RawMessage) error {
	p, err := decodeConversationPayload(payload)
	if err != nil {
		return err
	}
	switch actionType {
	case "resolve_conversation":
		return h.client.ToggleStatus(ctx, p.AccountID, p.ConversationID, "open")
	case "assign_conversation":
		var prev struct {
			PreviousAssigneeID int `json:"previous_assignee_id"`
		}
		if err := json.Unmarshal(payload, &prev); err != nil || prev.PreviousAssigneeID == 0 {
			return errors.Wrap(ErrInvalidPayload, "previous_assignee_id is required to roll back an assignment")
		}
		return h.client.Assign(ctx, p.AccountID, p.ConversationID, prev.PreviousAssigneeID)
	default:
		return errors.Errorf("action type %q cannot be rolled back", actionType)
	}
}

// WebhookHandlerOptions configure outbound webhook dispatch.
type WebhookHandlerOptions struct {
	// Endpoints maps action types to target URLs.
	Endpoints map[string]string
	// Secret signs the request body the same way inbound webhooks are
	// verified: hex HMAC-SHA256 over "ts.body".
	Secret  string
	Timeout time.Duration // default 15s
}

// WebhookHandler POSTs actions to per-type HTTP endpoints, e.g. the order
// system's refund and modification hooks.
type WebhookHandler struct {
	http *http.Client
	opts WebhookHandlerOptions
}

// NewWebhookHandler wires the webhook dispatcher.
func NewWebhookHandler(opts WebhookHandlerOptions) *WebhookHandler {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &WebhookHandler{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
	}
}

// Execute posts the action to its endpoint. HTTP status codes map onto the
// executor's failure classes so bad requests fail fast while transient
// upstream trouble is retried.
func (h *WebhookHandler) Execute(ctx context.Context, actionType string, payload, actionContext json.RawMessage) (json.RawMessage, error) {
	endpoint, ok := h.opts.Endpoints[actionType]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidActionType, "no endpoint for %q", actionType)
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"payload": jsonOrEmpty(payload),
		"context": jsonOrEmpty(actionContext),
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if h.opts.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", signBody(h.opts.Secret, ts, body))
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode < 300:
		if len(out) == 0 || !json.Valid(out) {
			return nil, nil
		}
		return json.RawMessage(out), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrapf(ErrUnauthorized, "webhook returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrTargetNotFound, "webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, errors.Wrapf(ErrInvalidPayload, "webhook returned %d: %s", resp.StatusCode, out)
	default:
		return nil, errors.Errorf("webhook returned %d: %s", resp.StatusCode, out)
	}
}

func signBody(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// InternalFunc performs an in-process action.
type InternalFunc func(ctx context.Context, payload, actionContext json.RawMessage) (json.RawMessage, error)

// InternalHandler runs in-process actions like staff notifications.
type InternalHandler struct {
	funcs map[string]InternalFunc
}

// NewInternalHandler wires the in-process action table.
func NewInternalHandler(funcs map[string]InternalFunc) *InternalHandler {
	return &InternalHandler{funcs: funcs}
}

// Register adds one in-process action.
func (h *InternalHandler) Register(actionType string, fn InternalFunc) {
	if h.funcs == nil {
		h.funcs = map[string]InternalFunc{}
	}
	h.funcs[actionType] = fn
}

// Execute runs the registered function for the action type.
func (h *InternalHandler) Execute(ctx context.Context, actionType string, payload, actionContext json.RawMessage) (json.RawMessage, error) {
	fn, ok := h.funcs[actionType]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidActionType, "%q", actionType)
	}
	return fn(ctx, payload, actionContext)
}
