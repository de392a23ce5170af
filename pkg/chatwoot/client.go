// Package chatwoot is the chat-provider API client used to deliver replies,
// post internal notes and manage conversation state. Calls go through a
// circuit breaker so a provider outage degrades to logged send failures
// instead of hammering a dead endpoint.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// MessageType selects how a created message renders in the conversation.
type MessageType string

const (
	MessageOutgoing MessageType = "outgoing"
	MessageNote     MessageType = "note"
)

// Status values for ToggleStatus.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusPending  = "pending"
)

// Options tune the client.
type Options struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// BreakerOpenAfter consecutive failures trip the circuit.
	BreakerOpenAfter uint32
	BreakerCooldown  time.Duration
	RetryAttempts    uint
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerOpenAfter == 0 {
		o.BreakerOpenAfter = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	return o
}

// Client calls the provider REST API for one installation.
type Client struct {
	http    *http.Client
	opts    Options
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chatwoot",
			Timeout: opts.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerOpenAfter
			},
		}),
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("chatwoot API returned status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var api *apiError
	if errors.As(err, &api) {
		return api.status == http.StatusTooManyRequests || api.status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c.opts.BaseURL == "" || c.opts.APIToken == "" {
		return errors.New("chatwoot client not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}

	return retry.Do(
		func() error {
			_, err := c.breaker.Execute(func() (any, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost,
					c.opts.BaseURL+path, bytes.NewReader(body))
				if err != nil {
					return nil, err
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("api_access_token", c.opts.APIToken)

				resp, err := c.http.Do(req)
				if err != nil {
					return nil, err
				}
				defer resp.Body.Close()

				if resp.StatusCode >= 400 {
					snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
					return nil, &apiError{status: resp.StatusCode, body: string(snippet)}
				}
				io.Copy(io.Discard, resp.Body)
				return nil, nil
			})
			return err
		},
		retry.RetryIf(isRetryable),
		retry.Attempts(c.opts.RetryAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying chatwoot call")
		}),
	)
}

// CreateMessage posts a message into a conversation.
func (c *Client) CreateMessage(ctx context.Context, accountID, conversationID, content string, msgType MessageType) error {
	payload := map[string]any{
		"content":      content,
		"message_type": "outgoing",
	}
	if msgType == MessageNote {
		payload["private"] = true
	}
	return c.post(ctx,
		fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/messages", accountID, conversationID),
		payload)
}

// AddLabels replaces the conversation's labels.
func (c *Client) AddLabels(ctx context.Context, accountID, conversationID string, labels []string) error {
	return c.post(ctx,
		fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/labels", accountID, conversationID),
		map[string]any{"labels": labels})
}

// Assign routes the conversation to an agent.
func (c *Client) Assign(ctx context.Context, accountID, conversationID string, assigneeID int) error {
	return c.post(ctx,
		fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/assignments", accountID, conversationID),
		map[string]any{"assignee_id": assigneeID})
}

// ToggleStatus opens, resolves or parks the conversation.
func (c *Client) ToggleStatus(ctx context.Context, accountID, conversationID, status string) error {
	return c.post(ctx,
		fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/toggle_status", accountID, conversationID),
		map[string]any{"status": status})
}

// Sender builds the pipelines' send callback for one conversation.
func (c *Client) Sender(accountID, conversationID string) chat.SendFunc {
	return func(ctx context.Context, text string) error {
		return c.CreateMessage(ctx, accountID, conversationID, text, MessageOutgoing)
	}
}
