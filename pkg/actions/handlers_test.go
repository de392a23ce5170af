package actions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/chatwoot"
)

type fakeChatwoot struct {
	calls []string
}

func (f *fakeChatwoot) CreateMessage(_ context.Context, accountID, conversationID, content string, msgType chatwoot.MessageType) error {
	f.calls = append(f.calls, fmt.Sprintf("message %s/%s %s %q", accountID, conversationID, msgType, content))
	return nil
}

func (f *fakeChatwoot) AddLabels(_ context.Context, accountID, conversationID string, labels []string) error {
	f.calls = append(f.calls, fmt.Sprintf("labels %s/%s %v", accountID, conversationID, labels))
	return nil
}

func (f *fakeChatwoot) Assign(_ context.Context, accountID, conversationID string, assigneeID int) error {
	f.calls = append(f.calls, fmt.Sprintf("assign %s/%s %d", accountID, conversationID, assigneeID))
	return nil
}

func (f *fakeChatwoot) ToggleStatus(_ context.Context, accountID, conversationID, status string) error {
	f.calls = append(f.calls, fmt.Sprintf("status %s/%s %s", accountID, conversationID, status))
	return nil
}

func TestChatwootHandlerDispatch(t *testing.T) {
	api := &fakeChatwoot{}
	h := NewChatwootHandler(api)
	ctx := context.Background()

	_, err := h.Execute(ctx, "send_followup", json.RawMessage(`{"account_id":"1","conversation_id":"7","content":"¿sigues ahí?"}`), nil)
	require.NoError(t, err)

	_, err = h.Execute(ctx, "send_followup", json.RawMessage(`{"account_id":"1","conversation_id":"7","content":"nota interna","private":true}`), nil)
	require.NoError(t, err)

	_, err = h.Execute(ctx, "add_conversation_labels", json.RawMessage(`{"account_id":"1","conversation_id":"7","labels":["vip"]}`), nil)
	require.NoError(t, err)

	_, err = h.Execute(ctx, "resolve_conversation", json.RawMessage(`{"account_id":"1","conversation_id":"7"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`message 1/7 outgoing "¿sigues ahí?"`,
		`message 1/7 note "nota interna"`,
		`labels 1/7 [vip]`,
		`status 1/7 resolved`,
	}, api.calls)
}

func TestChatwootHandlerClassifiesBadInput(t *testing.T) {
	h := NewChatwootHandler(&fakeChatwoot{})
	ctx := context.Background()

	_, err := h.Execute(ctx, "send_followup", json.RawMessage(`{"account_id":"1"}`), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Execute(ctx, "send_followup", json.RawMessage(`not json`), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Execute(ctx, "brew_coffee", json.RawMessage(`{"account_id":"1","conversation_id":"7"}`), nil)
	assert.ErrorIs(t, err, ErrInvalidActionType)
}

func TestChatwootHandlerRollback(t *testing.T) {
	api := &fakeChatwoot{}
	h := NewChatwootHandler(api)
	ctx := context.Background()

	err := h.Rollback(ctx, "resolve_conversation", json.RawMessage(`{"account_id":"1","conversation_id":"7"}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`status 1/7 open`}, api.calls)

	// Reassignment needs to know who had the conversation before.
	err = h.Rollback(ctx, "assign_conversation", json.RawMessage(`{"account_id":"1","conversation_id":"7","assignee_id":2}`), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = h.Rollback(ctx, "assign_conversation", json.RawMessage(`{"account_id":"1","conversation_id":"7","assignee_id":2,"previous_assignee_id":5}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `assign 1/7 5`, api.calls[len(api.calls)-1])
}

func TestChatwootHandlerValidatePreview(t *testing.T) {
	h := NewChatwootHandler(&fakeChatwoot{})

	result, err := h.Validate(context.Background(), "send_followup",
		json.RawMessage(`{"account_id":"1","conversation_id":"7","content":"hola"}`), nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Contains(t, result.Preview, "hola")

	result, err = h.Validate(context.Background(), "send_followup", json.RawMessage(`{"conversation_id":"7"}`), nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestWebhookHandlerSignsAndPosts(t *testing.T) {
	var gotBody []byte
	var gotTS, gotSig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTS = r.Header.Get("X-Timestamp")
		gotSig = r.Header.Get("X-Signature")
		w.Write([]byte(`{"refund_id":"r-1"}`))
	}))
	defer ts.Close()

	h := NewWebhookHandler(WebhookHandlerOptions{
		Endpoints: map[string]string{"issue_refund": ts.URL},
		Secret:    "s3cret",
	})
	out, err := h.Execute(context.Background(), "issue_refund",
		json.RawMessage(`{"order_id":"o-9","amount":350}`),
		json.RawMessage(`{"branch_id":"centro"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"refund_id":"r-1"}`, string(out))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(gotTS))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookHandlerStatusClassification(t *testing.T) {
	status := http.StatusOK
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer ts.Close()

	h := NewWebhookHandler(WebhookHandlerOptions{Endpoints: map[string]string{"modify_order": ts.URL}})
	run := func() error {
		_, err := h.Execute(context.Background(), "modify_order", json.RawMessage(`{}`), nil)
		return err
	}

	status = http.StatusUnauthorized
	assert.ErrorIs(t, run(), ErrUnauthorized)

	status = http.StatusNotFound
	assert.ErrorIs(t, run(), ErrTargetNotFound)

	status = http.StatusUnprocessableEntity
	assert.ErrorIs(t, run(), ErrInvalidPayload)

	// Upstream trouble stays retryable.
	status = http.StatusServiceUnavailable
	err := run()
	require.Error(t, err)
	assert.False(t, nonRetryable(err))

	_, err = h.Execute(context.Background(), "brew_coffee", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, ErrInvalidActionType)
}

func TestInternalHandler(t *testing.T) {
	h := NewInternalHandler(nil)
	h.Register("notify_staff", func(_ context.Context, payload, _ json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	out, err := h.Execute(context.Background(), "notify_staff", json.RawMessage(`{"message":"hola"}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hola"}`, string(out))

	_, err = h.Execute(context.Background(), "unknown", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidActionType)
}
