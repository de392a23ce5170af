package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	actiontypes "github.com/taniahq/tania/pkg/types/actions"
)

// fakeHandler scripts failures: each call pops the next error, an exhausted
// queue succeeds.
type fakeHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeHandler) Execute(_ context.Context, _ string, _, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func testRegistry() Registry {
	return Registry{
		"notify_staff":     {AutonomyLevel: actiontypes.AutonomyAuto, Handler: actiontypes.HandlerInternal},
		"create_promo":     {AutonomyLevel: actiontypes.AutonomyDraft, Handler: actiontypes.HandlerInternal},
		"update_inventory": {AutonomyLevel: actiontypes.AutonomyApproval, Handler: actiontypes.HandlerInternal},
		"issue_refund": {
			AutonomyLevel: actiontypes.AutonomyCritical,
			Handler:       actiontypes.HandlerInternal,
			Limit:         &Limit{MaxPerDay: 1, ContextKey: "branch_id"},
		},
	}
}

func newTestBus(handler *fakeHandler, opts BusOptions) (*Bus, *MemoryStore) {
	store := NewMemoryStore()
	exec := NewExecutor(store, map[actiontypes.HandlerKind]Handler{
		actiontypes.HandlerInternal: handler,
	}, ExecutorOptions{BaseBackoff: time.Millisecond})
	return NewBus(store, testRegistry(), exec, nil, opts), store
}

func TestAutoActionExecutesImmediately(t *testing.T) {
	handler := &fakeHandler{}
	bus, store := newTestBus(handler, BusOptions{})

	record, err := bus.Propose(context.Background(), Proposal{
		Type:        "notify_staff",
		Payload:     json.RawMessage(`{"message":"se acabó la rosca"}`),
		RequestedBy: "pipeline",
	})
	require.NoError(t, err)

	assert.Equal(t, actiontypes.StateExecuted, record.State)
	assert.Equal(t, "AUTO", record.Metadata.ApprovedBy)
	assert.Equal(t, 1, handler.calls)
	assert.NotEmpty(t, record.Metadata.ExecutionResult)

	stored, err := store.Get(context.Background(), record.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateExecuted, stored.State)
}

func TestDraftParksUntilConfirmed(t *testing.T) {
	handler := &fakeHandler{}
	now := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)
	bus, _ := newTestBus(handler, BusOptions{Now: func() time.Time { return now }})

	record, err := bus.Propose(context.Background(), Proposal{Type: "create_promo"})
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateDraft, record.State)
	require.NotNil(t, record.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *record.ExpiresAt)
	assert.Zero(t, handler.calls)

	confirmed, err := bus.Confirm(context.Background(), record.ActionID, "ana")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateExecuted, confirmed.State)
	assert.Equal(t, "ana", confirmed.Metadata.ApprovedBy)
	assert.Equal(t, 1, handler.calls)

	// Confirm only applies to drafts.
	_, err = bus.Confirm(context.Background(), record.ActionID, "ana")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestApprovalFlow(t *testing.T) {
	handler := &fakeHandler{}
	now := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)
	bus, _ := newTestBus(handler, BusOptions{Now: func() time.Time { return now }})

	record, err := bus.Propose(context.Background(), Proposal{Type: "update_inventory"})
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StatePendingApproval, record.State)
	assert.False(t, record.Metadata.Requires2FA)
	require.NotNil(t, record.ExpiresAt)
	assert.Equal(t, now.Add(48*time.Hour), *record.ExpiresAt)

	approved, err := bus.Approve(context.Background(), record.ActionID, "ana")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateExecuted, approved.State)
	assert.Equal(t, "ana", approved.Metadata.ApprovedBy)
}

func TestCriticalTwoFactorPath(t *testing.T) {
	handler := &fakeHandler{}
	bus, _ := newTestBus(handler, BusOptions{
		Verify2FA: func(_ context.Context, _ *actiontypes.Record, code string) error {
			if code != "314159" {
				return errors.New("code mismatch")
			}
			return nil
		},
	})

	record, err := bus.Propose(context.Background(), Proposal{
		Type:    "issue_refund",
		Context: json.RawMessage(`{"branch_id":"centro"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StatePendingApproval, record.State)
	assert.True(t, record.Metadata.Requires2FA)

	// First approval only advances to the code gate.
	pending, err := bus.Approve(context.Background(), record.ActionID, "ana")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StatePending2FA, pending.State)
	assert.Zero(t, handler.calls)

	// Malformed and wrong codes are both refused.
	_, err = bus.VerifyAndApprove(context.Background(), record.ActionID, "12ab56", "ana")
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = bus.VerifyAndApprove(context.Background(), record.ActionID, "000000", "ana")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Zero(t, handler.calls)

	approved, err := bus.VerifyAndApprove(context.Background(), record.ActionID, "314159", "ana")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateExecuted, approved.State)
	assert.Equal(t, "ana", approved.Metadata.ApprovedBy)
	assert.Equal(t, 1, handler.calls)
}

func TestLimitPolicyRejects(t *testing.T) {
	bus, store := newTestBus(&fakeHandler{}, BusOptions{})
	centro := Proposal{Type: "issue_refund", Context: json.RawMessage(`{"branch_id":"centro"}`)}

	_, err := bus.Propose(context.Background(), centro)
	require.NoError(t, err)

	record, err := bus.Propose(context.Background(), centro)
	assert.ErrorIs(t, err, ErrLimitsExceeded)
	require.NotNil(t, record)
	assert.Equal(t, actiontypes.StateRejected, record.State)
	assert.Equal(t, LimitsExceededReason, record.Metadata.FailureReason)

	// Rejected record is still persisted for audit.
	stored, err := store.Get(context.Background(), record.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateRejected, stored.State)

	// The limit is scoped per branch.
	_, err = bus.Propose(context.Background(), Proposal{
		Type:    "issue_refund",
		Context: json.RawMessage(`{"branch_id":"norte"}`),
	})
	require.NoError(t, err)
}

func TestProposeUnknownType(t *testing.T) {
	bus, _ := newTestBus(&fakeHandler{}, BusOptions{})
	_, err := bus.Propose(context.Background(), Proposal{Type: "launch_rocket"})
	assert.ErrorIs(t, err, ErrUnknownActionType)
}

func TestRejectAndCancel(t *testing.T) {
	handler := &fakeHandler{}
	bus, _ := newTestBus(handler, BusOptions{})

	record, err := bus.Propose(context.Background(), Proposal{Type: "update_inventory"})
	require.NoError(t, err)

	rejected, err := bus.Reject(context.Background(), record.ActionID, "ana", "stock ya corregido")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateRejected, rejected.State)
	assert.Equal(t, "stock ya corregido", rejected.Metadata.FailureReason)
	assert.Zero(t, handler.calls)

	// Terminal records cannot be cancelled.
	_, err = bus.Cancel(context.Background(), record.ActionID, "ana")
	assert.ErrorIs(t, err, ErrStateConflict)

	draft, err := bus.Propose(context.Background(), Proposal{Type: "create_promo"})
	require.NoError(t, err)
	cancelled, err := bus.Cancel(context.Background(), draft.ActionID, "ana")
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateCancelled, cancelled.State)
}

func TestExpireStaleSweepsOverdueDecisions(t *testing.T) {
	now := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)
	bus, store := newTestBus(&fakeHandler{}, BusOptions{Now: func() time.Time { return now }})

	draft, err := bus.Propose(context.Background(), Proposal{Type: "create_promo"})
	require.NoError(t, err)
	pending, err := bus.Propose(context.Background(), Proposal{Type: "update_inventory"})
	require.NoError(t, err)

	// A day later the draft is overdue, the 48h approval window is not.
	later := NewBus(store, testRegistry(), nil, nil, BusOptions{Now: func() time.Time { return now.Add(25 * time.Hour) }})
	swept, err := later.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	expired, err := store.Get(context.Background(), draft.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StateExpired, expired.State)

	alive, err := store.Get(context.Background(), pending.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actiontypes.StatePendingApproval, alive.State)
}
