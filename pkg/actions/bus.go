package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
)

var (
	// ErrUnknownActionType is returned for proposals whose type has no
	// registry entry.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrLimitsExceeded is returned when a limit policy rejects a proposal.
	// The rejected record is still persisted for audit.
	ErrLimitsExceeded = errors.New("action limits exceeded")
	// ErrStateConflict is returned when a requested transition is not legal
	// from the record's current state.
	ErrStateConflict = errors.New("illegal action state transition")
	// ErrInvalidCode is returned when a 2FA code fails verification.
	ErrInvalidCode = errors.New("invalid verification code")
)

// LimitsExceededReason is recorded on actions rejected by a limit policy.
const LimitsExceededReason = "LIMITS_EXCEEDED"

// approvedByAuto marks records the bus approved without a human.
const approvedByAuto = "AUTO"

// Limit caps how many live actions of a type may exist per context scope in
// a rolling day.
type Limit struct {
	MaxPerDay  int
	ContextKey string
}

// Definition is one registry entry: how much oversight an action type needs,
// which handler runs it, and an optional limit policy.
type Definition struct {
	AutonomyLevel actiontypes.AutonomyLevel
	Handler       actiontypes.HandlerKind
	Limit         *Limit
}

// Registry maps action types to their definitions. It is static per process.
type Registry map[string]Definition

// DefaultRegistry covers the action types the assistant proposes today.
func DefaultRegistry() Registry {
	return Registry{
		"send_followup":           {AutonomyLevel: actiontypes.AutonomyAuto, Handler: actiontypes.HandlerChatwoot},
		"add_conversation_labels": {AutonomyLevel: actiontypes.AutonomyAuto, Handler: actiontypes.HandlerChatwoot},
		"resolve_conversation":    {AutonomyLevel: actiontypes.AutonomyAuto, Handler: actiontypes.HandlerChatwoot},
		"assign_conversation":     {AutonomyLevel: actiontypes.AutonomyDraft, Handler: actiontypes.HandlerChatwoot},
		"notify_staff":            {AutonomyLevel: actiontypes.AutonomyAuto, Handler: actiontypes.HandlerInternal},
		"update_inventory":        {AutonomyLevel: actiontypes.AutonomyApproval, Handler: actiontypes.HandlerSheets},
		"create_promo":            {AutonomyLevel: actiontypes.AutonomyDraft, Handler: actiontypes.HandlerSheets},
		"modify_order":            {AutonomyLevel: actiontypes.AutonomyApproval, Handler: actiontypes.HandlerWebhook},
		"issue_refund": {
			AutonomyLevel: actiontypes.AutonomyCritical,
			Handler:       actiontypes.HandlerWebhook,
			Limit:         &Limit{MaxPerDay: 5, ContextKey: "branch_id"},
		},
	}
}

// Notifier is told when a record needs a human decision. Optional.
type Notifier interface {
	NotifyApprovalNeeded(ctx context.Context, record *actiontypes.Record)
}

// Runner executes an approved record. Satisfied by *Executor.
type Runner interface {
	Run(ctx context.Context, record *actiontypes.Record) error
}

// BusOptions tune lifecycle expiries and code verification.
type BusOptions struct {
	DraftTTL    time.Duration // default 24h
	ApprovalTTL time.Duration // default 48h
	// Verify2FA checks a well-formed code against the out-of-band channel.
	// Nil accepts any well-formed 6-digit code (dev setups).
	Verify2FA func(ctx context.Context, record *actiontypes.Record, code string) error
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o BusOptions) withDefaults() BusOptions {
	if o.DraftTTL <= 0 {
		o.DraftTTL = 24 * time.Hour
	}
	if o.ApprovalTTL <= 0 {
		o.ApprovalTTL = 48 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Bus routes proposed actions through the autonomy gate and lifecycle.
type Bus struct {
	store    Store
	registry Registry
	runner   Runner
	notifier Notifier
	opts     BusOptions
}

// NewBus wires the action bus. runner and notifier may be nil.
func NewBus(store Store, registry Registry, runner Runner, notifier Notifier, opts BusOptions) *Bus {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Bus{
		store:    store,
		registry: registry,
		runner:   runner,
		notifier: notifier,
		opts:     opts.withDefaults(),
	}
}

// Proposal is one side effect the assistant wants performed.
type Proposal struct {
	Type        string
	Payload     json.RawMessage
	Context     json.RawMessage
	RequestedBy string
	Reason      string
}

// Propose persists the action and routes it by autonomy level. Auto actions
// execute before Propose returns; everything else parks awaiting a decision.
// Limit-rejected proposals are persisted as REJECTED and return
// ErrLimitsExceeded alongside the record.
func (b *Bus) Propose(ctx context.Context, proposal Proposal) (*actiontypes.Record, error) {
	def, ok := b.registry[proposal.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownActionType, "%q", proposal.Type)
	}

	now := b.opts.Now()
	record := &actiontypes.Record{
		ActionID:      uuid.NewString(),
		ActionType:    proposal.Type,
		Payload:       proposal.Payload,
		Context:       proposal.Context,
		RequestedBy:   proposal.RequestedBy,
		Reason:        proposal.Reason,
		AutonomyLevel: def.AutonomyLevel,
		Handler:       def.Handler,
		State:         actiontypes.StateProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	exceeded, err := b.limitsExceeded(ctx, def, proposal, now)
	if err != nil {
		return nil, err
	}
	if exceeded {
		record.State = actiontypes.StateRejected
		record.Metadata.FailureReason = LimitsExceededReason
		if err := b.store.Insert(ctx, record); err != nil {
			return nil, err
		}
		logger.G(ctx).WithField("action_type", proposal.Type).Warn("action rejected by limit policy")
		return record, ErrLimitsExceeded
	}

	if err := b.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	switch def.AutonomyLevel {
	case actiontypes.AutonomyAuto:
		if err := b.transition(ctx, record, actiontypes.StateApproved, func(r *actiontypes.Record) {
			r.Metadata.ApprovedBy = approvedByAuto
		}); err != nil {
			return record, err
		}
		return record, b.dispatch(ctx, record)
	case actiontypes.AutonomyDraft:
		expires := now.Add(b.opts.DraftTTL)
		if err := b.transition(ctx, record, actiontypes.StateDraft, func(r *actiontypes.Record) {
			r.ExpiresAt = &expires
		}); err != nil {
			return record, err
		}
	case actiontypes.AutonomyApproval, actiontypes.AutonomyCritical:
		expires := now.Add(b.opts.ApprovalTTL)
		if err := b.transition(ctx, record, actiontypes.StatePendingApproval, func(r *actiontypes.Record) {
			r.ExpiresAt = &expires
			r.Metadata.Requires2FA = def.AutonomyLevel == actiontypes.AutonomyCritical
		}); err != nil {
			return record, err
		}
	default:
		return nil, errors.Errorf("unknown autonomy level %q for action type %q", def.AutonomyLevel, proposal.Type)
	}

	if b.notifier != nil {
		b.notifier.NotifyApprovalNeeded(ctx, record)
	}
	return record, nil
}

func (b *Bus) limitsExceeded(ctx context.Context, def Definition, proposal Proposal, now time.Time) (bool, error) {
	if def.Limit == nil || def.Limit.MaxPerDay <= 0 {
		return false, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(jsonOrEmpty(proposal.Context), &fields); err != nil {
		return false, errors.Wrap(err, "failed to decode proposal context")
	}
	value, _ := fields[def.Limit.ContextKey].(string)
	if value == "" {
		return false, nil
	}
	count, err := b.store.CountActive(ctx, proposal.Type, def.Limit.ContextKey, value, now.Add(-24*time.Hour))
	if err != nil {
		return false, err
	}
	return count >= def.Limit.MaxPerDay, nil
}

// Approve moves a pending record forward. Records flagged for 2FA park in
// PENDING_2FA until VerifyAndApprove; everything else goes to APPROVED and
// executes.
func (b *Bus) Approve(ctx context.Context, actionID, approvedBy string) (*actiontypes.Record, error) {
	record, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if record.Metadata.Requires2FA && record.State == actiontypes.StatePendingApproval {
		if err := b.transition(ctx, record, actiontypes.StatePending2FA, nil); err != nil {
			return record, err
		}
		return record, nil
	}
	if err := b.transition(ctx, record, actiontypes.StateApproved, func(r *actiontypes.Record) {
		r.Metadata.ApprovedBy = approvedBy
	}); err != nil {
		return record, err
	}
	return record, b.dispatch(ctx, record)
}

// VerifyAndApprove completes the critical path: a well-formed, verified
// 6-digit code moves a PENDING_2FA record to APPROVED and executes it.
func (b *Bus) VerifyAndApprove(ctx context.Context, actionID, code, approvedBy string) (*actiontypes.Record, error) {
	record, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if record.State != actiontypes.StatePending2FA {
		return record, errors.Wrapf(ErrStateConflict, "%s is not awaiting a code", record.State)
	}
	if !wellFormedCode(code) {
		return record, ErrInvalidCode
	}
	if b.opts.Verify2FA != nil {
		if err := b.opts.Verify2FA(ctx, record, code); err != nil {
			return record, errors.Wrap(ErrInvalidCode, err.Error())
		}
	}
	if err := b.transition(ctx, record, actiontypes.StateApproved, func(r *actiontypes.Record) {
		r.Metadata.ApprovedBy = approvedBy
	}); err != nil {
		return record, err
	}
	return record, b.dispatch(ctx, record)
}

// Confirm approves a DRAFT record and executes it.
func (b *Bus) Confirm(ctx context.Context, actionID, confirmedBy string) (*actiontypes.Record, error) {
	record, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if record.State != actiontypes.StateDraft {
		return record, errors.Wrapf(ErrStateConflict, "%s is not a draft", record.State)
	}
	if err := b.transition(ctx, record, actiontypes.StateApproved, func(r *actiontypes.Record) {
		r.Metadata.ApprovedBy = confirmedBy
	}); err != nil {
		return record, err
	}
	return record, b.dispatch(ctx, record)
}

// Reject declines a record awaiting a decision.
func (b *Bus) Reject(ctx context.Context, actionID, rejectedBy, reason string) (*actiontypes.Record, error) {
	record, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := b.transition(ctx, record, actiontypes.StateRejected, func(r *actiontypes.Record) {
		r.Metadata.ApprovedBy = rejectedBy
		r.Metadata.FailureReason = reason
	}); err != nil {
		return record, err
	}
	return record, nil
}

// Cancel withdraws a record that has not started executing.
func (b *Bus) Cancel(ctx context.Context, actionID, cancelledBy string) (*actiontypes.Record, error) {
	record, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !record.State.Cancellable() {
		return record, errors.Wrapf(ErrStateConflict, "%s cannot be cancelled", record.State)
	}
	if err := b.transition(ctx, record, actiontypes.StateCancelled, func(r *actiontypes.Record) {
		r.Metadata.ApprovedBy = cancelledBy
	}); err != nil {
		return record, err
	}
	return record, nil
}

// ExpireStale sweeps overdue awaiting-decision records. Run it periodically.
func (b *Bus) ExpireStale(ctx context.Context) (int64, error) {
	return b.store.ExpireStale(ctx, b.opts.Now())
}

func (b *Bus) transition(ctx context.Context, record *actiontypes.Record, to actiontypes.State, mutate func(*actiontypes.Record)) error {
	if !actiontypes.CanTransition(record.State, to) {
		return errors.Wrapf(ErrStateConflict, "%s -> %s", record.State, to)
	}
	record.State = to
	record.UpdatedAt = b.opts.Now()
	if mutate != nil {
		mutate(record)
	}
	return b.store.Update(ctx, record)
}

func (b *Bus) dispatch(ctx context.Context, record *actiontypes.Record) error {
	if b.runner == nil {
		return nil
	}
	return b.runner.Run(ctx, record)
}

func wellFormedCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
