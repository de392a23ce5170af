// Package actions implements the action bus: side effects proposed by the
// assistant flow through an autonomy-gated lifecycle before a handler is
// allowed to touch an external system.
package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	actiontypes "github.com/taniahq/tania/pkg/types/actions"
)

// ErrNotFound is returned when no record exists for an action id.
var ErrNotFound = errors.New("action not found")

// Store persists action records through their lifecycle.
type Store interface {
	Insert(ctx context.Context, record *actiontypes.Record) error
	Get(ctx context.Context, actionID string) (*actiontypes.Record, error)
	Update(ctx context.Context, record *actiontypes.Record) error
	ListByState(ctx context.Context, state actiontypes.State, limit int) ([]*actiontypes.Record, error)
	// CountActive counts non-terminal records of a type whose context field
	// matches, created at or after the window start. Limit policies use it.
	CountActive(ctx context.Context, actionType, contextKey, contextValue string, since time.Time) (int, error)
	// ExpireStale flips every overdue awaiting-decision record to EXPIRED and
	// returns how many it swept.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// SQLStore is the Postgres-backed action store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates an action store over an open database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type actionRow struct {
	ActionID      string     `db:"action_id"`
	ActionType    string     `db:"action_type"`
	Payload       []byte     `db:"payload"`
	Context       []byte     `db:"context"`
	RequestedBy   string     `db:"requested_by"`
	Reason        string     `db:"reason"`
	AutonomyLevel string     `db:"autonomy_level"`
	Handler       string     `db:"handler"`
	State         string     `db:"state"`
	Metadata      []byte     `db:"metadata"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	ExpiresAt     *time.Time `db:"expires_at"`
}

func (r actionRow) toRecord() (*actiontypes.Record, error) {
	record := &actiontypes.Record{
		ActionID:      r.ActionID,
		ActionType:    r.ActionType,
		Payload:       json.RawMessage(r.Payload),
		Context:       json.RawMessage(r.Context),
		RequestedBy:   r.RequestedBy,
		Reason:        r.Reason,
		AutonomyLevel: actiontypes.AutonomyLevel(r.AutonomyLevel),
		Handler:       actiontypes.HandlerKind(r.Handler),
		State:         actiontypes.State(r.State),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		ExpiresAt:     r.ExpiresAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &record.Metadata); err != nil {
			return nil, errors.Wrap(err, "failed to decode action metadata")
		}
	}
	return record, nil
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// Insert persists a freshly proposed record.
func (s *SQLStore) Insert(ctx context.Context, record *actiontypes.Record) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to encode action metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_bus (action_id, action_type, payload, context, requested_by, reason,
			autonomy_level, handler, state, metadata, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, record.ActionID, record.ActionType, jsonOrEmpty(record.Payload), jsonOrEmpty(record.Context),
		record.RequestedBy, record.Reason, record.AutonomyLevel, record.Handler, record.State,
		metadata, record.CreatedAt, record.UpdatedAt, record.ExpiresAt)
	return errors.Wrap(err, "failed to insert action record")
}

// Get loads one record by id.
func (s *SQLStore) Get(ctx context.Context, actionID string) (*actiontypes.Record, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT action_id, action_type, payload, context, requested_by, reason,
			autonomy_level, handler, state, metadata, created_at, updated_at, expires_at
		FROM action_bus
		WHERE action_id = $1
	`, actionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load action record")
	}
	return row.toRecord()
}

// Update writes state, metadata and expiry back; the lifecycle bumps
// updated_at on every transition.
func (s *SQLStore) Update(ctx context.Context, record *actiontypes.Record) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to encode action metadata")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_bus
		SET state = $2, metadata = $3, expires_at = $4, updated_at = now()
		WHERE action_id = $1
	`, record.ActionID, record.State, metadata, record.ExpiresAt)
	if err != nil {
		return errors.Wrap(err, "failed to update action record")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByState returns the oldest records in a state, for approval queues and
// dashboards.
func (s *SQLStore) ListByState(ctx context.Context, state actiontypes.State, limit int) ([]*actiontypes.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT action_id, action_type, payload, context, requested_by, reason,
			autonomy_level, handler, state, metadata, created_at, updated_at, expires_at
		FROM action_bus
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list action records")
	}
	records := make([]*actiontypes.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// CountActive counts live records of a type scoped by a context field, e.g.
// refunds per branch in the last day.
func (s *SQLStore) CountActive(ctx context.Context, actionType, contextKey, contextValue string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*)
		FROM action_bus
		WHERE action_type = $1
		  AND context->>$2 = $3
		  AND created_at >= $4
		  AND state NOT IN ('REJECTED', 'CANCELLED', 'EXPIRED')
	`, actionType, contextKey, contextValue, since)
	return count, errors.Wrap(err, "failed to count action records")
}

// ExpireStale sweeps overdue records that are still awaiting a decision.
func (s *SQLStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_bus
		SET state = 'EXPIRED', updated_at = now()
		WHERE expires_at IS NOT NULL
		  AND expires_at <= $1
		  AND state IN ('PROPOSED', 'DRAFT', 'PENDING_APPROVAL', 'PENDING_2FA')
	`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire stale actions")
	}
	n, err := result.RowsAffected()
	return n, errors.Wrap(err, "failed to read expired action count")
}

// MemoryStore keeps action records in memory. It backs tests and dev setups
// without a database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*actiontypes.Record
}

// NewMemoryStore creates an empty in-memory action store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*actiontypes.Record{}}
}

func (s *MemoryStore) Insert(_ context.Context, record *actiontypes.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[record.ActionID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, actionID string) (*actiontypes.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[actionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) Update(_ context.Context, record *actiontypes.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ActionID]; !ok {
		return ErrNotFound
	}
	clone := *record
	clone.UpdatedAt = time.Now()
	s.records[record.ActionID] = &clone
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state actiontypes.State, limit int) ([]*actiontypes.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*actiontypes.Record
	for _, record := range s.records {
		if record.State == state {
			clone := *record
			records = append(records, &clone)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) CountActive(_ context.Context, actionType, contextKey, contextValue string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, record := range s.records {
		if record.ActionType != actionType || record.CreatedAt.Before(since) {
			continue
		}
		switch record.State {
		case actiontypes.StateRejected, actiontypes.StateCancelled, actiontypes.StateExpired:
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(jsonOrEmpty(record.Context), &fields); err != nil {
			continue
		}
		if value, ok := fields[contextKey].(string); ok && value == contextValue {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for _, record := range s.records {
		if record.ExpiresAt == nil || record.ExpiresAt.After(now) {
			continue
		}
		switch record.State {
		case actiontypes.StateProposed, actiontypes.StateDraft, actiontypes.StatePendingApproval, actiontypes.StatePending2FA:
			record.State = actiontypes.StateExpired
			record.UpdatedAt = now
			swept++
		}
	}
	return swept, nil
}
