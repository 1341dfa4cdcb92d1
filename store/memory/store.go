// Package memory provides a fully in-memory store implementation, safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle with test helpers), so we verify
// each subsystem.
var (
	_ event.Store     = (*Store)(nil)
	_ task.Store      = (*Store)(nil)
	_ dlq.Store       = (*Store)(nil)
	_ audit.Store     = (*Store)(nil)
	_ credit.Store    = (*Store)(nil)
	_ priority.Store  = (*Store)(nil)
	_ lifecycle.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	events        map[string]*event.Event
	tasks         map[string]*task.Task
	dlqs          map[string]*dlq.Entry
	dlqByEvent    map[string]string // event ID -> entry ID
	actions       map[string]*audit.Action
	awards        map[string]*credit.Award
	awardsByKey   map[string]string // idempotency key -> award ID
	priorities    map[string]*priority.Entry
	opportunities map[string]*lifecycle.Opportunity
	requests      map[string]*lifecycle.Request
	offers        map[string]*lifecycle.Offer
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		events:        make(map[string]*event.Event),
		tasks:         make(map[string]*task.Task),
		dlqs:          make(map[string]*dlq.Entry),
		dlqByEvent:    make(map[string]string),
		actions:       make(map[string]*audit.Action),
		awards:        make(map[string]*credit.Award),
		awardsByKey:   make(map[string]string),
		priorities:    make(map[string]*priority.Entry),
		opportunities: make(map[string]*lifecycle.Opportunity),
		requests:      make(map[string]*lifecycle.Request),
		offers:        make(map[string]*lifecycle.Offer),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendEvent persists a new unprocessed event.
func (m *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.ID.String()
	if _, exists := m.events[key]; exists {
		return introq.ErrEventAlreadyExists
	}
	cp := *evt
	cp.Processed = false
	m.events[key] = &cp
	return nil
}

// ClaimEvents atomically claims up to limit unprocessed, unleased events in
// append order and stamps the claim.
func (m *Store) ClaimEvents(_ context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*event.Event, 0, len(m.events))
	for _, evt := range m.events {
		if evt.Processed {
			continue
		}
		if evt.ClaimedUntil != nil && evt.ClaimedUntil.After(now) {
			continue
		}
		candidates = append(candidates, evt)
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*event.Event, len(candidates))
	until := now.Add(lease)
	for i, evt := range candidates {
		evt.ClaimedBy = owner
		u := until
		evt.ClaimedUntil = &u
		// Return a copy so callers can mutate without racing with the store.
		cp := *evt
		result[i] = &cp
	}

	return result, nil
}

// MarkEventProcessed terminally marks an event processed and clears its claim.
func (m *Store) MarkEventProcessed(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return introq.ErrEventNotFound
	}
	evt.Processed = true
	evt.ClaimedBy = id.Nil
	evt.ClaimedUntil = nil
	return nil
}

// RecordEventRetry persists retry bookkeeping and releases the claim so the
// next poll cycle can retry.
func (m *Store) RecordEventRetry(_ context.Context, eventID id.EventID, retry event.RetryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return introq.ErrEventNotFound
	}
	evt.Retry = retry
	evt.ClaimedBy = id.Nil
	evt.ClaimedUntil = nil
	return nil
}

// GetEvent retrieves an event by ID.
func (m *Store) GetEvent(_ context.Context, eventID id.EventID) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return nil, introq.ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

// ListUnprocessedEvents lists unprocessed events in append order.
func (m *Store) ListUnprocessedEvents(_ context.Context, opts event.ListOpts) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*event.Event, 0, len(m.events))
	for _, evt := range m.events {
		if evt.Processed {
			continue
		}
		if opts.Name != "" && evt.Name != opts.Name {
			continue
		}
		cp := *evt
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountEvents counts events matching opts.
func (m *Store) CountEvents(_ context.Context, opts event.CountOpts) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, evt := range m.events {
		if opts.Processed != nil && evt.Processed != *opts.Processed {
			continue
		}
		count++
	}
	return count, nil
}

// LastProcessedAt returns the newest creation time among processed events.
func (m *Store) LastProcessedAt(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *time.Time
	for _, evt := range m.events {
		if !evt.Processed {
			continue
		}
		if last == nil || evt.CreatedAt.After(*last) {
			t := evt.CreatedAt
			last = &t
		}
	}
	return last, nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// CreateTask persists a new pending task.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return introq.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// CancelPendingTasks cancels pending tasks for the given user and name.
func (m *Store) CancelPendingTasks(_ context.Context, userID id.UserID, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for _, t := range m.tasks {
		if t.State != task.StatePending {
			continue
		}
		if t.UserID != userID || t.Name != name {
			continue
		}
		t.State = task.StateCancelled
		cancelled++
	}
	return cancelled, nil
}

// ClaimDueTasks atomically moves due pending tasks to processing, ordered by
// priority rank then scheduled time.
func (m *Store) ClaimDueTasks(_ context.Context, owner id.WorkerID, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != task.StatePending {
			continue
		}
		if t.ScheduledFor.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, k int) bool {
		ri, rk := candidates[i].Priority.Rank(), candidates[k].Priority.Rank()
		if ri != rk {
			return ri < rk
		}
		return candidates[i].ScheduledFor.Before(candidates[k].ScheduledFor)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	_ = owner // single-process store; ownership is implied by the claim

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		t.State = task.StateProcessing
		n := now
		t.LastAttemptedAt = &n
		cp := *t
		result[i] = &cp
	}

	return result, nil
}

// ClaimPendingTask atomically moves one pending task to processing,
// ignoring its scheduled time.
func (m *Store) ClaimPendingTask(_ context.Context, _ id.WorkerID, taskID id.TaskID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, introq.ErrTaskNotFound
	}
	if t.State != task.StatePending {
		return nil, introq.ErrTaskNotPending
	}
	now := time.Now().UTC()
	t.State = task.StateProcessing
	t.LastAttemptedAt = &now
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return introq.ErrTaskNotFound
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, introq.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasksByState lists tasks in the given state, newest first.
func (m *Store) ListTasksByState(_ context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != state {
			continue
		}
		if opts.Name != "" && t.Name != opts.Name {
			continue
		}
		if !opts.UserID.IsNil() && t.UserID != opts.UserID {
			continue
		}
		if opts.AgentKind != "" && t.AgentKind != opts.AgentKind {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountTasks counts tasks matching opts.
func (m *Store) CountTasks(_ context.Context, opts task.CountOpts) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.tasks {
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Name != "" && t.Name != opts.Name {
			continue
		}
		count++
	}
	return count, nil
}

// ReapStaleTasks returns stuck processing tasks to pending.
func (m *Store) ReapStaleTasks(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for _, t := range m.tasks {
		if t.State != task.StateProcessing {
			continue
		}
		if t.LastAttemptedAt == nil || t.LastAttemptedAt.After(olderThan) {
			continue
		}
		t.State = task.StatePending
		reaped++
	}
	return reaped, nil
}

// LastCompletedAt returns the most recent task completion time.
func (m *Store) LastCompletedAt(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *time.Time
	for _, t := range m.tasks {
		if t.CompletedAt == nil {
			continue
		}
		if last == nil || t.CompletedAt.After(*last) {
			ts := *t.CompletedAt
			last = &ts
		}
	}
	return last, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDeadLetter persists a new dead letter entry. Each event may be
// dead-lettered at most once.
func (m *Store) PushDeadLetter(_ context.Context, e *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dlqByEvent[e.EventID.String()]; exists {
		return introq.ErrDuplicateDeadLetter
	}
	cp := *e
	m.dlqs[e.ID.String()] = &cp
	m.dlqByEvent[e.EventID.String()] = e.ID.String()
	return nil
}

// GetDeadLetter retrieves an entry by ID.
func (m *Store) GetDeadLetter(_ context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, introq.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ListDeadLetters lists entries, most recently failed first.
func (m *Store) ListDeadLetters(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.EventName != "" && e.EventName != opts.EventName {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// MarkReplayed stamps the entry's replay time.
func (m *Store) MarkReplayed(_ context.Context, entryID id.DeadLetterID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return introq.ErrDLQNotFound
	}
	t := at
	e.ReplayedAt = &t
	return nil
}

// PurgeDeadLetters deletes entries that failed before cutoff.
func (m *Store) PurgeDeadLetters(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, e := range m.dlqs {
		if e.FailedAt.Before(cutoff) {
			delete(m.dlqs, key)
			delete(m.dlqByEvent, e.EventID.String())
			purged++
		}
	}
	return purged, nil
}

// CountDeadLetters counts all entries.
func (m *Store) CountDeadLetters(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dlqs), nil
}

// ──────────────────────────────────────────────────
// Audit Store
// ──────────────────────────────────────────────────

// RecordAction persists a new audit action.
func (m *Store) RecordAction(_ context.Context, a *audit.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.actions[a.ID.String()] = &cp
	return nil
}

// ListActions lists actions, newest first.
func (m *Store) ListActions(_ context.Context, opts audit.ListOpts) ([]*audit.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*audit.Action, 0, len(m.actions))
	for _, a := range m.actions {
		if !opts.TaskID.IsNil() && a.TaskID != opts.TaskID {
			continue
		}
		if !opts.UserID.IsNil() && a.UserID != opts.UserID {
			continue
		}
		if opts.AgentKind != "" && a.AgentKind != opts.AgentKind {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountActions counts all actions.
func (m *Store) CountActions(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actions), nil
}

// ──────────────────────────────────────────────────
// Credit Store
// ──────────────────────────────────────────────────

// InsertAward persists a new award, enforcing idempotency key uniqueness.
func (m *Store) InsertAward(_ context.Context, a *credit.Award) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.awardsByKey[a.IdempotencyKey]; exists {
		return introq.ErrDuplicateAward
	}
	cp := *a
	m.awards[a.ID.String()] = &cp
	m.awardsByKey[a.IdempotencyKey] = a.ID.String()
	return nil
}

// ListAwards lists a user's awards, newest first.
func (m *Store) ListAwards(_ context.Context, userID id.UserID, limit, offset int) ([]*credit.Award, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*credit.Award, 0, len(m.awards))
	for _, a := range m.awards {
		if a.UserID != userID {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, offset, limit), nil
}

// SumAwards totals a user's credits.
func (m *Store) SumAwards(_ context.Context, userID id.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := 0
	for _, a := range m.awards {
		if a.UserID == userID {
			sum += a.Amount
		}
	}
	return sum, nil
}

// ──────────────────────────────────────────────────
// Priority Store
// ──────────────────────────────────────────────────

// priorityKey identifies the one active entry per (user, item kind, item).
func priorityKey(userID id.UserID, itemKind string, itemID id.ID) string {
	return userID.String() + ":" + itemKind + ":" + itemID.String()
}

// UpsertActive inserts an active entry, replacing any existing active entry
// for the same (user, item kind, item).
func (m *Store) UpsertActive(_ context.Context, e *priority.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.Status = priority.StatusActive
	m.priorities[priorityKey(e.UserID, e.ItemKind, e.ItemID)] = &cp
	return nil
}

// SetStatus moves the entry for (user, item kind, item) to status. Missing
// entries are a no-op.
func (m *Store) SetStatus(_ context.Context, userID id.UserID, itemKind string, itemID id.ID, status priority.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.priorities[priorityKey(userID, itemKind, itemID)]
	if !ok {
		return nil
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// NextForUser returns the user's highest-scored active entry.
func (m *Store) NextForUser(_ context.Context, userID id.UserID) (*priority.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *priority.Entry
	for _, e := range m.priorities {
		if e.UserID != userID || e.Status != priority.StatusActive {
			continue
		}
		if best == nil || e.Score > best.Score {
			best = e
		}
	}
	if best == nil {
		return nil, introq.ErrPriorityNotFound
	}
	cp := *best
	return &cp, nil
}

// ListForUser returns the user's active entries by descending score.
func (m *Store) ListForUser(_ context.Context, userID id.UserID, limit int) ([]*priority.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*priority.Entry, 0)
	for _, e := range m.priorities {
		if e.UserID != userID || e.Status != priority.StatusActive {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Score > result[k].Score
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ExpireBefore expires active entries whose expiry precedes cutoff.
func (m *Store) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for _, e := range m.priorities {
		if e.Status != priority.StatusActive || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.Before(cutoff) {
			e.Status = priority.StatusExpired
			e.UpdatedAt = time.Now().UTC()
			expired++
		}
	}
	return expired, nil
}

// ──────────────────────────────────────────────────
// Lifecycle Store
// ──────────────────────────────────────────────────

// CreateOpportunity persists a new opportunity.
func (m *Store) CreateOpportunity(_ context.Context, o *lifecycle.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.opportunities[o.ID.String()] = &cp
	return nil
}

// GetOpportunity retrieves an opportunity by ID.
func (m *Store) GetOpportunity(_ context.Context, oppID id.OpportunityID) (*lifecycle.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.opportunities[oppID.String()]
	if !ok {
		return nil, introq.ErrOpportunityNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateOpportunity persists changes to an existing opportunity.
func (m *Store) UpdateOpportunity(_ context.Context, o *lifecycle.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := o.ID.String()
	if _, ok := m.opportunities[key]; !ok {
		return introq.ErrOpportunityNotFound
	}
	cp := *o
	cp.UpdatedAt = time.Now().UTC()
	m.opportunities[key] = &cp
	return nil
}

// CreateRequest persists a new connection request.
func (m *Store) CreateRequest(_ context.Context, r *lifecycle.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID.String()] = &cp
	return nil
}

// GetRequest retrieves a request by ID.
func (m *Store) GetRequest(_ context.Context, reqID id.RequestID) (*lifecycle.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[reqID.String()]
	if !ok {
		return nil, introq.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateRequest persists changes to an existing request.
func (m *Store) UpdateRequest(_ context.Context, r *lifecycle.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.requests[key]; !ok {
		return introq.ErrRequestNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	m.requests[key] = &cp
	return nil
}

// CreateOffer persists a new intro offer.
func (m *Store) CreateOffer(_ context.Context, o *lifecycle.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID.String()] = &cp
	return nil
}

// GetOffer retrieves an offer by ID.
func (m *Store) GetOffer(_ context.Context, offerID id.OfferID) (*lifecycle.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[offerID.String()]
	if !ok {
		return nil, introq.ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateOffer persists changes to an existing offer.
func (m *Store) UpdateOffer(_ context.Context, o *lifecycle.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := o.ID.String()
	if _, ok := m.offers[key]; !ok {
		return introq.ErrOfferNotFound
	}
	cp := *o
	cp.UpdatedAt = time.Now().UTC()
	m.offers[key] = &cp
	return nil
}

// ListActiveBySubject returns all workflows for the subject still in their
// initial status, across variants.
func (m *Store) ListActiveBySubject(_ context.Context, subjectID id.UserID) ([]lifecycle.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refsBySubject(subjectID, func(s lifecycle.Status) bool {
		return s == lifecycle.StatusOpen || s == lifecycle.StatusCreated
	}), nil
}

// ListPausedBySubject returns all paused workflows for the subject, across
// variants.
func (m *Store) ListPausedBySubject(_ context.Context, subjectID id.UserID) ([]lifecycle.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refsBySubject(subjectID, func(s lifecycle.Status) bool {
		return s == lifecycle.StatusPaused
	}), nil
}

func (m *Store) refsBySubject(subjectID id.UserID, match func(lifecycle.Status) bool) []lifecycle.Ref {
	refs := make([]lifecycle.Ref, 0)
	for _, o := range m.opportunities {
		if o.SubjectID == subjectID && match(o.Status) {
			refs = append(refs, lifecycle.Ref{
				Kind: lifecycle.KindOpportunity, ID: o.ID, SubjectID: o.SubjectID,
				OwnerUserID: o.ConnectorUserID, Status: o.Status, Bounty: o.BountyCredits,
			})
		}
	}
	for _, r := range m.requests {
		if r.SubjectID == subjectID && match(r.Status) {
			refs = append(refs, lifecycle.Ref{
				Kind: lifecycle.KindRequest, ID: r.ID, SubjectID: r.SubjectID,
				OwnerUserID: r.RequestorUserID, Status: r.Status,
			})
		}
	}
	for _, o := range m.offers {
		if o.SubjectID == subjectID && match(o.Status) {
			refs = append(refs, lifecycle.Ref{
				Kind: lifecycle.KindOffer, ID: o.ID, SubjectID: o.SubjectID,
				OwnerUserID: o.OfferingUserID, Status: o.Status, Bounty: o.BountyCredits,
			})
		}
	}
	return refs
}

// UpdateWorkflowStatus sets the status of a single workflow by kind and ID.
func (m *Store) UpdateWorkflowStatus(_ context.Context, kind lifecycle.Kind, entityID id.ID, status lifecycle.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entityID.String()
	now := time.Now().UTC()
	switch kind {
	case lifecycle.KindOpportunity:
		o, ok := m.opportunities[key]
		if !ok {
			return introq.ErrOpportunityNotFound
		}
		o.Status = status
		o.UpdatedAt = now
	case lifecycle.KindRequest:
		r, ok := m.requests[key]
		if !ok {
			return introq.ErrRequestNotFound
		}
		r.Status = status
		r.UpdatedAt = now
	case lifecycle.KindOffer:
		o, ok := m.offers[key]
		if !ok {
			return introq.ErrOfferNotFound
		}
		o.Status = status
		o.UpdatedAt = now
	default:
		return introq.ErrInvalidTransition
	}
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
