package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultReloadDelay = time.Second
	maxReloadDelay     = time.Minute
)

// Options tune an ActionQueue. Zero values select the defaults.
type Options struct {
	Now               func() time.Time
	NewID             func() string
	DefaultMaxRetries int
	// ReloadDelay is the first wait before re-reading a record that
	// failed to load. It doubles up to a minute.
	ReloadDelay time.Duration
}

// ActionQueue is the in-memory ordered list of queued actions. Every
// mutation is mirrored to the Store and announced on the EventBus.
type ActionQueue struct {
	mu      sync.RWMutex
	actions []models.QueuedAction

	store  *Store
	bus    *events.EventBus
	logger zerolog.Logger

	now               func() time.Time
	newID             func() string
	defaultMaxRetries int
}

// New loads the persisted queue and rehydrates it. Actions left in syncing
// by an interrupted process come back as pending. When the backend cannot be
// read the queue starts empty, the store keeps the record untouched, and the
// load is retried in the background until it succeeds or ctx is done. The
// recovered actions are then placed ahead of anything enqueued meanwhile.
func New(ctx context.Context, store *Store, bus *events.EventBus, logger *zerolog.Logger, opts Options) *ActionQueue {
	l := logging.Component(logger, "action_queue")
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = models.DefaultMaxRetries
	}

	q := &ActionQueue{
		store:             store,
		bus:               bus,
		logger:            l,
		now:               opts.Now,
		newID:             opts.NewID,
		defaultMaxRetries: opts.DefaultMaxRetries,
	}

	var loaded []models.QueuedAction
	if store != nil {
		var err error
		loaded, err = store.Load(ctx)
		if err != nil {
			q.logger.Error().Err(err).Msg("Failed to load persisted queue, retrying in background")
			loaded = nil
			delay := opts.ReloadDelay
			if delay <= 0 {
				delay = defaultReloadDelay
			}
			go q.reload(ctx, delay)
		}
	}

	reset := rehydrate(loaded)
	q.actions = loaded

	if reset > 0 {
		q.logger.Info().Int("actions", reset).Msg("Rehydrated interrupted actions as pending")
		q.mu.Lock()
		q.persistLocked()
		q.mu.Unlock()
	}
	q.updateGauges(models.CountStatuses(q.actions))
	q.logger.Info().Int("actions", len(q.actions)).Msg("Action queue loaded")
	return q
}

func rehydrate(actions []models.QueuedAction) int {
	reset := 0
	for i := range actions {
		if actions[i].Status == models.StatusSyncing {
			actions[i].Status = models.StatusPending
			reset++
		}
	}
	return reset
}

func (q *ActionQueue) reload(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !q.store.Held() {
			return
		}

		loaded, err := q.store.Load(ctx)
		if err == nil {
			q.adopt(loaded)
			return
		}
		delay = min(delay*2, maxReloadDelay)
		q.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Persisted queue still unreadable")
		timer.Reset(delay)
	}
}

// adopt merges a late-loaded record ahead of the in-memory actions and lets
// the store write again.
func (q *ActionQueue) adopt(loaded []models.QueuedAction) {
	rehydrate(loaded)

	q.mu.Lock()
	if !q.store.Held() {
		// Cleared or closed while loading.
		q.mu.Unlock()
		return
	}
	q.actions = mergeActions(loaded, q.actions)
	snap := q.persistLocked()
	q.store.Release()
	q.mu.Unlock()

	q.logger.Info().Int("recovered", len(loaded)).Int("actions", len(snap)).Msg("Persisted queue recovered")
	q.changed(snap)
	if q.bus != nil {
		q.bus.PublishData(events.EventQueueRecovered, len(loaded))
	}
}

func (q *ActionQueue) snapshotLocked() []models.QueuedAction {
	out := make([]models.QueuedAction, len(q.actions))
	for i := range q.actions {
		out[i] = q.actions[i].Clone()
	}
	return out
}

// persistLocked hands the current state to the store. It must run under the
// write lock so snapshots reach the store in mutation order.
func (q *ActionQueue) persistLocked() []models.QueuedAction {
	snap := q.snapshotLocked()
	if q.store != nil {
		q.store.Save(snap)
	}
	return snap
}

func (q *ActionQueue) indexLocked(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *ActionQueue) updateGauges(c models.StatusCounts) {
	metrics.SetQueueDepth(c.Pending, c.Syncing, c.Failed)
}

func (q *ActionQueue) changed(snap []models.QueuedAction) {
	q.updateGauges(models.CountStatuses(snap))
	if q.bus != nil {
		q.bus.PublishData(events.EventQueueChanged, snap)
	}
}

// Enqueue appends a new pending action and returns its id. Errors report
// caller mistakes only; persistence problems never fail the call.
func (q *ActionQueue) Enqueue(na models.NewAction) (string, error) {
	if strings.TrimSpace(string(na.Type)) == "" {
		return "", errors.New("action type is required")
	}
	if strings.TrimSpace(na.TargetID) == "" {
		return "", errors.New("target id is required")
	}
	if na.MaxRetries < 0 {
		return "", fmt.Errorf("max retries must not be negative, got %d", na.MaxRetries)
	}

	payload, err := encodePayload(na.Payload)
	if err != nil {
		return "", err
	}

	maxRetries := na.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.defaultMaxRetries
	}

	action := models.QueuedAction{
		ID:         q.newID(),
		Type:       na.Type,
		TargetID:   na.TargetID,
		Payload:    payload,
		EnqueuedAt: q.now(),
		MaxRetries: maxRetries,
		Status:     models.StatusPending,
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	snap := q.persistLocked()
	q.mu.Unlock()

	metrics.IncEnqueued(string(action.Type))
	q.logger.Debug().Str("action_id", action.ID).Str("type", string(action.Type)).Msg("Action enqueued")
	q.changed(snap)
	if q.bus != nil {
		q.bus.PublishData(events.EventActionEnqueued, action.Clone())
	}
	return action.ID, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// Remove deletes the action with id. It reports whether anything was removed.
func (q *ActionQueue) Remove(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.actions = append(q.actions[:i], q.actions[i+1:]...)
	snap := q.persistLocked()
	q.mu.Unlock()

	q.changed(snap)
	return true
}

// Clear drops every action and deletes the persisted record.
func (q *ActionQueue) Clear() {
	q.mu.Lock()
	q.actions = nil
	if q.store != nil {
		q.store.Clear()
	}
	q.mu.Unlock()

	q.logger.Info().Msg("Action queue cleared")
	q.changed([]models.QueuedAction{})
}

// List returns a copy of every action in insertion order.
func (q *ActionQueue) List() []models.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.snapshotLocked()
}

func (q *ActionQueue) Get(id string) (models.QueuedAction, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.actions[i].Clone(), true
	}
	return models.QueuedAction{}, false
}

func (q *ActionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.actions)
}

func (q *ActionQueue) Counts() models.StatusCounts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return models.CountStatuses(q.actions)
}

// PendingOrFailed returns the actions that are not currently syncing.
func (q *ActionQueue) PendingOrFailed() []models.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []models.QueuedAction
	for i := range q.actions {
		if q.actions[i].Status != models.StatusSyncing {
			out = append(out, q.actions[i].Clone())
		}
	}
	return out
}

func eligible(a *models.QueuedAction, now time.Time) bool {
	switch a.Status {
	case models.StatusPending:
		return a.DueAt(now)
	case models.StatusFailed:
		return !a.Exhausted()
	default:
		return false
	}
}

// HasEligible reports whether ClaimEligible(now) would claim anything.
func (q *ActionQueue) HasEligible(now time.Time) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for i := range q.actions {
		if eligible(&q.actions[i], now) {
			return true
		}
	}
	return false
}

// ClaimEligible marks every dispatchable action as syncing and returns
// copies in insertion order. Pending actions are dispatchable once their
// retry time has passed; failed actions only while retry budget remains.
func (q *ActionQueue) ClaimEligible(now time.Time) []models.QueuedAction {
	q.mu.Lock()
	var claimed []models.QueuedAction
	for i := range q.actions {
		a := &q.actions[i]
		if !eligible(a, now) {
			continue
		}
		a.Status = models.StatusSyncing
		claimed = append(claimed, a.Clone())
	}
	if len(claimed) == 0 {
		q.mu.Unlock()
		return nil
	}
	snap := q.persistLocked()
	q.mu.Unlock()

	q.changed(snap)
	return claimed
}

// Complete removes a dispatched action. Completing an action that is gone
// is a no-op.
func (q *ActionQueue) Complete(id string) bool {
	return q.Remove(id)
}

// RecordFailure charges a failed dispatch to the action. The action returns
// to pending with its next retry time set by delay, or becomes failed once
// the retry budget is spent or terminalNow is set. It returns the updated
// action and false when the action is no longer syncing.
func (q *ActionQueue) RecordFailure(id string, cause error, delay func(retryCount int) time.Duration, terminalNow bool) (models.QueuedAction, bool) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 || q.actions[i].Status != models.StatusSyncing {
		q.mu.Unlock()
		return models.QueuedAction{}, false
	}

	a := &q.actions[i]
	a.RetryCount++
	if cause != nil {
		a.LastError = cause.Error()
	}
	if terminalNow && a.RetryCount < a.MaxRetries {
		a.RetryCount = a.MaxRetries
	}

	if a.Exhausted() {
		a.Status = models.StatusFailed
		a.NextRetryAt = nil
	} else {
		a.Status = models.StatusPending
		var d time.Duration
		if delay != nil {
			d = delay(a.RetryCount)
		}
		next := q.now().Add(d)
		a.NextRetryAt = &next
	}
	updated := a.Clone()
	snap := q.persistLocked()
	q.mu.Unlock()

	q.changed(snap)
	return updated, true
}

// ResetFailed gives every failed action a fresh retry budget and returns how
// many were reset.
func (q *ActionQueue) ResetFailed() int {
	q.mu.Lock()
	n := 0
	for i := range q.actions {
		a := &q.actions[i]
		if a.Status != models.StatusFailed {
			continue
		}
		a.Status = models.StatusPending
		a.RetryCount = 0
		a.NextRetryAt = nil
		n++
	}
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	snap := q.persistLocked()
	q.mu.Unlock()

	q.logger.Info().Int("actions", n).Msg("Failed actions reset for retry")
	q.changed(snap)
	return n
}

// NextRetryAt returns the earliest scheduled retry among pending actions.
func (q *ActionQueue) NextRetryAt() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var (
		next time.Time
		ok   bool
	)
	for i := range q.actions {
		a := &q.actions[i]
		if a.Status != models.StatusPending || a.NextRetryAt == nil {
			continue
		}
		if !ok || a.NextRetryAt.Before(next) {
			next, ok = *a.NextRetryAt, true
		}
	}
	return next, ok
}

// Subscribe calls fn with a snapshot after every mutation.
func (q *ActionQueue) Subscribe(fn func(actions []models.QueuedAction)) (unsubscribe func()) {
	if q.bus == nil {
		return func() {}
	}
	return q.bus.Subscribe(events.EventQueueChanged, func(e *events.Event) error {
		snap, _ := e.Data.([]models.QueuedAction)
		fn(snap)
		return nil
	})
}

// Flush waits for every pending persistence write.
func (q *ActionQueue) Flush(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	return q.store.Flush(ctx)
}
