package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/scheduler"

	"github.com/rs/zerolog"
)

const sinkTimeout = 10 * time.Second

// Connectivity is the view of the network the engine needs.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type EngineOptions struct {
	Retry               RetryPolicy
	SettleDelay         time.Duration
	SyncOnEnqueue       bool
	MaxConcurrency      int
	DispatchTimeout     time.Duration
	FailFastOnPermanent bool
	Sinks               []domain.FailureSink
}

// SyncEngine drains the action queue against a dispatcher. At most one pass
// runs at a time; within a pass every claimed action is dispatched
// concurrently.
type SyncEngine struct {
	queue      *queue.ActionQueue
	dispatcher domain.ActionDispatcher
	conn       Connectivity
	sched      scheduler.Scheduler
	bus        *events.EventBus
	logger     zerolog.Logger
	opts       EngineOptions

	mu           sync.Mutex
	syncing      bool
	rerun        bool
	closed       bool
	lastSyncAt   *time.Time
	settleCancel scheduler.CancelFunc
	retryCancel  scheduler.CancelFunc
	unsubs       []func()

	passes sync.WaitGroup
}

func NewSyncEngine(
	q *queue.ActionQueue,
	dispatcher domain.ActionDispatcher,
	conn Connectivity,
	sched scheduler.Scheduler,
	bus *events.EventBus,
	logger *zerolog.Logger,
	opts EngineOptions,
) *SyncEngine {
	if sched == nil {
		sched = scheduler.NewReal()
	}
	if bus == nil {
		bus = events.NewEventBus()
	}
	l := logging.Component(logger, "sync_engine")
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = models.DefaultSettleDelay
	}
	if opts.Retry.InitialDelay <= 0 && opts.Retry.BackoffFactor <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	return &SyncEngine{
		queue:      q,
		dispatcher: dispatcher,
		conn:       conn,
		sched:      sched,
		bus:        bus,
		logger:     l,
		opts:       opts,
	}
}

// Start wires the automatic triggers. When the device is online and work is
// waiting, a pass is scheduled after the settle delay.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.conn != nil {
		e.unsubs = append(e.unsubs, e.conn.Subscribe(e.onConnectivity))
	}
	e.unsubs = append(e.unsubs, e.bus.Subscribe(events.EventQueueRecovered, func(*events.Event) error {
		e.requestSync()
		return nil
	}))
	if e.opts.SyncOnEnqueue {
		e.unsubs = append(e.unsubs, e.bus.Subscribe(events.EventActionEnqueued, func(*events.Event) error {
			e.requestSync()
			return nil
		}))
	}
	if e.online() && e.queue.HasEligible(e.sched.Now()) {
		e.scheduleSettleLocked()
	}
	e.mu.Unlock()

	e.armRetryTimer()
	e.logger.Info().Bool("online", e.online()).Int("queued", e.queue.Len()).Msg("Sync engine started")
}

func (e *SyncEngine) online() bool {
	return e.conn == nil || e.conn.Online()
}

func (e *SyncEngine) onConnectivity(online bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if online {
		e.scheduleSettleLocked()
	} else if e.settleCancel != nil {
		e.settleCancel()
		e.settleCancel = nil
	}
	e.mu.Unlock()
}

func (e *SyncEngine) scheduleSettleLocked() {
	if e.settleCancel != nil {
		e.settleCancel()
	}
	e.settleCancel = e.sched.ScheduleAfter(e.opts.SettleDelay, func() {
		e.mu.Lock()
		e.settleCancel = nil
		e.mu.Unlock()
		e.requestSync()
	})
}

// Sync starts a pass in the background. It returns false without doing
// anything when offline, closed or while another pass is running.
func (e *SyncEngine) Sync() bool {
	e.mu.Lock()
	if e.closed || e.syncing || !e.online() {
		e.mu.Unlock()
		return false
	}
	e.syncing = true
	now := e.sched.Now()
	e.lastSyncAt = &now
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
	e.passes.Add(1)
	e.mu.Unlock()

	claimed := e.queue.ClaimEligible(now)
	e.logger.Debug().Int("actions", len(claimed)).Msg("Sync pass started")
	e.bus.PublishData(events.EventSyncStarted, len(claimed))

	go e.runPass(claimed, now)
	return true
}

// Wait blocks until every running pass has finished.
func (e *SyncEngine) Wait() {
	e.passes.Wait()
}

func (e *SyncEngine) runPass(claimed []models.QueuedAction, started time.Time) {
	defer e.passes.Done()

	result := models.SyncResult{Attempted: len(claimed), StartedAt: started}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem chan struct{}
	)
	if e.opts.MaxConcurrency > 0 {
		sem = make(chan struct{}, e.opts.MaxConcurrency)
	}

	for _, action := range claimed {
		wg.Add(1)
		if sem != nil {
			sem <- struct{}{}
		}
		go func(action models.QueuedAction) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			outcome := e.process(action)

			mu.Lock()
			switch outcome {
			case metrics.OutcomeSucceeded:
				result.Succeeded++
			case metrics.OutcomeRescheduled:
				result.Rescheduled++
			case metrics.OutcomeFailed:
				result.Failed++
			}
			mu.Unlock()
		}(action)
	}
	wg.Wait()

	result.Duration = e.sched.Now().Sub(started)
	metrics.ObserveSyncPass(result.Duration)

	e.mu.Lock()
	e.syncing = false
	rerun := e.rerun && !e.closed
	e.rerun = false
	e.mu.Unlock()

	e.logger.Info().
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("rescheduled", result.Rescheduled).
		Int("failed", result.Failed).
		Msg("Sync pass finished")
	if err := e.bus.PublishJSON(events.EventSyncFinished, result); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to publish sync result")
	}

	if rerun {
		e.Sync()
	}
	e.armRetryTimer()
}

// process dispatches one action and records the outcome in the queue.
func (e *SyncEngine) process(action models.QueuedAction) string {
	err := e.dispatch(action)
	if err == nil {
		e.queue.Complete(action.ID)
		metrics.IncDispatch(string(action.Type), metrics.OutcomeSucceeded)
		return metrics.OutcomeSucceeded
	}

	terminalNow := e.opts.FailFastOnPermanent && errors.Is(err, domain.ErrPermanent)
	updated, ok := e.queue.RecordFailure(action.ID, err, e.opts.Retry.NextDelay, terminalNow)
	if !ok {
		// Removed by the caller while in flight.
		return ""
	}

	if updated.Status != models.StatusFailed {
		e.logger.Warn().Err(err).
			Str("action_id", action.ID).
			Int("retry_count", updated.RetryCount).
			Msg("Dispatch failed, retry scheduled")
		metrics.IncDispatch(string(action.Type), metrics.OutcomeRescheduled)
		return metrics.OutcomeRescheduled
	}

	e.logger.Error().Err(err).
		Str("action_id", action.ID).
		Str("type", string(action.Type)).
		Int("retry_count", updated.RetryCount).
		Msg("Action failed permanently")
	metrics.IncDispatch(string(action.Type), metrics.OutcomeFailed)
	e.reportFailure(updated, err)
	return metrics.OutcomeFailed
}

func (e *SyncEngine) dispatch(action models.QueuedAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()

	if e.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}

	ctx := context.Background()
	if e.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DispatchTimeout)
		defer cancel()
	}
	return e.dispatcher.Execute(ctx, action)
}

func (e *SyncEngine) reportFailure(action models.QueuedAction, cause error) {
	e.bus.PublishData(events.EventActionFailed, action)

	if len(e.opts.Sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	for _, sink := range e.opts.Sinks {
		if err := sink.ActionFailed(ctx, action, cause); err != nil {
			e.logger.Error().Err(err).Str("action_id", action.ID).Msg("Failure sink rejected action")
		}
	}
}

// armRetryTimer schedules a pass at the earliest pending retry time.
func (e *SyncEngine) armRetryTimer() {
	next, ok := e.queue.NextRetryAt()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
	if !ok || e.closed || e.syncing {
		return
	}
	e.retryCancel = e.sched.ScheduleAfter(next.Sub(e.sched.Now()), func() {
		e.mu.Lock()
		e.retryCancel = nil
		e.mu.Unlock()
		e.Sync()
	})
}

// RetryFailedActions resets every failed action and starts a pass when
// online. A running pass is followed by another one.
func (e *SyncEngine) RetryFailedActions() int {
	n := e.queue.ResetFailed()
	e.requestSync()
	return n
}

// requestSync starts a pass when online, or queues one behind the pass
// that is already running.
func (e *SyncEngine) requestSync() {
	e.mu.Lock()
	if e.closed || !e.online() {
		e.mu.Unlock()
		return
	}
	if e.syncing {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.Sync()
}

// State returns the observable queue and engine state.
func (e *SyncEngine) State() models.SyncState {
	actions := e.queue.List()
	counts := models.CountStatuses(actions)

	e.mu.Lock()
	isSyncing := e.syncing
	var last *time.Time
	if e.lastSyncAt != nil {
		t := *e.lastSyncAt
		last = &t
	}
	e.mu.Unlock()

	return models.SyncState{
		Actions:      actions,
		Count:        len(actions),
		PendingCount: counts.Pending,
		SyncingCount: counts.Syncing,
		FailedCount:  counts.Failed,
		IsSyncing:    isSyncing,
		IsOnline:     e.online(),
		LastSyncAt:   last,
	}
}

// Subscribe calls fn with the current state whenever the queue, the
// connectivity or the pass status changes.
func (e *SyncEngine) Subscribe(fn func(models.SyncState)) (unsubscribe func()) {
	handler := func(*events.Event) error {
		fn(e.State())
		return nil
	}
	unsubs := []func(){
		e.bus.Subscribe(events.EventQueueChanged, handler),
		e.bus.Subscribe(events.EventConnectivityChanged, handler),
		e.bus.Subscribe(events.EventSyncStarted, handler),
		e.bus.Subscribe(events.EventSyncFinished, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close stops the triggers and waits for the running pass, bounded by ctx.
func (e *SyncEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.settleCancel != nil {
		e.settleCancel()
		e.settleCancel = nil
	}
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	done := make(chan struct{})
	go func() {
		e.passes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
