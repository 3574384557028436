package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/connectivity"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/repository"
	"fieldsync/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// scriptedDispatcher records every call and answers with fn.
type scriptedDispatcher struct {
	mu    sync.Mutex
	calls []models.QueuedAction
	fn    func(call int, a models.QueuedAction) error
}

func (d *scriptedDispatcher) Execute(_ context.Context, a models.QueuedAction) error {
	d.mu.Lock()
	d.calls = append(d.calls, a)
	n := len(d.calls)
	fn := d.fn
	d.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(n, a)
}

func (d *scriptedDispatcher) Calls() []models.QueuedAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.QueuedAction(nil), d.calls...)
}

func alwaysFail(int, models.QueuedAction) error { return errors.New("503 service unavailable") }

type recordingSink struct {
	mu     sync.Mutex
	failed []models.QueuedAction
	causes []error
}

func (s *recordingSink) ActionFailed(_ context.Context, a models.QueuedAction, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, a)
	s.causes = append(s.causes, cause)
	return nil
}

type harness struct {
	backend    *repository.MemoryRecordStore
	bus        *events.EventBus
	clock      *scheduler.Fake
	queue      *queue.ActionQueue
	monitor    *connectivity.Monitor
	dispatcher *scriptedDispatcher
	engine     *SyncEngine
}

func newHarness(t *testing.T, online bool, opts EngineOptions) *harness {
	t.Helper()
	h := &harness{
		backend:    repository.NewMemoryRecordStore(),
		bus:        events.NewEventBus(),
		clock:      scheduler.NewFake(t0),
		dispatcher: &scriptedDispatcher{},
	}
	h.start(t, online, opts)
	return h
}

// start builds the queue and engine over the harness backend, as a process
// start would.
func (h *harness) start(t *testing.T, online bool, opts EngineOptions) {
	t.Helper()
	ctx := context.Background()
	store := queue.NewStore(h.backend, "test:queue", nil)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	h.queue = queue.New(ctx, store, h.bus, nil, queue.Options{Now: h.clock.Now})
	h.monitor = connectivity.NewMonitor(ctx, connectivity.StaticChecker(online), h.bus, nil, connectivity.Options{})
	h.engine = NewSyncEngine(h.queue, h.dispatcher, h.monitor, h.clock, h.bus, nil, opts)
	h.engine.Start()
	t.Cleanup(func() { _ = h.engine.Close(context.Background()) })
}

func (h *harness) enqueue(t *testing.T, typ models.ActionType, target string) string {
	t.Helper()
	id, err := h.queue.Enqueue(models.NewAction{Type: typ, TargetID: target, Payload: map[string]string{"k": "v"}})
	require.NoError(t, err)
	return id
}

// advance moves the virtual clock and waits for any pass it started.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.engine.Wait()
}

func TestScenario_OfflineEnqueueThenReconnect(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})

	h.enqueue(t, models.ActionStatusUpdate, "wo-1")
	list := h.queue.List()
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusPending, list[0].Status)
	assert.Equal(t, 0, list[0].RetryCount)
	assert.Equal(t, 3, list[0].MaxRetries)

	h.monitor.Set(true)
	h.advance(999 * time.Millisecond)
	assert.Empty(t, h.dispatcher.Calls(), "no dispatch before the settle delay")

	h.advance(time.Millisecond)
	assert.Len(t, h.dispatcher.Calls(), 1)
	assert.Empty(t, h.queue.List())
}

func TestScenario_RetriesExhaustedThenRetryFailed(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, true, EngineOptions{Sinks: []domain.FailureSink{sink}})
	h.dispatcher.fn = func(call int, _ models.QueuedAction) error {
		if call <= 3 {
			return errors.New("timeout")
		}
		return nil
	}

	id := h.enqueue(t, models.ActionNoteAdd, "wo-2")

	require.True(t, h.engine.Sync())
	h.engine.Wait()
	b, _ := h.queue.Get(id)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, models.StatusPending, b.Status)

	h.advance(time.Second)
	b, _ = h.queue.Get(id)
	assert.Equal(t, 2, b.RetryCount)

	h.advance(2 * time.Second)
	b, _ = h.queue.Get(id)
	assert.Equal(t, models.StatusFailed, b.Status)
	assert.Equal(t, 3, b.RetryCount)
	assert.Equal(t, "timeout", b.LastError)
	assert.Equal(t, 0, h.clock.Pending(), "no automatic retry for a failed action")

	require.Len(t, sink.failed, 1)
	assert.Equal(t, id, sink.failed[0].ID)

	assert.Equal(t, 1, h.engine.RetryFailedActions())
	h.engine.Wait()

	calls := h.dispatcher.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, 0, calls[3].RetryCount)
	assert.Empty(t, h.queue.List())
}

func TestScenario_ConcurrentPassPartialFailure(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})

	arrived := make(chan string, 2)
	release := make(chan struct{})
	h.dispatcher.fn = func(_ int, a models.QueuedAction) error {
		arrived <- a.TargetID
		<-release
		if a.TargetID == "wo-d" {
			return errors.New("500")
		}
		return nil
	}

	h.enqueue(t, models.ActionNoteAdd, "wo-c")
	d := h.enqueue(t, models.ActionNoteAdd, "wo-d")

	var (
		result  models.SyncResult
		encoded []byte
	)
	h.bus.Subscribe(events.EventSyncFinished, func(e *events.Event) error {
		result = e.Data.(models.SyncResult)
		encoded = e.Payload
		return nil
	})

	require.True(t, h.engine.Sync())
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(time.Second):
			t.Fatal("actions were not dispatched concurrently")
		}
	}
	close(release)
	h.engine.Wait()

	list := h.queue.List()
	require.Len(t, list, 1)
	assert.Equal(t, d, list[0].ID)
	assert.Equal(t, 1, list[0].RetryCount)
	assert.Equal(t, models.StatusPending, list[0].Status)
	require.NotNil(t, list[0].NextRetryAt)
	assert.Equal(t, t0.Add(time.Second), *list[0].NextRetryAt)

	deadline, ok := h.clock.NextDeadline()
	require.True(t, ok, "retry timer should be armed")
	assert.Equal(t, t0.Add(time.Second), deadline)

	assert.Equal(t, models.SyncResult{Attempted: 2, Succeeded: 1, Rescheduled: 1, StartedAt: t0}, result)
	assert.Contains(t, string(encoded), `"rescheduled":1`)
}

func TestScenario_RestartRehydratesSyncing(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	id := h.enqueue(t, models.ActionPhotoUpload, "wo-4")
	h.queue.ClaimEligible(h.clock.Now())
	require.NoError(t, h.queue.Flush(context.Background()))
	require.NoError(t, h.engine.Close(context.Background()))

	h.start(t, false, EngineOptions{})

	got, ok := h.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestRestartArmsRetryTimer(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	h.dispatcher.fn = alwaysFail
	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()
	require.NoError(t, h.queue.Flush(context.Background()))
	require.NoError(t, h.engine.Close(context.Background()))
	assert.Equal(t, 0, h.clock.Pending())

	h.dispatcher.fn = nil
	h.start(t, true, EngineOptions{})

	deadline, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), deadline)

	h.advance(time.Second)
	assert.Empty(t, h.queue.List())
}

func TestStartSchedulesSyncWhenWorkIsWaiting(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.NoError(t, h.engine.Close(context.Background()))

	h.start(t, true, EngineOptions{SettleDelay: 3 * time.Second})
	h.advance(2 * time.Second)
	assert.Empty(t, h.dispatcher.Calls())
	h.advance(time.Second)
	assert.Len(t, h.dispatcher.Calls(), 1)
}

func TestSync_AtMostOnePass(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	release := make(chan struct{})
	h.dispatcher.fn = func(int, models.QueuedAction) error {
		<-release
		return nil
	}
	h.enqueue(t, models.ActionNoteAdd, "wo-1")

	assert.True(t, h.engine.Sync())
	assert.False(t, h.engine.Sync())
	assert.True(t, h.engine.State().IsSyncing)

	close(release)
	h.engine.Wait()
	assert.Len(t, h.dispatcher.Calls(), 1)
	assert.False(t, h.engine.State().IsSyncing)
}

func TestSync_OfflineIsNoOp(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	before := h.queue.List()

	assert.False(t, h.engine.Sync())
	h.engine.Wait()

	assert.Empty(t, h.dispatcher.Calls())
	assert.Equal(t, before, h.queue.List())
	assert.Nil(t, h.engine.State().LastSyncAt)
}

func TestSync_IdempotentCompletion(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")

	require.True(t, h.engine.Sync())
	h.engine.Wait()
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	assert.Len(t, h.dispatcher.Calls(), 1)
	assert.Empty(t, h.queue.List())
}

func TestRetryMonotonicity(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	h.dispatcher.fn = alwaysFail
	id := h.enqueue(t, models.ActionLocationUpdate, "tech-1")

	var mu sync.Mutex
	var seen []int
	h.queue.Subscribe(func(actions []models.QueuedAction) {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range actions {
			if a.ID == id {
				seen = append(seen, a.RetryCount)
			}
		}
	})

	require.True(t, h.engine.Sync())
	h.engine.Wait()
	for i := 0; i < 10; i++ {
		h.advance(time.Minute)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
		assert.LessOrEqual(t, seen[i], 3)
	}
	a, _ := h.queue.Get(id)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Len(t, h.dispatcher.Calls(), 3)
}

func TestOfflineCancelsSettleTimer(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")

	h.monitor.Set(true)
	h.advance(500 * time.Millisecond)
	h.monitor.Set(false)
	h.advance(5 * time.Second)

	assert.Empty(t, h.dispatcher.Calls())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestFlappingRestartsSettleDelay(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")

	h.monitor.Set(true)
	h.advance(800 * time.Millisecond)
	h.monitor.Set(false)
	h.monitor.Set(true)
	h.advance(800 * time.Millisecond)
	assert.Empty(t, h.dispatcher.Calls())

	h.advance(200 * time.Millisecond)
	assert.Len(t, h.dispatcher.Calls(), 1)
}

func TestFailFastOnPermanent(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, true, EngineOptions{FailFastOnPermanent: true, Sinks: []domain.FailureSink{sink}})
	h.dispatcher.fn = func(int, models.QueuedAction) error {
		return fmt.Errorf("status 422: %w", domain.ErrPermanent)
	}

	var failedEvents atomic.Int32
	h.bus.Subscribe(events.EventActionFailed, func(*events.Event) error {
		failedEvents.Add(1)
		return nil
	})

	id := h.enqueue(t, models.ActionStatusUpdate, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	a, _ := h.queue.Get(id)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, a.MaxRetries, a.RetryCount)
	assert.Len(t, h.dispatcher.Calls(), 1)
	assert.Equal(t, int32(1), failedEvents.Load())
	require.Len(t, sink.causes, 1)
	assert.ErrorIs(t, sink.causes[0], domain.ErrPermanent)
}

func TestPermanentErrorsRetryByDefault(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	h.dispatcher.fn = func(int, models.QueuedAction) error { return domain.ErrPermanent }

	id := h.enqueue(t, models.ActionStatusUpdate, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	a, _ := h.queue.Get(id)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, 1, a.RetryCount)
}

func TestSyncOnEnqueue(t *testing.T) {
	h := newHarness(t, true, EngineOptions{SyncOnEnqueue: true})

	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	h.engine.Wait()

	assert.Len(t, h.dispatcher.Calls(), 1)
	assert.Empty(t, h.queue.List())
}

func TestSyncOnEnqueueDuringPassReruns(t *testing.T) {
	h := newHarness(t, true, EngineOptions{SyncOnEnqueue: true})
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h.dispatcher.fn = func(call int, _ models.QueuedAction) error {
		started <- struct{}{}
		if call == 1 {
			<-release
		}
		return nil
	}

	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	<-started
	h.enqueue(t, models.ActionNoteAdd, "wo-2")
	close(release)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	h.engine.Wait()
	assert.Len(t, h.dispatcher.Calls(), 2)
}

func TestRetryFailedActionsWhileOffline(t *testing.T) {
	h := newHarness(t, true, EngineOptions{FailFastOnPermanent: true})
	h.dispatcher.fn = func(int, models.QueuedAction) error { return domain.ErrPermanent }
	id := h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	h.monitor.Set(false)
	assert.Equal(t, 1, h.engine.RetryFailedActions())
	h.engine.Wait()

	a, _ := h.queue.Get(id)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, 0, a.RetryCount)
	assert.Len(t, h.dispatcher.Calls(), 1)
}

func TestMaxConcurrency(t *testing.T) {
	h := newHarness(t, true, EngineOptions{MaxConcurrency: 2})
	var cur, peak atomic.Int32
	h.dispatcher.fn = func(int, models.QueuedAction) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return nil
	}

	for i := 0; i < 8; i++ {
		h.enqueue(t, models.ActionLocationUpdate, fmt.Sprintf("tech-%d", i))
	}
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	assert.Empty(t, h.queue.List())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcherPanicIsAFailure(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	h.dispatcher.fn = func(int, models.QueuedAction) error { panic("nil map") }

	id := h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()

	a, _ := h.queue.Get(id)
	assert.Equal(t, 1, a.RetryCount)
	assert.Contains(t, a.LastError, "dispatcher panic")
}

func TestRemoveWhileInFlight(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	arrived := make(chan struct{})
	release := make(chan struct{})
	h.dispatcher.fn = func(int, models.QueuedAction) error {
		close(arrived)
		<-release
		return errors.New("late failure")
	}

	id := h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	<-arrived
	assert.True(t, h.queue.Remove(id))
	close(release)
	h.engine.Wait()

	assert.Empty(t, h.queue.List())
}

func TestStateAndSubscribe(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})

	var mu sync.Mutex
	var states []models.SyncState
	unsubscribe := h.engine.Subscribe(func(s models.SyncState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	h.engine.Wait()
	unsubscribe()
	h.monitor.Set(false)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, 1, states[0].Count)
	assert.Equal(t, 1, states[0].PendingCount)

	sawSyncing := false
	for _, s := range states {
		if s.IsSyncing {
			sawSyncing = true
		}
	}
	assert.True(t, sawSyncing)

	last := states[len(states)-1]
	assert.Equal(t, 0, last.Count)
	assert.True(t, last.IsOnline)
	require.NotNil(t, last.LastSyncAt)
	assert.Equal(t, t0, *last.LastSyncAt)

	state := h.engine.State()
	assert.False(t, state.IsOnline)
}

func TestCloseStopsTriggers(t *testing.T) {
	h := newHarness(t, false, EngineOptions{})
	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	h.monitor.Set(true)
	require.Equal(t, 1, h.clock.Pending())

	require.NoError(t, h.engine.Close(context.Background()))
	require.NoError(t, h.engine.Close(context.Background()))
	assert.Equal(t, 0, h.clock.Pending())

	h.monitor.Set(false)
	h.monitor.Set(true)
	h.advance(time.Minute)
	assert.False(t, h.engine.Sync())
	assert.Empty(t, h.dispatcher.Calls())
}

func TestReconnectDuringPassReruns(t *testing.T) {
	h := newHarness(t, true, EngineOptions{})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.dispatcher.fn = func(call int, _ models.QueuedAction) error {
		if call == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	}

	h.enqueue(t, models.ActionNoteAdd, "wo-1")
	require.True(t, h.engine.Sync())
	<-started

	h.monitor.Set(false)
	late := h.enqueue(t, models.ActionNoteAdd, "wo-2")
	h.monitor.Set(true)
	h.clock.Advance(time.Second) // settle fires while the first pass is running

	close(release)
	h.engine.Wait()
	h.advance(time.Hour)

	_, queued := h.queue.Get(late)
	assert.False(t, queued)
	assert.Len(t, h.dispatcher.Calls(), 2)
}

// unreadableOnce fails the first Get, as a backend that is briefly down.
type unreadableOnce struct {
	*repository.MemoryRecordStore
	failed atomic.Bool
}

func (u *unreadableOnce) Get(ctx context.Context, key string) ([]byte, error) {
	if u.failed.CompareAndSwap(false, true) {
		return nil, errors.New("connection refused")
	}
	return u.MemoryRecordStore.Get(ctx, key)
}

func TestRecoveredQueueIsSynced(t *testing.T) {
	ctx := context.Background()
	backend := &unreadableOnce{MemoryRecordStore: repository.NewMemoryRecordStore()}
	raw, err := json.Marshal([]models.QueuedAction{{
		ID:         "kept-1",
		Type:       models.ActionNoteAdd,
		TargetID:   "wo-1",
		Payload:    json.RawMessage(`{"text":"gate code"}`),
		EnqueuedAt: t0,
		MaxRetries: 3,
		Status:     models.StatusPending,
	}})
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, "test:queue", raw))

	store := queue.NewStore(backend, "test:queue", nil)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	bus := events.NewEventBus()
	clock := scheduler.NewFake(t0)
	q := queue.New(ctx, store, bus, nil, queue.Options{Now: clock.Now, ReloadDelay: 20 * time.Millisecond})
	require.Equal(t, 0, q.Len())

	dispatcher := &scriptedDispatcher{}
	engine := NewSyncEngine(q, dispatcher, nil, clock, bus, nil, EngineOptions{})
	engine.Start()
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(dispatcher.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	engine.Wait()
	assert.Equal(t, "kept-1", dispatcher.Calls()[0].ID)
	assert.Equal(t, 0, q.Len())
}
