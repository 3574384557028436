package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 10 * time.Second

// ErrStoreClosed is returned by Flush once the writer has stopped.
var ErrStoreClosed = errors.New("queue store is closed")

type writeOp struct {
	data  []byte
	clear bool
}

// Store persists queue snapshots under a single key. Save and Clear never
// block on I/O: a background writer applies the newest submitted operation,
// so an older snapshot is never written after a newer one.
//
// After a failed Load the store is held: snapshots are accepted but not
// written, so the unread record is never overwritten. Release lifts the
// hold once the record has been read and merged. Clear lifts it too.
type Store struct {
	backend      domain.RecordStore
	key          string
	logger       zerolog.Logger
	writeTimeout time.Duration

	mu        sync.Mutex
	pending   *writeOp
	submitted uint64
	applied   uint64
	appliedCh chan struct{}
	closed    bool
	held      bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewStore starts the background writer. Close must be called to stop it.
func NewStore(backend domain.RecordStore, key string, logger *zerolog.Logger) *Store {
	if key == "" {
		key = models.DefaultStorageKey
	}
	l := logging.Component(logger, "queue_store", "key", key)
	s := &Store{
		backend:      backend,
		key:          key,
		logger:       l,
		writeTimeout: defaultWriteTimeout,
		appliedCh:    make(chan struct{}),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Key returns the record key the queue is stored under.
func (s *Store) Key() string { return s.key }

// Load reads the persisted queue. A missing record yields an empty queue. An
// unreadable record is deleted and also yields an empty queue. Backend
// failures are returned as errors and hold the store until Release.
func (s *Store) Load(ctx context.Context) ([]models.QueuedAction, error) {
	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		s.mu.Lock()
		s.held = true
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return s.decodeOrDiscard(ctx, raw), nil
}

func (s *Store) decodeOrDiscard(ctx context.Context, raw []byte) []models.QueuedAction {
	if len(raw) == 0 {
		return []models.QueuedAction{}
	}
	actions, err := decodeSnapshot(raw)
	if err != nil {
		metrics.IncStoreCorruption()
		s.logger.Warn().Err(err).Msg("Discarding corrupted queue record")
		if delErr := s.backend.Delete(ctx, s.key); delErr != nil {
			s.logger.Error().Err(delErr).Msg("Failed to delete corrupted queue record")
		}
		return []models.QueuedAction{}
	}
	return actions
}

// Held reports whether writes are suspended behind an unread record.
func (s *Store) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held && !s.closed
}

// Release lets the writer apply the newest snapshot again.
func (s *Store) Release() {
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
	s.kick()
}

// mergeActions keeps every persisted action in order and appends the current
// ones it does not already contain.
func mergeActions(persisted, current []models.QueuedAction) []models.QueuedAction {
	out := make([]models.QueuedAction, 0, len(persisted)+len(current))
	seen := make(map[string]struct{}, len(persisted))
	for _, a := range persisted {
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range current {
		if _, dup := seen[a.ID]; !dup {
			out = append(out, a)
		}
	}
	return out
}

func decodeSnapshot(raw []byte) ([]models.QueuedAction, error) {
	var actions []models.QueuedAction
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if actions == nil {
		return nil, errors.New("decode queue: record is not an array")
	}
	seen := make(map[string]struct{}, len(actions))
	for i := range actions {
		if err := actions[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[actions[i].ID]; dup {
			return nil, fmt.Errorf("duplicate action id %s", actions[i].ID)
		}
		seen[actions[i].ID] = struct{}{}
	}
	return actions, nil
}

// Save schedules a write of the full snapshot.
func (s *Store) Save(actions []models.QueuedAction) {
	if actions == nil {
		actions = []models.QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		metrics.IncStoreWrite(false)
		s.logger.Error().Err(err).Msg("Failed to encode queue snapshot")
		return
	}
	s.submit(&writeOp{data: data})
}

// Clear schedules deletion of the record and lifts any hold.
func (s *Store) Clear() {
	s.submit(&writeOp{clear: true})
}

func (s *Store) submit(op *writeOp) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn().Msg("Queue store is closed, dropping write")
		return
	}
	s.pending = op
	s.submitted++
	if op.clear {
		s.held = false
	}
	s.mu.Unlock()
	s.kick()
}

func (s *Store) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.mergeHeld()
			s.drain()
			return
		}
	}
}

// mergeHeld runs on shutdown while the store is still held. It reads the
// record once more and folds its actions in ahead of the pending snapshot.
// When the record is still unreadable the snapshot is dropped.
func (s *Store) mergeHeld() {
	s.mu.Lock()
	op := s.pending
	if !s.held || op == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Queue record still unreadable, unsaved snapshot dropped")
		return
	}
	var current []models.QueuedAction
	if err := json.Unmarshal(op.data, &current); err != nil {
		s.logger.Error().Err(err).Msg("Failed to decode pending snapshot")
		return
	}
	data, err := json.Marshal(mergeActions(s.decodeOrDiscard(ctx, raw), current))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode merged snapshot")
		return
	}

	s.mu.Lock()
	if s.pending == op {
		s.pending = &writeOp{data: data}
	}
	s.held = false
	s.mu.Unlock()
	s.logger.Info().Msg("Merged unsaved snapshot into persisted queue")
}

func (s *Store) drain() {
	for {
		s.mu.Lock()
		if s.held {
			s.mu.Unlock()
			return
		}
		op := s.pending
		target := s.submitted
		s.pending = nil
		s.mu.Unlock()

		if op == nil {
			return
		}
		s.apply(op)

		s.mu.Lock()
		s.applied = target
		close(s.appliedCh)
		s.appliedCh = make(chan struct{})
		s.mu.Unlock()
	}
}

func (s *Store) apply(op *writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	var err error
	if op.clear {
		err = s.backend.Delete(ctx, s.key)
	} else {
		err = s.backend.Set(ctx, s.key, op.data)
	}
	metrics.IncStoreWrite(err == nil)
	if err != nil {
		s.logger.Error().Err(err).Bool("clear", op.clear).Msg("Failed to persist queue")
	}
}

// Flush waits until every operation submitted before the call is applied.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	target := s.submitted
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.applied >= target {
			s.mu.Unlock()
			return nil
		}
		ch := s.appliedCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.done:
			s.mu.Lock()
			ok := s.applied >= target
			s.mu.Unlock()
			if ok {
				return nil
			}
			return ErrStoreClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close flushes outstanding writes and stops the writer.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
