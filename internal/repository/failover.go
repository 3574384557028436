package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"

	"github.com/rs/zerolog"
)

const primaryRecheckInterval = time.Minute

// ErrPrimaryUnavailable is returned by Get when the primary is down and the
// fallback holds nothing for the key.
var ErrPrimaryUnavailable = errors.New("primary record store unavailable")

// FailoverRecordStore routes calls to primary until it fails, then to
// fallback. The primary is tried again once a minute.
type FailoverRecordStore struct {
	primary   domain.RecordStore
	fallback  domain.RecordStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverRecordStore(primary, fallback domain.RecordStore, logger *zerolog.Logger) *FailoverRecordStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverRecordStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Degraded reports whether calls currently go to the fallback.
func (r *FailoverRecordStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverRecordStore) markDown(op string, err error) {
	r.logger.Error().Err(err).Str("op", op).Msg("Primary record store failed, falling back")
	r.isDown.Store(true)
	r.lastCheck.Store(r.now().UnixNano())
}

// tryPrimary reports whether the primary should be used for the next call.
func (r *FailoverRecordStore) tryPrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	last := time.Unix(0, r.lastCheck.Load())
	return r.now().Sub(last) > primaryRecheckInterval
}

func (r *FailoverRecordStore) recovered() {
	if r.isDown.CompareAndSwap(true, false) {
		r.logger.Info().Msg("Primary record store recovered")
	}
}

// Get reads from the fallback while the primary is down. A record missing
// from the fallback is reported as ErrPrimaryUnavailable rather than as
// absent, since the primary may still hold it.
func (r *FailoverRecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	cause := ErrPrimaryUnavailable
	if r.tryPrimary() {
		val, err := r.primary.Get(ctx, key)
		if err == nil {
			r.recovered()
			return val, nil
		}
		r.markDown("get", err)
		cause = fmt.Errorf("%w: %w", ErrPrimaryUnavailable, err)
	}
	val, err := r.fallback.Get(ctx, key)
	if err != nil || val != nil {
		return val, err
	}
	return nil, cause
}

func (r *FailoverRecordStore) Set(ctx context.Context, key string, value []byte) error {
	if r.tryPrimary() {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown("set", err)
	}
	return r.fallback.Set(ctx, key, value)
}

func (r *FailoverRecordStore) Delete(ctx context.Context, key string) error {
	if r.tryPrimary() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown("delete", err)
	}
	return r.fallback.Delete(ctx, key)
}
