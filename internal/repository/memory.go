package repository

import (
	"context"
	"sync"
)

// MemoryRecordStore keeps records in process memory. Nothing survives a
// restart; it serves tests, ephemeral daemons and the failover fallback.
type MemoryRecordStore struct {
	records sync.Map
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (r *MemoryRecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.records.Load(key)
	if !ok {
		return nil, nil
	}
	data := val.([]byte)
	return append([]byte(nil), data...), nil
}

func (r *MemoryRecordStore) Set(ctx context.Context, key string, value []byte) error {
	r.records.Store(key, append([]byte(nil), value...))
	return nil
}

func (r *MemoryRecordStore) Delete(ctx context.Context, key string) error {
	r.records.Delete(key)
	return nil
}
