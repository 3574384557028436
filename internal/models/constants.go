package models

import "time"

const (
	// DefaultMaxRetries is the retry budget of an action enqueued without one.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the backoff delay after the first failure.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps the backoff delay.
	DefaultMaxDelay = 5 * time.Minute

	// DefaultSettleDelay is the wait after coming online before syncing.
	DefaultSettleDelay = time.Second

	// DefaultStorageKey is the record key the queue is persisted under.
	DefaultStorageKey = "fieldsync:action_queue"

	// DefaultDeadLetterKey is the Redis list receiving terminally failed actions.
	DefaultDeadLetterKey = "fieldsync:deadletter"

	// DefaultProbeInterval is how often the connectivity checker runs.
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout bounds a single connectivity probe.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultDispatchTimeout bounds a single HTTP dispatch.
	DefaultDispatchTimeout = 15 * time.Second
)
