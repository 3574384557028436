package domain

import (
	"context"
	"errors"

	"fieldsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrPermanent marks a dispatch error that retrying cannot fix.
var ErrPermanent = errors.New("permanent dispatch failure")

// RecordStore is a durable key-value store holding raw bytes. Get returns
// nil, nil when the key is missing.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ActionDispatcher performs the remote operation an action describes.
// Implementations must tolerate receiving the same action more than once.
type ActionDispatcher interface {
	Execute(ctx context.Context, action models.QueuedAction) error
}

// DispatcherFunc adapts a function to ActionDispatcher.
type DispatcherFunc func(ctx context.Context, action models.QueuedAction) error

func (f DispatcherFunc) Execute(ctx context.Context, action models.QueuedAction) error {
	return f(ctx, action)
}

// FailureSink receives actions that exhausted their retry budget.
type FailureSink interface {
	ActionFailed(ctx context.Context, action models.QueuedAction, cause error) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ActionQueue is the queue surface exposed to callers outside the engine.
type ActionQueue interface {
	Enqueue(action models.NewAction) (string, error)
	Remove(id string) bool
	Clear()
	List() []models.QueuedAction
	Get(id string) (models.QueuedAction, bool)
}

// Syncer triggers and reports sync passes.
type Syncer interface {
	Sync() bool
	RetryFailedActions() int
	State() models.SyncState
}
