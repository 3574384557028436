package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// DeadLetterEntry is what the dead-letter list stores for a failed action.
type DeadLetterEntry struct {
	Action   models.QueuedAction `json:"action"`
	Error    string              `json:"error"`
	FailedAt time.Time           `json:"failed_at"`
}

// RedisDeadLetter pushes terminally failed actions onto a Redis list.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisDeadLetter(client *redis.Client, key string) *RedisDeadLetter {
	if key == "" {
		key = models.DefaultDeadLetterKey
	}
	return &RedisDeadLetter{client: client, key: key, now: time.Now}
}

func (d *RedisDeadLetter) ActionFailed(ctx context.Context, action models.QueuedAction, cause error) error {
	if d.client == nil {
		return errors.New("redis client is nil")
	}
	entry := DeadLetterEntry{Action: action, FailedAt: d.now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode deadletter %s: %w", action.ID, err)
	}
	if err := d.client.LPush(ctx, d.key, data).Err(); err != nil {
		return fmt.Errorf("deadletter push %s: %w", action.ID, err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (d *RedisDeadLetter) List(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if d.client == nil {
		return nil, errors.New("redis client is nil")
	}
	raw, err := d.client.LRange(ctx, d.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read deadletter: %w", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode deadletter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
