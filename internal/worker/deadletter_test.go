package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDeadLetter(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	dl := NewRedisDeadLetter(client, "")
	fixed := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	dl.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, dl.ActionFailed(ctx, models.QueuedAction{ID: "a1", Type: models.ActionNoteAdd}, errors.New("503")))
	require.NoError(t, dl.ActionFailed(ctx, models.QueuedAction{ID: "a2", Type: models.ActionPhotoUpload}, nil))

	n, err := client.LLen(ctx, models.DefaultDeadLetterKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := dl.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a2", entries[0].Action.ID)
	assert.Equal(t, "a1", entries[1].Action.ID)
	assert.Equal(t, "503", entries[1].Error)
	assert.True(t, entries[1].FailedAt.Equal(fixed))
}

func TestRedisDeadLetter_NilClient(t *testing.T) {
	dl := NewRedisDeadLetter(nil, "dl")
	assert.Error(t, dl.ActionFailed(context.Background(), models.QueuedAction{ID: "a1"}, nil))
	_, err := dl.List(context.Background(), 1)
	assert.Error(t, err)
}
