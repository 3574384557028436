package repository

import (
	"context"
	"testing"
	"time"

	"fieldsync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRecordStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	repo := NewRedisRecordStore(client, "device-1:", time.Hour)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := repo.Set(ctx, "queue", []byte(`[{"id":"a1"}]`))
		require.NoError(t, err)

		got, err := repo.Get(ctx, "queue")
		require.NoError(t, err)
		assert.Equal(t, `[{"id":"a1"}]`, string(got))

		assert.True(t, s.Exists("device-1:queue"))
		assert.Equal(t, time.Hour, s.TTL("device-1:queue"))
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := repo.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "gone", []byte("x")))
		require.NoError(t, repo.Delete(ctx, "gone"))

		got, err := repo.Get(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ServerDown", func(t *testing.T) {
		down, err := miniredis.Run()
		require.NoError(t, err)
		c := redis.NewClient(&redis.Options{Addr: down.Addr(), MaxRetries: -1})
		defer c.Close()
		down.Close()

		broken := NewRedisRecordStore(c, "", 0)
		_, err = broken.Get(ctx, "queue")
		assert.Error(t, err)
		assert.Error(t, broken.Set(ctx, "queue", []byte("x")))
		assert.Error(t, broken.Delete(ctx, "queue"))
	})

	t.Run("NilClient", func(t *testing.T) {
		empty := NewRedisRecordStore(nil, "", 0)
		_, err := empty.Get(ctx, "queue")
		assert.Error(t, err)
		assert.Error(t, empty.Set(ctx, "queue", nil))
		assert.Error(t, empty.Delete(ctx, "queue"))
	})
}

func TestRedisHelpers(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	assert.NoError(t, Ping(context.Background(), client))
	assert.NoError(t, Close(client))
	assert.NoError(t, Close(nil))
}
