package database

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestNewDB_Error(t *testing.T) {
	tmpDir := t.TempDir()

	logger := zerolog.New(io.Discard)
	_, err := NewDB(tmpDir, &logger)
	assert.Error(t, err)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := db.PingContext(context.Background())
	assert.NoError(t, err)
}

func TestDB_RecordStore(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		got, err := db.Get(ctx, "queue")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SetAndOverwrite", func(t *testing.T) {
		require.NoError(t, db.Set(ctx, "queue", []byte(`[1]`)))
		require.NoError(t, db.Set(ctx, "queue", []byte(`[1,2]`)))

		got, err := db.Get(ctx, "queue")
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, db.Delete(ctx, "queue"))
		got, err := db.Get(ctx, "queue")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")
		logger := zerolog.Nop()

		first, err := NewDB(path, &logger)
		require.NoError(t, err)
		require.NoError(t, first.Set(ctx, "queue", []byte(`["a"]`)))
		require.NoError(t, first.Close())

		second, err := NewDB(path, &logger)
		require.NoError(t, err)
		defer second.Close()

		got, err := second.Get(ctx, "queue")
		require.NoError(t, err)
		assert.Equal(t, `["a"]`, string(got))
	})
}

func TestDB_SyncRuns(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := db.RecordSyncRun(ctx, models.SyncResult{
			Attempted: i + 1,
			Succeeded: i,
			Failed:    1,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Duration:  1500 * time.Millisecond,
		})
		require.NoError(t, err)
	}

	runs, err := db.RecentSyncRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Attempted)
	assert.Equal(t, 2, runs[1].Attempted)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)
	assert.True(t, runs[0].StartedAt.Equal(base.Add(2*time.Hour)))

	n, err := db.PruneSyncRuns(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err = db.RecentSyncRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	_, err = db.Get(ctx, "queue")
	assert.Error(t, err)
	assert.Error(t, db.Set(ctx, "queue", []byte("x")))
	assert.Error(t, db.Delete(ctx, "queue"))
	assert.Error(t, db.RecordSyncRun(ctx, models.SyncResult{}))
	_, err = db.RecentSyncRuns(ctx, 1)
	assert.Error(t, err)
	_, err = db.PruneSyncRuns(ctx, time.Now())
	assert.Error(t, err)
}
