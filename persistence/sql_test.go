package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/database"
	"github.com/BaSui01/flowengine/testutil"
	"github.com/BaSui01/flowengine/testutil/fixtures"
)

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	pool, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, pool.DB().AutoMigrate(Models()...))
	return pool.DB()
}

func TestSQLCheckpointStore(t *testing.T) {
	store := NewSQLCheckpointStore(newSQLiteDB(t), zap.NewNop())
	testCheckpointStore(t, store)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestSQLCheckpointStore_IndexedColumns(t *testing.T) {
	db := newSQLiteDB(t)
	store := NewSQLCheckpointStore(db, nil)
	require.NoError(t, store.Save(context.Background(), fixtures.SampleCheckpoint("cp", "orders", 0)))

	var m CheckpointModel
	require.NoError(t, db.First(&m, "id = ?", "cp").Error)
	assert.Equal(t, "orders", m.WorkflowName)
	assert.Equal(t, "run-cp", m.WorkflowID)
	assert.Equal(t, 2, m.Step)
}

func TestSQLQueue(t *testing.T) {
	testDeadLetterQueue(t, NewSQLQueue(newSQLiteDB(t), zap.NewNop()))
}

func TestSQLQueue_ConcurrentEnqueue(t *testing.T) {
	testConcurrentEnqueue(t, NewSQLQueue(newSQLiteDB(t), nil), 8)
}

func TestSQLIdempotencyStore(t *testing.T) {
	s := NewSQLIdempotencyStore(newSQLiteDB(t), zap.NewNop(), 0)
	defer s.Close()
	clock := testutil.NewFakeClock(fixtures.BaseTime)
	s.now = clock.Now
	testIdempotencyStore(t, s, clock)
}

func TestSQLIdempotencyStore_Purge(t *testing.T) {
	s := NewSQLIdempotencyStore(newSQLiteDB(t), nil, 0)
	defer s.Close()
	clock := testutil.NewFakeClock(fixtures.BaseTime)
	s.now = clock.Now
	ctx := context.Background()

	_, err := s.CheckAndSet(ctx, "short", time.Second)
	require.NoError(t, err)
	_, err = s.CheckAndSet(ctx, "long", time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := s.CheckAndSet(ctx, "long", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
}
