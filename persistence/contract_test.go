package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/testutil"
	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/workflow"
)

// 各后端共享的行为测试

func testCheckpointStore(t *testing.T, store workflow.CheckpointStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
	require.ErrorIs(t, store.Delete(ctx, "missing"), workflow.ErrCheckpointNotFound)
	require.ErrorIs(t, store.Save(ctx, nil), ErrInvalidInput)

	// 乱序写入
	require.NoError(t, store.Save(ctx, fixtures.SampleCheckpoint("cp-3", "orders", 2*time.Second)))
	require.NoError(t, store.Save(ctx, fixtures.SampleCheckpoint("cp-1", "orders", 0)))
	require.NoError(t, store.Save(ctx, fixtures.SampleCheckpoint("cp-2", "billing", time.Second)))

	got, err := store.Load(ctx, "cp-1")
	require.NoError(t, err)
	want := fixtures.SampleCheckpoint("cp-1", "orders", 0)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.CompletedNodes, got.CompletedNodes)
	assert.Equal(t, want.Activated, got.Activated)
	assert.Equal(t, want.Inputs, got.Inputs)
	assert.Equal(t, want.LoopCounters, got.LoopCounters)
	assert.Equal(t, map[string]any{"items": 2}, got.NodeResults["fetch"].Output)
	assert.Equal(t, time.Second, got.NodeResults["fetch"].Duration)
	assert.Equal(t, want.Step, got.Step)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))

	orders, err := store.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "cp-1", orders[0].ID)
	assert.Equal(t, "cp-3", orders[1].ID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, cp := range all {
		ids[i] = cp.ID
	}
	assert.Equal(t, []string{"cp-1", "cp-2", "cp-3"}, ids)

	// 覆盖写入
	updated := fixtures.SampleCheckpoint("cp-1", "orders", 3*time.Second)
	updated.Step = 9
	require.NoError(t, store.Save(ctx, updated))
	got, err = store.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Step)

	orders, err = store.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "cp-3", orders[0].ID)
	assert.Equal(t, "cp-1", orders[1].ID)

	require.NoError(t, store.Delete(ctx, "cp-1"))
	_, err = store.Load(ctx, "cp-1")
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
	orders, err = store.List(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	empty, err := store.List(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testDeadLetterQueue(t *testing.T, q dlq.Queue) {
	t.Helper()
	ctx := context.Background()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = q.Get(ctx, "missing")
	require.ErrorIs(t, err, dlq.ErrNotFound)
	require.ErrorIs(t, q.Remove(ctx, "missing"), dlq.ErrNotFound)

	entries := fixtures.SampleDeadLetters()
	for _, e := range entries {
		require.NoError(t, q.Enqueue(ctx, e))
	}

	got, err := q.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Source.Workflow)
	assert.JSONEq(t, `{"amount":10}`, string(got.Payload))
	assert.Equal(t, 3, got.Attempts)
	assert.True(t, fixtures.BaseTime.Equal(got.FirstFailedAt))

	got, err = q.Get(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "attempts default to one")

	// 同 ID 再次写入：合并
	require.NoError(t, q.Enqueue(ctx, &dlq.Entry{
		ID: "e1", Error: "declined again", Attempts: 2,
		LastFailedAt: fixtures.BaseTime.Add(5 * time.Minute),
		Metadata:     map[string]string{"retry": "manual"},
	}))
	got, err = q.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "declined again", got.Error)
	assert.True(t, fixtures.BaseTime.Equal(got.FirstFailedAt))
	assert.True(t, fixtures.BaseTime.Add(5*time.Minute).Equal(got.LastFailedAt))
	assert.JSONEq(t, `{"amount":10}`, string(got.Payload), "payload kept when the update has none")
	assert.Equal(t, map[string]string{"retry": "manual"}, got.Metadata)
	assert.Equal(t, dlq.Source{Workflow: "orders", Node: "charge"}, got.Source, "source kept when the update has none")

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	listIDs := func(f dlq.Filter) []string {
		list, err := q.List(ctx, f)
		require.NoError(t, err)
		ids := make([]string, len(list))
		for i, e := range list {
			ids[i] = e.ID
		}
		return ids
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, listIDs(dlq.Filter{}))
	assert.Equal(t, []string{"e1", "e2"}, listIDs(dlq.Filter{Workflow: "orders"}))
	assert.Equal(t, []string{"e1", "e3"}, listIDs(dlq.Filter{Node: "charge"}))
	assert.Equal(t, []string{"e1", "e3"}, listIDs(dlq.Filter{Since: fixtures.BaseTime.Add(2 * time.Minute)}))
	assert.Equal(t, []string{"e2"}, listIDs(dlq.Filter{Until: fixtures.BaseTime.Add(2 * time.Minute)}))
	assert.Equal(t, []string{"e2"}, listIDs(dlq.Filter{Offset: 1, Limit: 1}))
	assert.Empty(t, listIDs(dlq.Filter{Offset: 10}))

	// 未指定 ID 时生成
	anon := &dlq.Entry{Error: "anonymous"}
	require.NoError(t, q.Enqueue(ctx, anon))
	assert.NotEmpty(t, anon.ID)

	require.NoError(t, q.Remove(ctx, "e2"))
	_, err = q.Get(ctx, "e2")
	assert.ErrorIs(t, err, dlq.ErrNotFound)
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.ErrorIs(t, q.Enqueue(ctx, nil), ErrInvalidInput)
}

// testConcurrentEnqueue 并发写入同一条目时不丢失失败次数
func testConcurrentEnqueue(t *testing.T, q dlq.Queue, workers int) {
	t.Helper()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- q.Enqueue(ctx, &dlq.Entry{ID: "hot", Error: fmt.Sprintf("failure %d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := q.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, workers, got.Attempts)
}

func testIdempotencyStore(t *testing.T, s idempotency.Store, clock *testutil.FakeClock) {
	t.Helper()
	ctx := context.Background()

	first, err := s.CheckAndSet(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	second, err := s.CheckAndSet(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.True(t, second.Pending)

	require.NoError(t, s.Complete(ctx, "k1", map[string]any{"charged": 10}, time.Minute))
	third, err := s.CheckAndSet(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, third.IsDuplicate)
	assert.False(t, third.Pending)
	assert.JSONEq(t, `{"charged":10}`, string(third.CachedResult))

	// 释放后可重新占用
	require.NoError(t, s.Delete(ctx, "k1"))
	again, err := s.CheckAndSet(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again.IsDuplicate)
	require.NoError(t, s.Delete(ctx, "never-set"))

	// 过期后可重新占用
	_, err = s.CheckAndSet(ctx, "k2", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	expired, err := s.CheckAndSet(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.False(t, expired.IsDuplicate)

	// Execute 只执行一次
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}
	v, cached, err := idempotency.Execute(ctx, s, "exec", time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 42, v)
	v, cached, err = idempotency.Execute(ctx, s, "exec", time.Minute, fn)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}
