package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(id, workflow string, ts time.Time) *Checkpoint {
	return &Checkpoint{
		ID:             id,
		Version:        1,
		WorkflowID:     "wf_" + id,
		WorkflowName:   workflow,
		State:          State{"count": 1},
		CompletedNodes: []string{"a"},
		Activated:      [][]string{{"b", "c"}},
		Inputs:         map[string]map[string]any{"b": {"a": "out"}},
		NodeResults:    map[string]NodeOutcome{"a": {Output: "out", Visits: 1}},
		LoopCounters:   map[string]int{"x->y": 2},
		Step:           1,
		Timestamp:      ts,
	}
}

func TestMemoryCheckpointStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	cp := sampleCheckpoint("ckpt_1", "orders", time.Now())

	require.NoError(t, store.Save(ctx, cp))

	// 保存后修改原对象不影响存储内容
	cp.State["count"] = 42
	cp.Activated[0][0] = "zzz"

	loaded, err := store.Load(ctx, "ckpt_1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.State["count"])
	assert.Equal(t, [][]string{{"b", "c"}}, loaded.Activated)
	assert.Equal(t, "out", loaded.Inputs["b"]["a"])

	// 读出的副本同样独立
	loaded.CompletedNodes[0] = "mutated"
	again, err := store.Load(ctx, "ckpt_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.CompletedNodes)
}

func TestMemoryCheckpointStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	cp := sampleCheckpoint("ckpt_1", "orders", time.Now())
	require.NoError(t, store.Save(ctx, cp))

	cp.Version = 2
	cp.CompletedNodes = []string{"a", "b"}
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "ckpt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, []string{"a", "b"}, loaded.CompletedNodes)
}

func TestMemoryCheckpointStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrCheckpointNotFound)
	assert.Error(t, store.Save(ctx, &Checkpoint{}))
}

func TestMemoryCheckpointStore_ListSortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleCheckpoint("c3", "orders", base.Add(3*time.Minute))))
	require.NoError(t, store.Save(ctx, sampleCheckpoint("c1", "orders", base.Add(time.Minute))))
	require.NoError(t, store.Save(ctx, sampleCheckpoint("c2", "billing", base.Add(2*time.Minute))))

	orders, err := store.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "c1", orders[0].ID)
	assert.Equal(t, "c3", orders[1].ID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	require.NoError(t, store.Delete(ctx, "c1"))
	orders, err = store.List(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestMemoryCheckpointStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(ctx, sampleCheckpoint("shared", "orders", time.Now())))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cp := sampleCheckpoint("shared", "orders", time.Now())
			cp.Version = i
			cp.State = State{"writer": i, "marker": fmt.Sprint(i)}
			_ = store.Save(ctx, cp)
		}()
		go func() {
			defer wg.Done()
			cp, err := store.Load(ctx, "shared")
			if err != nil {
				return
			}
			// 一次读取要么看到整份旧值，要么看到整份新值
			if w, ok := cp.State["writer"]; ok {
				assert.Equal(t, fmt.Sprint(w), cp.State["marker"])
			}
		}()
	}
	wg.Wait()
}

func TestMemoryCheckpointStore_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryCheckpointStore()
	assert.ErrorIs(t, store.Save(ctx, sampleCheckpoint("c", "w", time.Now())), context.Canceled)
	_, err := store.Load(ctx, "c")
	assert.ErrorIs(t, err, context.Canceled)
}
