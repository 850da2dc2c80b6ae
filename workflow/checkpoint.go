package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a durable snapshot of a run, sufficient to resume it.
type Checkpoint struct {
	ID           string `json:"id"`
	Version      int    `json:"version"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`

	State          State    `json:"state"`
	CompletedNodes []string `json:"completed_nodes"`
	// Activated holds the pending activation frontier. Each group is a set of
	// nodes activated together; parallel fan-outs produce groups of several nodes.
	Activated   [][]string                `json:"activated"`
	Inputs      map[string]map[string]any `json:"inputs,omitempty"`
	NodeResults map[string]NodeOutcome    `json:"node_results"`
	// LoopCounters counts predicate-true evaluations per loop edge ("from->back").
	LoopCounters map[string]int `json:"loop_counters,omitempty"`
	Iterations   map[string]int `json:"iterations,omitempty"`
	Step         int            `json:"step"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Clone returns a copy that shares no slices or maps with c.
// Values stored inside State and outputs are copied shallowly.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	out.CompletedNodes = slices.Clone(c.CompletedNodes)
	out.Activated = make([][]string, len(c.Activated))
	for i, g := range c.Activated {
		out.Activated[i] = slices.Clone(g)
	}
	if c.Inputs != nil {
		out.Inputs = make(map[string]map[string]any, len(c.Inputs))
		for k, v := range c.Inputs {
			out.Inputs[k] = maps.Clone(v)
		}
	}
	out.NodeResults = maps.Clone(c.NodeResults)
	out.LoopCounters = maps.Clone(c.LoopCounters)
	out.Iterations = maps.Clone(c.Iterations)
	return &out
}

// CheckpointStore persists run checkpoints.
type CheckpointStore interface {
	// Save stores or overwrites the checkpoint with the same ID.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns ErrCheckpointNotFound for unknown ids.
	Load(ctx context.Context, id string) (*Checkpoint, error)
	// List returns checkpoints of a workflow, oldest first. Empty name lists all.
	List(ctx context.Context, workflowName string) ([]*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// NewCheckpointID returns a fresh checkpoint identifier.
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("checkpoint id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, ErrCheckpointNotFound)
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) List(ctx context.Context, workflowName string) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if workflowName == "" || cp.WorkflowName == workflowName {
			out = append(out, cp.Clone())
		}
	}
	s.mu.RUnlock()
	SortCheckpoints(out)
	return out, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrCheckpointNotFound)
	}
	delete(s.checkpoints, id)
	return nil
}

// SortCheckpoints orders checkpoints by timestamp, then id.
func SortCheckpoints(cps []*Checkpoint) {
	slices.SortFunc(cps, func(a, b *Checkpoint) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
