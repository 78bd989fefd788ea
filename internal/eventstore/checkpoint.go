package eventstore

import (
	"context"
	"sync"
)

// CheckpointStore remembers the last position each consumer group handled.
type CheckpointStore interface {
	Load(ctx context.Context, group string) (int64, error)
	Save(ctx context.Context, group string, position int64) error
}

type MemoryCheckpoints struct {
	mu        sync.Mutex
	positions map[string]int64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{positions: make(map[string]int64)}
}

func (c *MemoryCheckpoints) Load(_ context.Context, group string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[group], nil
}

func (c *MemoryCheckpoints) Save(_ context.Context, group string, position int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[group] = position
	return nil
}
