// Package queue implements a durable, ordered list of mutation batches
// persisted under a single store key.
//
// The whole queue is one JSON document ([][]M), so every operation is a single
// atomic read-modify-write of that key. A document that no longer decodes is
// logged and treated as an empty queue rather than failing the caller.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/store"
)

// Queue is a durable FIFO of batches of M. Safe for concurrent use.
type Queue[M any] struct {
	kv     store.KV
	key    string
	logger *slog.Logger

	mu sync.Mutex
}

// New returns a queue persisted under key.
func New[M any](kv store.KV, key string, logger *slog.Logger) *Queue[M] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[M]{kv: kv, key: key, logger: logger.With("queue", key)}
}

// Key returns the store key backing the queue.
func (q *Queue[M]) Key() string {
	return q.key
}

// Append adds batch at the tail. Empty batches are ignored.
// The batch is durable when Append returns nil.
func (q *Queue[M]) Append(ctx context.Context, batch []M) error {
	if len(batch) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil {
		return err
	}
	return q.save(ctx, append(batches, batch))
}

// Peek returns the head batch without removing it.
func (q *Queue[M]) Peek(ctx context.Context) ([]M, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil || len(batches) == 0 {
		return nil, false, err
	}
	return batches[0], true, nil
}

// Pop removes the head batch. Popping an empty queue is a no-op.
func (q *Queue[M]) Pop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil || len(batches) == 0 {
		return err
	}
	return q.save(ctx, batches[1:])
}

// PopIf removes the head batch only if it is canonically equal to expected.
// It reports whether a batch was removed.
func (q *Queue[M]) PopIf(ctx context.Context, expected []M) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil || len(batches) == 0 {
		return false, err
	}
	if !mutation.SameBatch(batches[0], expected) {
		return false, nil
	}
	return true, q.save(ctx, batches[1:])
}

// All returns every batch in order.
func (q *Queue[M]) All(ctx context.Context) ([][]M, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of batches.
func (q *Queue[M]) Len(ctx context.Context) (int, error) {
	batches, err := q.All(ctx)
	return len(batches), err
}

// ReplaceAll swaps the queue contents for batches. Empty batches are dropped.
func (q *Queue[M]) ReplaceAll(ctx context.Context, batches [][]M) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, batches)
}

// Update applies fn to the current contents and stores the result, as one
// atomic step with respect to other queue operations.
func (q *Queue[M]) Update(ctx context.Context, fn func([][]M) [][]M) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil {
		return err
	}
	return q.save(ctx, fn(batches))
}

// Clear removes every batch.
func (q *Queue[M]) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kv.Remove(ctx, q.key)
}

func (q *Queue[M]) load(ctx context.Context) ([][]M, error) {
	raw, ok, err := q.kv.Get(ctx, q.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var batches [][]M
	if err := json.Unmarshal(raw, &batches); err != nil {
		q.logger.Error("discarding unreadable queue", "error", err)
		return nil, nil
	}
	return batches, nil
}

func (q *Queue[M]) save(ctx context.Context, batches [][]M) error {
	kept := make([][]M, 0, len(batches))
	for _, b := range batches {
		if len(b) > 0 {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return q.kv.Remove(ctx, q.key)
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.key, err)
	}
	return q.kv.Put(ctx, q.key, raw)
}
