package registrar

import (
	"context"

	"github.com/roach88/audiencesync/internal/api"
)

// UploadPending drains the queue. It returns true when nothing is left to
// send (or there is no identifier to send to) and false when the caller
// should retry later.
//
// Concurrent callers share a single drain; none of them issues a second
// request for a batch already in flight.
func (r *Registrar[M]) UploadPending(ctx context.Context) bool {
	v, _, _ := r.flight.Do(r.property, func() (any, error) {
		return r.drain(ctx), nil
	})
	return v.(bool)
}

func (r *Registrar[M]) drain(ctx context.Context) bool {
	for {
		if err := r.collapseAndSave(ctx); err != nil {
			r.logger.Error("failed to collapse pending mutations", "error", err)
			return false
		}

		batch, identifier, ok, err := r.head(ctx)
		if err != nil {
			r.logger.Error("failed to read pending mutations", "error", err)
			return false
		}
		if !ok {
			r.recordDepth(ctx)
			return true
		}

		start := r.clock.Now()
		resp, err := r.client.Upload(ctx, identifier, batch)
		status := api.Classify(resp, err)
		r.metrics.ObserveUpload(r.property, status.String(), r.clock.Since(start))

		switch status {
		case api.StatusSuccess:
			r.notify(identifier, batch)
			popped, err := r.popIfCurrent(ctx, batch, &identifier)
			if err != nil {
				r.logger.Error("failed to pop uploaded batch", "error", err)
				return false
			}
			if !popped {
				r.logger.Debug("queue head or identifier changed during upload, re-evaluating")
			}

		case api.StatusRetryable:
			r.logger.Debug("upload failed, will retry", "error", err, "status", statusCode(resp))
			return false

		default:
			r.logger.Error("dropping batch rejected by server",
				"status", statusCode(resp),
				"identifier", identifier,
				"mutations", len(batch),
			)
			if _, err := r.popIfCurrent(ctx, batch, nil); err != nil {
				r.logger.Error("failed to drop rejected batch", "error", err)
				return false
			}
		}
	}
}

// collapseAndSave rewrites the queue as a single collapsed batch.
func (r *Registrar[M]) collapseAndSave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Update(ctx, func(batches [][]M) [][]M {
		if len(batches) == 0 {
			return nil
		}
		return [][]M{r.collapse(flatten(batches))}
	})
}

// head returns the first batch together with the identifier it would be
// sent to. ok is false when either is missing.
func (r *Registrar[M]) head(ctx context.Context) ([]M, string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identifier == nil {
		return nil, "", false, nil
	}
	batch, ok, err := r.queue.Peek(ctx)
	if err != nil || !ok || len(batch) == 0 {
		return nil, "", false, err
	}
	return batch, *r.identifier, true, nil
}

// popIfCurrent pops the head if it still equals batch and, when identifier
// is non-nil, the bound identifier is unchanged.
func (r *Registrar[M]) popIfCurrent(ctx context.Context, batch []M, identifier *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identifier != nil && !sameIdentifier(r.identifier, identifier) {
		return false, nil
	}
	return r.queue.PopIf(ctx, batch)
}

func statusCode(resp *api.Response) int {
	if resp == nil {
		return 0
	}
	return resp.Status
}
