// Package allocator picks a worker for a starting stream. Selection is
// least-loaded-first; the actual slot acquisition is the store's guarded
// bind, so a stale candidate list only costs a retry on the next candidate.
package allocator

import (
	"context"
	"errors"

	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// ErrNoCapacity is returned when no eligible worker could take the stream.
var ErrNoCapacity = errors.New("no worker capacity available")

// Allocator assigns streams to workers.
type Allocator struct {
	store  store.Store
	logger logging.Logger
}

// New creates an allocator.
func New(st store.Store, logger logging.Logger) *Allocator {
	return &Allocator{store: st, logger: logger}
}

// Allocate binds the stream to the least-loaded eligible worker. Candidates
// are walked in rank order; a worker that filled up between the listing and
// the bind is skipped. store.ErrConflict propagates when the stream left the
// starting state mid-allocation.
func (a *Allocator) Allocate(ctx context.Context, streamID string) (models.WorkerNode, error) {
	workers, err := a.store.ListEligibleWorkers(ctx)
	if err != nil {
		return models.WorkerNode{}, err
	}

	for _, w := range workers {
		err := a.store.BindStream(ctx, streamID, w.ID)
		if err == nil {
			a.logger.WithFields(logging.Fields{
				"stream_id":       streamID,
				"worker_id":       w.ID,
				"worker_load":     w.CurrentStreams,
				"worker_capacity": w.MaxStreams,
			}).Info("Stream bound to worker")
			return w, nil
		}
		if errors.Is(err, store.ErrNoCapacity) {
			a.logger.WithFields(logging.Fields{
				"stream_id": streamID,
				"worker_id": w.ID,
			}).Debug("Worker filled up during allocation, trying next")
			continue
		}
		return models.WorkerNode{}, err
	}

	a.logger.WithFields(logging.Fields{
		"stream_id":  streamID,
		"candidates": len(workers),
	}).Warn("No worker capacity for stream")
	return models.WorkerNode{}, ErrNoCapacity
}
