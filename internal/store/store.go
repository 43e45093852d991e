// Package store persists stream jobs and the worker fleet, and provides the
// atomic primitives the lifecycle machine, allocator and watchdog are built
// on. Every status transition and every capacity mutation is a guarded
// compare-and-swap: concurrent callers race on the database row, exactly one
// wins, the rest observe ErrConflict or ErrNoCapacity.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

var (
	// ErrNotFound is returned when a stream or worker does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a guarded transition found the record in an
	// unexpected state. The caller re-reads to classify the rejection.
	ErrConflict = errors.New("conflicting state transition")

	// ErrNoCapacity is returned when a capacity-guarded bind found the worker
	// full.
	ErrNoCapacity = errors.New("worker has no free capacity")

	// ErrWorkerBusy is returned when deleting a worker that still holds
	// streams.
	ErrWorkerBusy = errors.New("worker still has bound streams")
)

// Store is the persistence boundary of the orchestrator.
type Store interface {
	// Stream CRUD.
	CreateStream(ctx context.Context, rec *models.StreamRecord) error
	GetStream(ctx context.Context, id string) (models.StreamRecord, error)
	ListStreamsByUser(ctx context.Context, userID string) ([]models.StreamRecord, error)
	ListStreamsByWorker(ctx context.Context, workerID string) ([]models.StreamRecord, error)
	DeleteStream(ctx context.Context, id string) error

	// Lifecycle primitives. All are single atomic compare-and-swap operations;
	// ErrConflict reports that the record was not in an expected status.

	// BeginStart moves inactive|error -> starting, clearing stale error state
	// and any leftover worker binding so the restart goes through allocation.
	BeginStart(ctx context.Context, id string) error
	// BeginStop moves streaming, or error with a bound worker, -> stopping.
	BeginStop(ctx context.Context, id string) error
	// RequestPendingStop flags a starting record for cancellation once the
	// in-flight start resolves. The status itself is not touched.
	RequestPendingStop(ctx context.Context, id string) error
	// CompleteStart resolves starting -> streaming. When a pending stop was
	// requested meanwhile the record moves to stopping instead and
	// pendingStop=true is returned so the caller can enqueue the stop.
	CompleteStart(ctx context.Context, id string) (pendingStop bool, err error)
	// CompleteStop resolves stopping -> inactive, clears the worker binding
	// and releases held capacity. Returns the worker the stream was bound to,
	// if any.
	CompleteStop(ctx context.Context, id string) (workerID string, err error)
	// FailStart moves starting -> error, clears the binding and releases held
	// capacity.
	FailStart(ctx context.Context, id, message string) (workerID string, err error)
	// FailStop moves stopping -> error and releases held capacity, but keeps
	// the worker binding so a later stop can still target the node.
	FailStop(ctx context.Context, id, message string) (workerID string, err error)

	// Allocation.

	// ListEligibleWorkers returns enabled, provisioned workers with free
	// capacity, least-loaded first (load ratio, then absolute load, then id).
	ListEligibleWorkers(ctx context.Context) ([]models.WorkerNode, error)
	// BindStream atomically increments the worker's stream counter and binds
	// the (still starting) stream to it. ErrNoCapacity when the worker is
	// full, ErrConflict when the stream left the starting state.
	BindStream(ctx context.Context, streamID, workerID string) error

	// Worker CRUD.
	RegisterWorker(ctx context.Context, w *models.WorkerNode) error
	GetWorker(ctx context.Context, id string) (models.WorkerNode, error)
	ListWorkers(ctx context.Context) ([]models.WorkerNode, error)
	SetWorkerActive(ctx context.Context, id string, active bool) error
	SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus) error
	// DeleteWorker removes a worker. ErrWorkerBusy when streams are bound.
	DeleteWorker(ctx context.Context, id string) error

	// Watchdog.

	// StuckStreams returns records sitting in a transient status since before
	// the cutoff.
	StuckStreams(ctx context.Context, cutoff time.Time) ([]models.StreamRecord, error)
	// ReclaimStuckStream forces a stuck transient record back to inactive,
	// clears the binding and releases capacity. The cutoff re-check inside the
	// swap makes concurrent sweeps release at most once.
	ReclaimStuckStream(ctx context.Context, id string, cutoff time.Time, message string) (released bool, workerID string, err error)

	// Schedule sweeps.
	DueScheduledStarts(ctx context.Context, now time.Time) ([]models.StreamRecord, error)
	DueScheduledStops(ctx context.Context, now time.Time) ([]models.StreamRecord, error)
}
