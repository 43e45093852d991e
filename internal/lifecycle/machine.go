// Package lifecycle owns every stream status transition. HTTP handlers, the
// dispatcher and the schedule sweeper all funnel through the Machine; nothing
// else writes stream status. Transitions are backed by the store's guarded
// compare-and-swap primitives, so two racing callers resolve to one winner
// and one classified rejection.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// Actor identifies who is driving a transition. System components (watchdog,
// schedule sweeper, dispatcher callbacks) use SystemActor and bypass the
// ownership check.
type Actor struct {
	UserID       string
	FleetManager bool
}

// SystemActor is the internal caller identity.
var SystemActor = Actor{FleetManager: true}

// Enqueuer hands commands to the dispatch layer. The Machine never talks to
// workers directly.
type Enqueuer interface {
	EnqueueStart(ctx context.Context, rec models.StreamRecord) error
	EnqueueStop(ctx context.Context, rec models.StreamRecord) error
}

// Machine drives the stream lifecycle.
type Machine struct {
	store  store.Store
	queue  Enqueuer
	logger logging.Logger

	// deleteStopWait bounds how long Delete waits for a forced stop to
	// resolve before removing the record anyway.
	deleteStopWait time.Duration
	pollInterval   time.Duration
}

// NewMachine creates a lifecycle machine.
func NewMachine(st store.Store, queue Enqueuer, logger logging.Logger, deleteStopWait time.Duration) *Machine {
	return &Machine{
		store:          st,
		queue:          queue,
		logger:         logger,
		deleteStopWait: deleteStopWait,
		pollInterval:   500 * time.Millisecond,
	}
}

// authorize loads the stream and enforces the ownership guard.
func (m *Machine) authorize(ctx context.Context, actor Actor, id string) (models.StreamRecord, error) {
	rec, err := m.store.GetStream(ctx, id)
	if err != nil {
		return models.StreamRecord{}, err
	}
	if !actor.FleetManager && rec.UserID != actor.UserID {
		return models.StreamRecord{}, ErrForbidden
	}
	return rec, nil
}

// Create validates the request and persists a new inactive stream job.
func (m *Machine) Create(ctx context.Context, actor Actor, req models.CreateStreamRequest) (models.StreamRecord, error) {
	if len(req.SourceFiles) == 0 {
		return models.StreamRecord{}, fmt.Errorf("%w: at least one source file is required", ErrInvalidRequest)
	}
	order := req.PlaybackOrder
	if order == "" {
		order = models.PlaybackSequential
	}
	if order != models.PlaybackSequential && order != models.PlaybackRandom {
		return models.StreamRecord{}, fmt.Errorf("%w: unknown playback order %q", ErrInvalidRequest, order)
	}
	if req.ScheduleStart != nil && req.ScheduleEnd != nil && !req.ScheduleEnd.After(*req.ScheduleStart) {
		return models.StreamRecord{}, fmt.Errorf("%w: schedule_end must be after schedule_start", ErrInvalidRequest)
	}
	loop := true
	if req.LoopEnabled != nil {
		loop = *req.LoopEnabled
	}

	rec := models.StreamRecord{
		ID:     uuid.New().String(),
		UserID: actor.UserID,
		Config: models.StreamConfig{
			Title:          req.Title,
			SourceFiles:    req.SourceFiles,
			PrimaryRTMPURL: req.PrimaryRTMPURL,
			BackupRTMPURL:  req.BackupRTMPURL,
			StreamKey:      req.StreamKey,
			LoopEnabled:    loop,
			PlaybackOrder:  order,
			ScheduleStart:  req.ScheduleStart,
			ScheduleEnd:    req.ScheduleEnd,
		},
	}
	if err := m.store.CreateStream(ctx, &rec); err != nil {
		return models.StreamRecord{}, err
	}

	m.logger.WithFields(logging.Fields{
		"stream_id": rec.ID,
		"user_id":   rec.UserID,
		"title":     rec.Config.Title,
	}).Info("Stream created")
	return rec, nil
}

// Get returns a stream the actor is allowed to see.
func (m *Machine) Get(ctx context.Context, actor Actor, id string) (models.StreamRecord, error) {
	return m.authorize(ctx, actor, id)
}

// List returns the actor's streams.
func (m *Machine) List(ctx context.Context, actor Actor) ([]models.StreamRecord, error) {
	return m.store.ListStreamsByUser(ctx, actor.UserID)
}

// Start accepts a start request and enqueues the start command. The call
// returns as soon as the record is in starting; allocation and agent contact
// happen asynchronously in the dispatcher.
func (m *Machine) Start(ctx context.Context, actor Actor, id string) error {
	rec, err := m.authorize(ctx, actor, id)
	if err != nil {
		return err
	}

	if err := m.store.BeginStart(ctx, id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return m.classifyStartRejection(ctx, id)
		}
		return err
	}
	rec.Status = models.StreamStarting

	if err := m.queue.EnqueueStart(ctx, rec); err != nil {
		// The record would otherwise sit in starting until the watchdog
		// reclaims it; fail it eagerly instead.
		if _, failErr := m.store.FailStart(ctx, id, "failed to enqueue start command"); failErr != nil {
			m.logger.WithFields(logging.Fields{
				"stream_id": id,
				"error":     failErr.Error(),
			}).Error("Failed to record enqueue failure")
		}
		return fmt.Errorf("failed to enqueue start: %w", err)
	}

	m.logger.WithFields(logging.Fields{"stream_id": id, "user_id": actor.UserID}).Info("Stream start accepted")
	return nil
}

func (m *Machine) classifyStartRejection(ctx context.Context, id string) error {
	rec, err := m.store.GetStream(ctx, id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case models.StreamStreaming:
		return ErrAlreadyStreaming
	case models.StreamStarting:
		return ErrAlreadyStarting
	case models.StreamStopping:
		return ErrStopInProgress
	default:
		// The rejection resolved itself between the swap and the re-read.
		return ErrAlreadyStarting
	}
}

// Stop accepts a stop request. Stopping an inactive or already-stopping
// stream is a no-op success; stopping a starting stream flags it for
// cancellation once the in-flight start resolves.
func (m *Machine) Stop(ctx context.Context, actor Actor, id string) error {
	rec, err := m.authorize(ctx, actor, id)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		switch rec.Status {
		case models.StreamInactive, models.StreamStopping:
			return nil
		case models.StreamError:
			if rec.AssignedWorkerID == "" {
				return nil
			}
		case models.StreamStarting:
			err := m.store.RequestPendingStop(ctx, id)
			if err == nil {
				m.logger.WithFields(logging.Fields{"stream_id": id}).Info("Stop requested during start, deferred")
				return nil
			}
			if !errors.Is(err, store.ErrConflict) {
				return err
			}
			// The start resolved under us; re-read and take the normal path.
			rec, err = m.store.GetStream(ctx, id)
			if err != nil {
				return err
			}
			continue
		}

		err := m.store.BeginStop(ctx, id)
		if err == nil {
			if err := m.queue.EnqueueStop(ctx, rec); err != nil {
				if _, failErr := m.store.FailStop(ctx, id, "failed to enqueue stop command"); failErr != nil {
					m.logger.WithFields(logging.Fields{
						"stream_id": id,
						"error":     failErr.Error(),
					}).Error("Failed to record enqueue failure")
				}
				return fmt.Errorf("failed to enqueue stop: %w", err)
			}
			m.logger.WithFields(logging.Fields{"stream_id": id, "user_id": actor.UserID}).Info("Stream stop accepted")
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		rec, err = m.store.GetStream(ctx, id)
		if err != nil {
			return err
		}
	}
	// Three state flips while we were classifying; treat as concurrently
	// handled.
	return nil
}

// Delete removes a stream. A live stream is force-stopped first, with a
// bounded wait; if the stop does not confirm in time the record is removed
// anyway and the worker may briefly relay an orphaned stream.
func (m *Machine) Delete(ctx context.Context, actor Actor, id string) error {
	rec, err := m.authorize(ctx, actor, id)
	if err != nil {
		return err
	}

	if rec.Status != models.StreamInactive {
		if err := m.Stop(ctx, actor, id); err != nil {
			return fmt.Errorf("failed to stop before delete: %w", err)
		}
		m.waitForStop(ctx, id)
	}

	// If the stop never confirmed the record is still transient and holds a
	// worker slot; reclaim it so the capacity is not leaked with the row.
	rec, err = m.store.GetStream(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.IsTransient() {
		released, workerID, err := m.store.ReclaimStuckStream(ctx, id, time.Now().Add(time.Second), "stream deleted before stop confirmed")
		if err != nil {
			return fmt.Errorf("failed to reclaim before delete: %w", err)
		}
		if released {
			m.logger.WithFields(logging.Fields{
				"stream_id": id,
				"worker_id": workerID,
			}).Warn("Stream deleted before stop confirmed, worker may still be relaying")
		}
	}

	if err := m.store.DeleteStream(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.logger.WithFields(logging.Fields{"stream_id": id, "user_id": actor.UserID}).Info("Stream deleted")
	return nil
}

func (m *Machine) waitForStop(ctx context.Context, id string) {
	deadline := time.Now().Add(m.deleteStopWait)
	for time.Now().Before(deadline) {
		rec, err := m.store.GetStream(ctx, id)
		if err != nil {
			return
		}
		if !rec.Status.IsTransient() && rec.Status != models.StreamStreaming {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// OnStartSucceeded is the dispatcher callback for a confirmed start. When a
// stop was requested mid-start the record lands in stopping instead of
// streaming and the stop command is enqueued now that the worker is known.
func (m *Machine) OnStartSucceeded(ctx context.Context, id string) error {
	pendingStop, err := m.store.CompleteStart(ctx, id)
	if err != nil {
		return err
	}
	if !pendingStop {
		m.logger.WithFields(logging.Fields{"stream_id": id}).Info("Stream is live")
		return nil
	}

	rec, err := m.store.GetStream(ctx, id)
	if err != nil {
		return err
	}
	m.logger.WithFields(logging.Fields{"stream_id": id}).Info("Deferred stop resumes after start confirmation")
	if err := m.queue.EnqueueStop(ctx, rec); err != nil {
		if _, failErr := m.store.FailStop(ctx, id, "failed to enqueue deferred stop"); failErr != nil {
			m.logger.WithFields(logging.Fields{
				"stream_id": id,
				"error":     failErr.Error(),
			}).Error("Failed to record enqueue failure")
		}
		return fmt.Errorf("failed to enqueue deferred stop: %w", err)
	}
	return nil
}

// OnStartFailed records a start failure after the dispatcher exhausted its
// retries.
func (m *Machine) OnStartFailed(ctx context.Context, id, message string) error {
	workerID, err := m.store.FailStart(ctx, id, message)
	if err != nil {
		return err
	}
	m.logger.WithFields(logging.Fields{
		"stream_id": id,
		"worker_id": workerID,
		"reason":    message,
	}).Error("Stream start failed")
	return nil
}

// OnStopSucceeded records a confirmed stop and frees the worker slot.
func (m *Machine) OnStopSucceeded(ctx context.Context, id string) error {
	workerID, err := m.store.CompleteStop(ctx, id)
	if err != nil {
		return err
	}
	m.logger.WithFields(logging.Fields{"stream_id": id, "worker_id": workerID}).Info("Stream stopped")
	return nil
}

// OnStopFailed records a stop failure. Capacity is released but the worker
// binding is kept so a retried stop can still reach the node.
func (m *Machine) OnStopFailed(ctx context.Context, id, message string) error {
	workerID, err := m.store.FailStop(ctx, id, message)
	if err != nil {
		return err
	}
	m.logger.WithFields(logging.Fields{
		"stream_id": id,
		"worker_id": workerID,
		"reason":    message,
	}).Error("Stream stop failed")
	return nil
}
