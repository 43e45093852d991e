// Package dispatch executes lifecycle commands asynchronously. The machine
// enqueues, a pool of workers dequeues, contacts the VPS agent, and reports
// the outcome back through the machine's callbacks. Status is never written
// here.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/truongvando/ezstream-sub006/internal/allocator"
	"github.com/truongvando/ezstream-sub006/internal/notify"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// Callbacks report command outcomes back to the lifecycle machine.
type Callbacks interface {
	OnStartSucceeded(ctx context.Context, id string) error
	OnStartFailed(ctx context.Context, id, message string) error
	OnStopSucceeded(ctx context.Context, id string) error
	OnStopFailed(ctx context.Context, id, message string) error
}

// AgentClient contacts the daemon on a worker node.
type AgentClient interface {
	StartStream(ctx context.Context, w models.WorkerNode, streamID string, cfg models.StreamConfig) error
	StopStream(ctx context.Context, w models.WorkerNode, streamID string) error
}

// StreamAllocator binds a starting stream to a worker.
type StreamAllocator interface {
	Allocate(ctx context.Context, streamID string) (models.WorkerNode, error)
}

// Dispatcher runs the worker pool.
type Dispatcher struct {
	queue      Queue
	store      store.Store
	alloc      StreamAllocator
	agent      AgentClient
	notifier   notify.Notifier
	logger     logging.Logger
	workers    int
	maxRetries int
	retryDelay time.Duration
	operations *prometheus.CounterVec

	callbacks Callbacks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config sizes the dispatcher. A zero RetryDelay re-enqueues failed commands
// immediately.
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration

	// Operations counts command outcomes, labeled command/outcome. Optional.
	Operations *prometheus.CounterVec
}

// New creates a dispatcher. SetCallbacks must be called before Start; the
// lifecycle machine and the dispatcher reference each other, so wiring
// happens in two steps.
func New(queue Queue, st store.Store, alloc StreamAllocator, agent AgentClient, notifier notify.Notifier, logger logging.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Dispatcher{
		queue:      queue,
		store:      st,
		alloc:      alloc,
		agent:      agent,
		notifier:   notifier,
		logger:     logger,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		operations: cfg.Operations,
	}
}

// SetCallbacks installs the lifecycle machine's outcome hooks.
func (d *Dispatcher) SetCallbacks(cb Callbacks) {
	d.callbacks = cb
}

// EnqueueStart implements lifecycle.Enqueuer.
func (d *Dispatcher) EnqueueStart(ctx context.Context, rec models.StreamRecord) error {
	return d.queue.Enqueue(ctx, NewCommand(CommandStart, rec))
}

// EnqueueStop implements lifecycle.Enqueuer.
func (d *Dispatcher) EnqueueStop(ctx context.Context, rec models.StreamRecord) error {
	return d.queue.Enqueue(ctx, NewCommand(CommandStop, rec))
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.logger.WithFields(logging.Fields{
		"workers":     d.workers,
		"max_retries": d.maxRetries,
	}).Info("Starting command dispatcher")

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop shuts the pool down and waits for in-flight commands to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("Command dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		cmd, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			d.logger.WithFields(logging.Fields{
				"worker": id,
				"error":  err.Error(),
			}).Error("Failed to dequeue command")
			continue
		}
		d.handle(ctx, cmd)
	}
}

func (d *Dispatcher) countOutcome(cmd Command, outcome string) {
	if d.operations == nil {
		return
	}
	d.operations.WithLabelValues(string(cmd.Type), outcome).Inc()
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) {
	log := d.logger.WithFields(logging.Fields{
		"command_id": cmd.ID,
		"type":       string(cmd.Type),
		"stream_id":  cmd.StreamID,
		"attempt":    cmd.Attempt,
	})

	switch cmd.Type {
	case CommandStart:
		d.handleStart(ctx, cmd, log)
	case CommandStop:
		d.handleStop(ctx, cmd, log)
	default:
		log.Error("Unknown command type dropped")
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, cmd Command, log logging.Entry) {
	rec, err := d.store.GetStream(ctx, cmd.StreamID)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Start command for missing stream dropped")
		d.countOutcome(cmd, "dropped")
		return
	}
	if rec.Status != models.StreamStarting {
		// A newer transition superseded this command.
		log.WithField("status", string(rec.Status)).Info("Stale start command dropped")
		d.countOutcome(cmd, "dropped")
		return
	}

	var worker models.WorkerNode
	if rec.AssignedWorkerID == "" {
		worker, err = d.alloc.Allocate(ctx, cmd.StreamID)
		if errors.Is(err, allocator.ErrNoCapacity) {
			d.countOutcome(cmd, "failed")
			d.failStart(ctx, cmd, "no worker capacity available", log)
			d.notifier.Publish(ctx, notify.Event{
				Type:     notify.EventNoCapacity,
				StreamID: cmd.StreamID,
				Message:  "No worker capacity for stream start",
			})
			return
		}
		if errors.Is(err, store.ErrConflict) {
			log.Info("Stream left starting during allocation, command dropped")
			return
		}
		if err != nil {
			d.retryOrFail(ctx, cmd, "allocation failed: "+err.Error(), log)
			return
		}
	} else {
		// A retried command keeps its earlier binding.
		worker, err = d.store.GetWorker(ctx, rec.AssignedWorkerID)
		if err != nil {
			d.countOutcome(cmd, "failed")
			d.failStart(ctx, cmd, "assigned worker no longer registered", log)
			return
		}
	}

	if err := d.agent.StartStream(ctx, worker, cmd.StreamID, cmd.Config); err != nil {
		d.retryOrFail(ctx, cmd, "agent start failed: "+err.Error(), log)
		return
	}

	d.countOutcome(cmd, "success")
	if err := d.callbacks.OnStartSucceeded(ctx, cmd.StreamID); err != nil {
		// Confirmation lost the race against another transition; the agent is
		// relaying, a stop for this stream is already on the queue or the
		// watchdog will reconcile.
		log.WithField("error", err.Error()).Warn("Start confirmation rejected")
	}
}

func (d *Dispatcher) handleStop(ctx context.Context, cmd Command, log logging.Entry) {
	rec, err := d.store.GetStream(ctx, cmd.StreamID)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Stop command for missing stream dropped")
		d.countOutcome(cmd, "dropped")
		return
	}
	if rec.Status != models.StreamStopping {
		log.WithField("status", string(rec.Status)).Info("Stale stop command dropped")
		d.countOutcome(cmd, "dropped")
		return
	}

	if rec.AssignedWorkerID == "" {
		// Nothing ever launched; resolve immediately.
		if err := d.callbacks.OnStopSucceeded(ctx, cmd.StreamID); err != nil {
			log.WithField("error", err.Error()).Warn("Stop confirmation rejected")
		}
		return
	}

	worker, err := d.store.GetWorker(ctx, rec.AssignedWorkerID)
	if errors.Is(err, store.ErrNotFound) {
		// The worker was deregistered under us; there is nothing left to
		// signal.
		if err := d.callbacks.OnStopSucceeded(ctx, cmd.StreamID); err != nil {
			log.WithField("error", err.Error()).Warn("Stop confirmation rejected")
		}
		return
	}
	if err != nil {
		d.retryOrFail(ctx, cmd, "failed to load worker: "+err.Error(), log)
		return
	}

	if err := d.agent.StopStream(ctx, worker, cmd.StreamID); err != nil {
		d.retryOrFail(ctx, cmd, "agent stop failed: "+err.Error(), log)
		return
	}

	d.countOutcome(cmd, "success")
	if err := d.callbacks.OnStopSucceeded(ctx, cmd.StreamID); err != nil {
		log.WithField("error", err.Error()).Warn("Stop confirmation rejected")
	}
}

// retryOrFail re-enqueues the command until its attempt budget is spent,
// then records the failure.
func (d *Dispatcher) retryOrFail(ctx context.Context, cmd Command, message string, log logging.Entry) {
	if cmd.Attempt < d.maxRetries {
		cmd.Attempt++
		if d.retryDelay > 0 {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
			}
		}
		if err := d.queue.Enqueue(ctx, cmd); err == nil {
			log.WithField("reason", message).Warn("Command retry enqueued")
			d.countOutcome(cmd, "retry")
			return
		}
		log.Error("Failed to re-enqueue command, failing stream")
	}

	d.notifier.Publish(ctx, notify.Event{
		Type:     notify.EventRetriesExhausted,
		StreamID: cmd.StreamID,
		Message:  "Command retries exhausted",
		Details: map[string]interface{}{
			"command": string(cmd.Type),
			"attempt": cmd.Attempt,
			"reason":  message,
		},
	})

	d.countOutcome(cmd, "failed")
	switch cmd.Type {
	case CommandStart:
		d.failStart(ctx, cmd, message, log)
	case CommandStop:
		if err := d.callbacks.OnStopFailed(ctx, cmd.StreamID, message); err != nil {
			log.WithField("error", err.Error()).Warn("Stop failure not recorded")
		}
		d.notifier.Publish(ctx, notify.Event{
			Type:     notify.EventStopFailed,
			StreamID: cmd.StreamID,
			Message:  message,
		})
	}
}

func (d *Dispatcher) failStart(ctx context.Context, cmd Command, message string, log logging.Entry) {
	if err := d.callbacks.OnStartFailed(ctx, cmd.StreamID, message); err != nil {
		log.WithField("error", err.Error()).Warn("Start failure not recorded")
	}
	d.notifier.Publish(ctx, notify.Event{
		Type:     notify.EventStartFailed,
		StreamID: cmd.StreamID,
		Message:  message,
	})
}
