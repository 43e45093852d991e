// Package watchdog contains the orchestrator's periodic reconcilers: the
// stuck-stream sweep and the schedule sweep.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/truongvando/ezstream-sub006/internal/notify"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
)

const sweepTimeout = 2 * time.Minute

// ReclaimJob sweeps streams stuck in a transient status beyond the grace
// period and forces them back to inactive, releasing held capacity. It is
// the safety net for lost dispatcher callbacks and crashed workers.
type ReclaimJob struct {
	store       store.Store
	notifier    notify.Notifier
	logger      logging.Logger
	interval    time.Duration
	grace       time.Duration
	corrections prometheus.Counter
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// ReclaimConfig holds configuration for the reclaim job.
type ReclaimConfig struct {
	Store    store.Store
	Notifier notify.Notifier
	Logger   logging.Logger
	Interval time.Duration // How often to sweep (default: 1 minute)
	Grace    time.Duration // How long a transient status may persist (default: 5 minutes)

	// Corrections counts reclaimed streams. Optional.
	Corrections prometheus.Counter
}

// NewReclaimJob creates a new stuck-stream reclaim job.
func NewReclaimJob(cfg ReclaimConfig) *ReclaimJob {
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Minute
	}
	grace := cfg.Grace
	if grace == 0 {
		grace = 5 * time.Minute
	}
	return &ReclaimJob{
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		interval:    interval,
		grace:       grace,
		corrections: cfg.Corrections,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (j *ReclaimJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.WithFields(logging.Fields{
		"interval": j.interval.String(),
		"grace":    j.grace.String(),
	}).Info("Stream reclaim job started")
}

// Stop gracefully stops the job.
func (j *ReclaimJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Stream reclaim job stopped")
}

func (j *ReclaimJob) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep()
		case <-j.stopCh:
			return
		}
	}
}

// Sweep runs one reclaim pass. Exported so tests and operators can trigger
// it directly.
func (j *ReclaimJob) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-j.grace)
	stuck, err := j.store.StuckStreams(ctx, cutoff)
	if err != nil {
		j.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list stuck streams")
		return
	}
	if len(stuck) == 0 {
		return
	}

	reclaimed := 0
	for _, rec := range stuck {
		age := time.Since(rec.UpdatedAt).Round(time.Second)
		message := fmt.Sprintf("forced inactive after %s in %s", age, rec.Status)

		released, workerID, err := j.store.ReclaimStuckStream(ctx, rec.ID, cutoff, message)
		if err != nil {
			j.logger.WithFields(logging.Fields{
				"stream_id": rec.ID,
				"error":     err.Error(),
			}).Error("Failed to reclaim stuck stream")
			continue
		}
		if !released {
			// Resolved between listing and claim.
			continue
		}
		reclaimed++
		if j.corrections != nil {
			j.corrections.Inc()
		}
		j.logger.WithFields(logging.Fields{
			"stream_id":   rec.ID,
			"worker_id":   workerID,
			"stuck_state": string(rec.Status),
			"stuck_for":   age.String(),
		}).Warn("Reclaimed stuck stream")
	}

	if reclaimed > 0 {
		j.notifier.Publish(ctx, notify.Event{
			Type:    notify.EventWatchdogSweep,
			Message: "Watchdog reclaimed stuck streams",
			Details: map[string]interface{}{
				"candidates": len(stuck),
				"reclaimed":  reclaimed,
			},
		})
	}
}
