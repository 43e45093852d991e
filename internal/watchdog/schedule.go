package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
)

// ScheduleJob starts streams whose schedule window has opened and stops
// streams whose window has closed. All transitions go through the lifecycle
// machine like any owner command.
type ScheduleJob struct {
	store    store.Store
	machine  *lifecycle.Machine
	logger   logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// ScheduleConfig holds configuration for the schedule job.
type ScheduleConfig struct {
	Store    store.Store
	Machine  *lifecycle.Machine
	Logger   logging.Logger
	Interval time.Duration // How often to sweep (default: 30 seconds)
}

// NewScheduleJob creates a new schedule sweep job.
func NewScheduleJob(cfg ScheduleConfig) *ScheduleJob {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &ScheduleJob{
		store:    cfg.Store,
		machine:  cfg.Machine,
		logger:   cfg.Logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (j *ScheduleJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.WithFields(logging.Fields{"interval": j.interval.String()}).Info("Schedule sweep job started")
}

// Stop gracefully stops the job.
func (j *ScheduleJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Schedule sweep job stopped")
}

func (j *ScheduleJob) run() {
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

// Sweep runs one schedule pass.
func (j *ScheduleJob) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	now := time.Now()

	due, err := j.store.DueScheduledStarts(ctx, now)
	if err != nil {
		j.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list due starts")
	} else {
		for _, rec := range due {
			err := j.machine.Start(ctx, lifecycle.SystemActor, rec.ID)
			if err != nil && !isBenignTransition(err) {
				j.logger.WithFields(logging.Fields{
					"stream_id": rec.ID,
					"error":     err.Error(),
				}).Error("Scheduled start failed")
				continue
			}
			if err == nil {
				j.logger.WithFields(logging.Fields{"stream_id": rec.ID}).Info("Scheduled start issued")
			}
		}
	}

	over, err := j.store.DueScheduledStops(ctx, now)
	if err != nil {
		j.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list due stops")
		return
	}
	for _, rec := range over {
		if err := j.machine.Stop(ctx, lifecycle.SystemActor, rec.ID); err != nil {
			j.logger.WithFields(logging.Fields{
				"stream_id": rec.ID,
				"error":     err.Error(),
			}).Error("Scheduled stop failed")
			continue
		}
		j.logger.WithFields(logging.Fields{"stream_id": rec.ID}).Info("Scheduled stop issued")
	}
}

// isBenignTransition reports rejections that mean the stream is already
// where the schedule wants it.
func isBenignTransition(err error) bool {
	return errors.Is(err, lifecycle.ErrAlreadyStreaming) ||
		errors.Is(err, lifecycle.ErrAlreadyStarting) ||
		errors.Is(err, store.ErrNotFound)
}
