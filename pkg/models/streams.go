package models

import (
	"time"
)

// StreamStatus is the lifecycle status of a stream job.
type StreamStatus string

const (
	// StreamInactive is the idle terminal state.
	StreamInactive StreamStatus = "inactive"
	// StreamStarting is the transient state between a start command and its resolution.
	StreamStarting StreamStatus = "starting"
	// StreamStreaming is the live terminal state.
	StreamStreaming StreamStatus = "streaming"
	// StreamStopping is the transient state between a stop command and its resolution.
	StreamStopping StreamStatus = "stopping"
	// StreamError is the failure terminal state.
	StreamError StreamStatus = "error"
)

// IsTransient reports whether the status is expected to resolve shortly and is
// therefore subject to the watchdog grace timeout.
func (s StreamStatus) IsTransient() bool {
	return s == StreamStarting || s == StreamStopping
}

// PlaybackOrder controls how source files are played on the worker.
type PlaybackOrder string

const (
	PlaybackSequential PlaybackOrder = "sequential"
	PlaybackRandom     PlaybackOrder = "random"
)

// StreamConfig is the desired configuration of a stream job. It is carried
// verbatim inside dispatch commands so workers never re-query the control
// plane mid-operation.
type StreamConfig struct {
	Title          string        `json:"title"`
	SourceFiles    []string      `json:"source_files"`
	PrimaryRTMPURL string        `json:"primary_rtmp_url"`
	BackupRTMPURL  string        `json:"backup_rtmp_url,omitempty"`
	StreamKey      string        `json:"stream_key"`
	LoopEnabled    bool          `json:"loop_enabled"`
	PlaybackOrder  PlaybackOrder `json:"playback_order"`
	ScheduleStart  *time.Time    `json:"schedule_start,omitempty"`
	ScheduleEnd    *time.Time    `json:"schedule_end,omitempty"`
}

// StreamRecord is a persisted stream job: desired configuration plus observed
// lifecycle state.
type StreamRecord struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Config StreamConfig `json:"config"`

	Status           StreamStatus `json:"status"`
	AssignedWorkerID string       `json:"assigned_worker_id,omitempty"`
	CapacityHeld     bool         `json:"-"`
	PendingStop      bool         `json:"pending_stop"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	LastStartedAt    *time.Time   `json:"last_started_at,omitempty"`
	LastStoppedAt    *time.Time   `json:"last_stopped_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CreateStreamRequest is the owner-facing payload for creating a stream job.
type CreateStreamRequest struct {
	Title          string        `json:"title" binding:"required"`
	SourceFiles    []string      `json:"source_files" binding:"required"`
	PrimaryRTMPURL string        `json:"primary_rtmp_url" binding:"required"`
	BackupRTMPURL  string        `json:"backup_rtmp_url"`
	StreamKey      string        `json:"stream_key" binding:"required"`
	LoopEnabled    *bool         `json:"loop_enabled"`
	PlaybackOrder  PlaybackOrder `json:"playback_order"`
	ScheduleStart  *time.Time    `json:"schedule_start"`
	ScheduleEnd    *time.Time    `json:"schedule_end"`
}

// ErrorResponse is the standard error envelope for HTTP responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges an accepted asynchronous command.
type StatusResponse struct {
	ID     string       `json:"id"`
	Status StreamStatus `json:"status"`
}
