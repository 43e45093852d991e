// Package playlist is the command channel into a running relay process.
// Commands adjust the worker-side playlist in place and are fire-and-forget:
// the orchestrator does not track playlist state beyond the stream's
// original file list.
package playlist

import (
	"context"
	"errors"

	"github.com/truongvando/ezstream-sub006/internal/agent"
	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// ErrNotStreaming is returned when a playlist command targets a stream that
// is not live.
var ErrNotStreaming = errors.New("stream is not live")

// Playlist command actions understood by the worker agent.
const (
	ActionSetLoop  = "setLoopMode"
	ActionSetOrder = "setPlaybackOrder"
	ActionAdd      = "addVideos"
	ActionDelete   = "deleteVideos"
	ActionReorder  = "reorder"
)

// AgentClient is the slice of the agent API the playlist channel needs.
type AgentClient interface {
	SendPlaylistCommand(ctx context.Context, w models.WorkerNode, cmd agent.PlaylistCommand) error
	GetStreamStatus(ctx context.Context, w models.WorkerNode, streamID string) (agent.StreamStatus, error)
}

// Service relays playlist commands to the worker running the stream.
type Service struct {
	store  store.Store
	agent  AgentClient
	logger logging.Logger
}

// NewService creates a playlist service.
func NewService(st store.Store, agentClient AgentClient, logger logging.Logger) *Service {
	return &Service{store: st, agent: agentClient, logger: logger}
}

// resolve authorizes the actor and returns the worker currently running the
// stream.
func (s *Service) resolve(ctx context.Context, actor lifecycle.Actor, streamID string) (models.WorkerNode, error) {
	rec, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return models.WorkerNode{}, err
	}
	if !actor.FleetManager && rec.UserID != actor.UserID {
		return models.WorkerNode{}, lifecycle.ErrForbidden
	}
	if rec.Status != models.StreamStreaming || rec.AssignedWorkerID == "" {
		return models.WorkerNode{}, ErrNotStreaming
	}
	return s.store.GetWorker(ctx, rec.AssignedWorkerID)
}

func (s *Service) send(ctx context.Context, actor lifecycle.Actor, streamID, action string, payload interface{}) error {
	worker, err := s.resolve(ctx, actor, streamID)
	if err != nil {
		return err
	}
	err = s.agent.SendPlaylistCommand(ctx, worker, agent.PlaylistCommand{
		StreamID: streamID,
		Action:   action,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logging.Fields{
		"stream_id": streamID,
		"worker_id": worker.ID,
		"action":    action,
	}).Info("Playlist command sent")
	return nil
}

// SetLoopMode toggles looping on the running relay.
func (s *Service) SetLoopMode(ctx context.Context, actor lifecycle.Actor, streamID string, enabled bool) error {
	return s.send(ctx, actor, streamID, ActionSetLoop, map[string]bool{"enabled": enabled})
}

// SetPlaybackOrder switches the relay between sequential and random playback.
func (s *Service) SetPlaybackOrder(ctx context.Context, actor lifecycle.Actor, streamID string, order models.PlaybackOrder) error {
	if order != models.PlaybackSequential && order != models.PlaybackRandom {
		return lifecycle.ErrInvalidRequest
	}
	return s.send(ctx, actor, streamID, ActionSetOrder, map[string]string{"order": string(order)})
}

// AddVideos appends files to the running playlist.
func (s *Service) AddVideos(ctx context.Context, actor lifecycle.Actor, streamID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return lifecycle.ErrInvalidRequest
	}
	return s.send(ctx, actor, streamID, ActionAdd, map[string][]string{"file_ids": fileIDs})
}

// DeleteVideos removes files from the running playlist.
func (s *Service) DeleteVideos(ctx context.Context, actor lifecycle.Actor, streamID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return lifecycle.ErrInvalidRequest
	}
	return s.send(ctx, actor, streamID, ActionDelete, map[string][]string{"file_ids": fileIDs})
}

// Reorder replaces the playlist order with the given sequence.
func (s *Service) Reorder(ctx context.Context, actor lifecycle.Actor, streamID string, orderedFileIDs []string) error {
	if len(orderedFileIDs) == 0 {
		return lifecycle.ErrInvalidRequest
	}
	return s.send(ctx, actor, streamID, ActionReorder, map[string][]string{"file_ids": orderedFileIDs})
}

// QueryStatus asks the worker for its live view of the stream.
func (s *Service) QueryStatus(ctx context.Context, actor lifecycle.Actor, streamID string) (agent.StreamStatus, error) {
	worker, err := s.resolve(ctx, actor, streamID)
	if err != nil {
		return agent.StreamStatus{}, err
	}
	return s.agent.GetStreamStatus(ctx, worker, streamID)
}
