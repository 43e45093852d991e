package playlist

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/truongvando/ezstream-sub006/internal/agent"
	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

type fakeAgent struct {
	commands []agent.PlaylistCommand
	status   agent.StreamStatus
	err      error
}

func (a *fakeAgent) SendPlaylistCommand(_ context.Context, _ models.WorkerNode, cmd agent.PlaylistCommand) error {
	if a.err != nil {
		return a.err
	}
	a.commands = append(a.commands, cmd)
	return nil
}

func (a *fakeAgent) GetStreamStatus(_ context.Context, _ models.WorkerNode, _ string) (agent.StreamStatus, error) {
	return a.status, a.err
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *fakeAgent) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st := store.NewMemoryStore()
	fa := &fakeAgent{}
	return NewService(st, fa, logger), st, fa
}

// liveStream seeds a streaming record bound to worker w1.
func liveStream(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	w := &models.WorkerNode{
		ID: "w1", Name: "w1", Address: "http://10.0.0.1:9000",
		IsActive: true, Status: models.WorkerActive, MaxStreams: 5,
	}
	if err := st.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	rec := &models.StreamRecord{ID: id, UserID: "u1"}
	if err := st.CreateStream(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.BeginStart(ctx, id); err != nil {
		t.Fatalf("begin start: %v", err)
	}
	if err := st.BindStream(ctx, id, "w1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := st.CompleteStart(ctx, id); err != nil {
		t.Fatalf("complete start: %v", err)
	}
}

func TestCommandsReachTheAgent(t *testing.T) {
	ctx := context.Background()
	s, st, fa := newTestService(t)
	liveStream(t, st, "s1")
	owner := lifecycle.Actor{UserID: "u1"}

	if err := s.SetLoopMode(ctx, owner, "s1", false); err != nil {
		t.Fatalf("set loop: %v", err)
	}
	if err := s.SetPlaybackOrder(ctx, owner, "s1", models.PlaybackRandom); err != nil {
		t.Fatalf("set order: %v", err)
	}
	if err := s.AddVideos(ctx, owner, "s1", []string{"f1", "f2"}); err != nil {
		t.Fatalf("add videos: %v", err)
	}
	if err := s.Reorder(ctx, owner, "s1", []string{"f2", "f1"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	want := []string{ActionSetLoop, ActionSetOrder, ActionAdd, ActionReorder}
	if len(fa.commands) != len(want) {
		t.Fatalf("expected %d commands, got %d", len(want), len(fa.commands))
	}
	for i, action := range want {
		if fa.commands[i].Action != action || fa.commands[i].StreamID != "s1" {
			t.Fatalf("command %d: expected %s for s1, got %+v", i, action, fa.commands[i])
		}
	}
}

func TestCommandsRequireLiveStream(t *testing.T) {
	ctx := context.Background()
	s, st, fa := newTestService(t)
	owner := lifecycle.Actor{UserID: "u1"}

	rec := &models.StreamRecord{ID: "idle", UserID: "u1"}
	if err := st.CreateStream(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetLoopMode(ctx, owner, "idle", true); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming, got %v", err)
	}
	if len(fa.commands) != 0 {
		t.Fatalf("no command should be sent, got %d", len(fa.commands))
	}
}

func TestCommandsEnforceOwnership(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestService(t)
	liveStream(t, st, "s1")

	stranger := lifecycle.Actor{UserID: "u2"}
	if err := s.AddVideos(ctx, stranger, "s1", []string{"f1"}); !errors.Is(err, lifecycle.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	manager := lifecycle.Actor{UserID: "ops", FleetManager: true}
	if err := s.AddVideos(ctx, manager, "s1", []string{"f1"}); err != nil {
		t.Fatalf("fleet manager should bypass guard: %v", err)
	}
}

func TestCommandValidation(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestService(t)
	liveStream(t, st, "s1")
	owner := lifecycle.Actor{UserID: "u1"}

	if err := s.SetPlaybackOrder(ctx, owner, "s1", "shuffled"); !errors.Is(err, lifecycle.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := s.AddVideos(ctx, owner, "s1", nil); !errors.Is(err, lifecycle.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestQueryStatus(t *testing.T) {
	ctx := context.Background()
	s, st, fa := newTestService(t)
	liveStream(t, st, "s1")
	fa.status = agent.StreamStatus{StreamID: "s1", Running: true, CurrentFile: "a.mp4"}

	status, err := s.QueryStatus(ctx, lifecycle.Actor{UserID: "u1"}, "s1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !status.Running || status.CurrentFile != "a.mp4" {
		t.Fatalf("unexpected status: %+v", status)
	}
}
