package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

type fakeQueue struct {
	mu     sync.Mutex
	starts []models.StreamRecord
	stops  []models.StreamRecord
	fail   error
}

func (q *fakeQueue) EnqueueStart(_ context.Context, rec models.StreamRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.starts = append(q.starts, rec)
	return nil
}

func (q *fakeQueue) EnqueueStop(_ context.Context, rec models.StreamRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.stops = append(q.stops, rec)
	return nil
}

func (q *fakeQueue) counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.starts), len(q.stops)
}

func quietLogger() logging.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestMachine(t *testing.T) (*Machine, *store.MemoryStore, *fakeQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	queue := &fakeQueue{}
	m := NewMachine(st, queue, quietLogger(), 200*time.Millisecond)
	m.pollInterval = 10 * time.Millisecond
	return m, st, queue
}

func createStream(t *testing.T, m *Machine, actor Actor) models.StreamRecord {
	t.Helper()
	rec, err := m.Create(context.Background(), actor, models.CreateStreamRequest{
		Title:          "launch",
		SourceFiles:    []string{"a.mp4"},
		PrimaryRTMPURL: "rtmp://ingest.example.com/live",
		StreamKey:      "key",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func seedWorker(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	w := &models.WorkerNode{
		ID: id, Name: id, Address: "http://10.0.0.1:9000",
		IsActive: true, Status: models.WorkerActive, MaxStreams: 5,
	}
	if err := st.RegisterWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
}

func bind(t *testing.T, st *store.MemoryStore, streamID, workerID string) {
	t.Helper()
	if err := st.BindStream(context.Background(), streamID, workerID); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	past := time.Now()
	before := past.Add(-time.Hour)

	tests := []struct {
		name string
		req  models.CreateStreamRequest
	}{
		{"no_sources", models.CreateStreamRequest{Title: "x", PrimaryRTMPURL: "rtmp://x", StreamKey: "k"}},
		{"bad_order", models.CreateStreamRequest{Title: "x", SourceFiles: []string{"a"}, PrimaryRTMPURL: "rtmp://x", StreamKey: "k", PlaybackOrder: "shuffled"}},
		{"inverted_window", models.CreateStreamRequest{Title: "x", SourceFiles: []string{"a"}, PrimaryRTMPURL: "rtmp://x", StreamKey: "k", ScheduleStart: &past, ScheduleEnd: &before}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(context.Background(), actor, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	m, _, _ := newTestMachine(t)
	rec := createStream(t, m, Actor{UserID: "u1"})

	if rec.Status != models.StreamInactive {
		t.Fatalf("expected inactive, got %s", rec.Status)
	}
	if !rec.Config.LoopEnabled {
		t.Fatal("expected loop enabled by default")
	}
	if rec.Config.PlaybackOrder != models.PlaybackSequential {
		t.Fatalf("expected sequential default, got %s", rec.Config.PlaybackOrder)
	}
}

func TestOwnershipGuard(t *testing.T) {
	m, _, _ := newTestMachine(t)
	owner := Actor{UserID: "u1"}
	stranger := Actor{UserID: "u2"}
	manager := Actor{UserID: "ops", FleetManager: true}
	rec := createStream(t, m, owner)

	if err := m.Start(context.Background(), stranger, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := m.Get(context.Background(), stranger, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on get, got %v", err)
	}
	if _, err := m.Get(context.Background(), manager, rec.ID); err != nil {
		t.Fatalf("fleet manager should bypass guard: %v", err)
	}
	if err := m.Start(context.Background(), owner, rec.ID); err != nil {
		t.Fatalf("owner start: %v", err)
	}
}

func TestStartEnqueuesAndClassifiesRepeats(t *testing.T) {
	ctx := context.Background()
	m, st, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if starts, _ := queue.counts(); starts != 1 {
		t.Fatalf("expected 1 start command, got %d", starts)
	}

	if err := m.Start(ctx, actor, rec.ID); !errors.Is(err, ErrAlreadyStarting) {
		t.Fatalf("expected ErrAlreadyStarting, got %v", err)
	}

	if _, err := st.CompleteStart(ctx, rec.ID); err != nil {
		t.Fatalf("complete start: %v", err)
	}
	if err := m.Start(ctx, actor, rec.ID); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}

	if err := st.BeginStop(ctx, rec.ID); err != nil {
		t.Fatalf("begin stop: %v", err)
	}
	if err := m.Start(ctx, actor, rec.ID); !errors.Is(err, ErrStopInProgress) {
		t.Fatalf("expected ErrStopInProgress, got %v", err)
	}
}

func TestStartEnqueueFailureFailsTheStream(t *testing.T) {
	ctx := context.Background()
	m, st, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	queue.fail = errors.New("queue unavailable")

	if err := m.Start(ctx, actor, rec.ID); err == nil {
		t.Fatal("expected enqueue failure to propagate")
	}
	got, err := st.GetStream(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StreamError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected error message to be recorded")
	}
}

func TestStopIsIdempotentWhenNotLive(t *testing.T) {
	ctx := context.Background()
	m, _, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)

	// Inactive stop is a no-op success.
	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop inactive: %v", err)
	}
	if _, stops := queue.counts(); stops != 0 {
		t.Fatalf("expected no stop command, got %d", stops)
	}
}

func TestStopWhileStreaming(t *testing.T) {
	ctx := context.Background()
	m, st, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	seedWorker(t, st, "w1")

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	bind(t, st, rec.ID, "w1")
	if err := m.OnStartSucceeded(ctx, rec.ID); err != nil {
		t.Fatalf("on start succeeded: %v", err)
	}

	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, stops := queue.counts(); stops != 1 {
		t.Fatalf("expected 1 stop command, got %d", stops)
	}
	// A second stop while stopping is a no-op.
	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
	if _, stops := queue.counts(); stops != 1 {
		t.Fatalf("expected still 1 stop command, got %d", stops)
	}

	if err := m.OnStopSucceeded(ctx, rec.ID); err != nil {
		t.Fatalf("on stop succeeded: %v", err)
	}
	got, _ := st.GetStream(ctx, rec.ID)
	if got.Status != models.StreamInactive || got.AssignedWorkerID != "" {
		t.Fatalf("expected unbound inactive, got %s bound to %q", got.Status, got.AssignedWorkerID)
	}
}

func TestStopDuringStartDefersThenEnqueues(t *testing.T) {
	ctx := context.Background()
	m, st, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	seedWorker(t, st, "w1")

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop during start: %v", err)
	}
	if _, stops := queue.counts(); stops != 0 {
		t.Fatalf("stop must be deferred, got %d commands", stops)
	}

	bind(t, st, rec.ID, "w1")
	if err := m.OnStartSucceeded(ctx, rec.ID); err != nil {
		t.Fatalf("on start succeeded: %v", err)
	}

	got, _ := st.GetStream(ctx, rec.ID)
	if got.Status != models.StreamStopping {
		t.Fatalf("expected stopping, got %s", got.Status)
	}
	if _, stops := queue.counts(); stops != 1 {
		t.Fatalf("expected deferred stop to be enqueued, got %d", stops)
	}
}

func TestStopFromErrorWithBoundWorker(t *testing.T) {
	ctx := context.Background()
	m, st, queue := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	seedWorker(t, st, "w1")

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	bind(t, st, rec.ID, "w1")
	if err := m.OnStartSucceeded(ctx, rec.ID); err != nil {
		t.Fatalf("on start succeeded: %v", err)
	}
	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.OnStopFailed(ctx, rec.ID, "agent timed out"); err != nil {
		t.Fatalf("on stop failed: %v", err)
	}

	got, _ := st.GetStream(ctx, rec.ID)
	if got.Status != models.StreamError || got.AssignedWorkerID != "w1" {
		t.Fatalf("expected bound error record, got %s bound to %q", got.Status, got.AssignedWorkerID)
	}

	// The error record still knows its worker, so stop is legal again.
	if err := m.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop from error: %v", err)
	}
	if _, stops := queue.counts(); stops != 2 {
		t.Fatalf("expected retried stop command, got %d", stops)
	}
}

func TestOnStartFailedReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	seedWorker(t, st, "w1")

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	bind(t, st, rec.ID, "w1")
	if err := m.OnStartFailed(ctx, rec.ID, "ffmpeg exited"); err != nil {
		t.Fatalf("on start failed: %v", err)
	}

	got, _ := st.GetStream(ctx, rec.ID)
	if got.Status != models.StreamError || got.ErrorMessage != "ffmpeg exited" {
		t.Fatalf("expected error record, got %s %q", got.Status, got.ErrorMessage)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("expected released slot, got %d", w.CurrentStreams)
	}
}

func TestDeleteInactiveStream(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)

	if err := m.Delete(ctx, actor, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetStream(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stream gone, got %v", err)
	}
}

func TestDeleteLiveStreamReclaimsCapacity(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMachine(t)
	actor := Actor{UserID: "u1"}
	rec := createStream(t, m, actor)
	seedWorker(t, st, "w1")

	if err := m.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	bind(t, st, rec.ID, "w1")
	if err := m.OnStartSucceeded(ctx, rec.ID); err != nil {
		t.Fatalf("on start succeeded: %v", err)
	}

	// No dispatcher is running, so the forced stop never confirms and delete
	// falls through its bounded wait.
	if err := m.Delete(ctx, actor, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetStream(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stream gone, got %v", err)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("capacity leaked with deleted stream: %d", w.CurrentStreams)
	}
}
