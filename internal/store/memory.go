package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// MemoryStore is an in-memory Store with the same transition semantics as the
// Postgres implementation. It backs tests and single-node development runs.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*models.StreamRecord
	workers map[string]*models.WorkerNode
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*models.StreamRecord),
		workers: make(map[string]*models.WorkerNode),
		now:     time.Now,
	}
}

// SetClock overrides the store clock; tests use it to age records.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyStream(rec *models.StreamRecord) models.StreamRecord {
	out := *rec
	out.Config.SourceFiles = append([]string(nil), rec.Config.SourceFiles...)
	return out
}

func (s *MemoryStore) CreateStream(_ context.Context, rec *models.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec.Status = models.StreamInactive
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := copyStream(rec)
	s.streams[rec.ID] = &stored
	return nil
}

func (s *MemoryStore) GetStream(_ context.Context, id string) (models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return models.StreamRecord{}, ErrNotFound
	}
	return copyStream(rec), nil
}

func (s *MemoryStore) listStreams(match func(*models.StreamRecord) bool) []models.StreamRecord {
	out := []models.StreamRecord{}
	for _, rec := range s.streams {
		if match(rec) {
			out = append(out, copyStream(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListStreamsByUser(_ context.Context, userID string) ([]models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStreams(func(rec *models.StreamRecord) bool { return rec.UserID == userID }), nil
}

func (s *MemoryStore) ListStreamsByWorker(_ context.Context, workerID string) ([]models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStreams(func(rec *models.StreamRecord) bool { return rec.AssignedWorkerID == workerID }), nil
}

func (s *MemoryStore) DeleteStream(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[id]; !ok {
		return ErrNotFound
	}
	delete(s.streams, id)
	return nil
}

func (s *MemoryStore) BeginStart(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != models.StreamInactive && rec.Status != models.StreamError {
		return ErrConflict
	}
	rec.Status = models.StreamStarting
	// The slot behind a failed-stop binding was already released; restarts
	// must reallocate, not reuse the stale worker.
	rec.AssignedWorkerID = ""
	rec.ErrorMessage = ""
	rec.PendingStop = false
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) BeginStop(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	stoppable := rec.Status == models.StreamStreaming ||
		(rec.Status == models.StreamError && rec.AssignedWorkerID != "")
	if !stoppable {
		return ErrConflict
	}
	rec.Status = models.StreamStopping
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RequestPendingStop(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != models.StreamStarting {
		return ErrConflict
	}
	rec.PendingStop = true
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteStart(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != models.StreamStarting {
		return false, ErrConflict
	}
	pendingStop := rec.PendingStop
	now := s.now()
	if pendingStop {
		rec.Status = models.StreamStopping
	} else {
		rec.Status = models.StreamStreaming
	}
	rec.PendingStop = false
	rec.LastStartedAt = &now
	rec.UpdatedAt = now
	return pendingStop, nil
}

// releaseCapacityLocked flips the capacity flag and decrements the bound
// worker. Callers hold s.mu.
func (s *MemoryStore) releaseCapacityLocked(rec *models.StreamRecord) string {
	workerID := rec.AssignedWorkerID
	if !rec.CapacityHeld || workerID == "" {
		return workerID
	}
	rec.CapacityHeld = false
	if w, ok := s.workers[workerID]; ok && w.CurrentStreams > 0 {
		w.CurrentStreams--
		w.UpdatedAt = s.now()
	}
	return workerID
}

func (s *MemoryStore) CompleteStop(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status != models.StreamStopping {
		return "", ErrConflict
	}
	workerID := s.releaseCapacityLocked(rec)
	now := s.now()
	rec.Status = models.StreamInactive
	rec.AssignedWorkerID = ""
	rec.PendingStop = false
	rec.LastStoppedAt = &now
	rec.UpdatedAt = now
	return workerID, nil
}

func (s *MemoryStore) failStream(id, message string, from models.StreamStatus, clearBinding bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status != from {
		return "", ErrConflict
	}
	workerID := s.releaseCapacityLocked(rec)
	rec.Status = models.StreamError
	rec.ErrorMessage = message
	rec.PendingStop = false
	if clearBinding {
		rec.AssignedWorkerID = ""
	}
	rec.UpdatedAt = s.now()
	return workerID, nil
}

func (s *MemoryStore) FailStart(_ context.Context, id, message string) (string, error) {
	return s.failStream(id, message, models.StreamStarting, true)
}

func (s *MemoryStore) FailStop(_ context.Context, id, message string) (string, error) {
	return s.failStream(id, message, models.StreamStopping, false)
}

func (s *MemoryStore) StuckStreams(_ context.Context, cutoff time.Time) ([]models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStreams(func(rec *models.StreamRecord) bool {
		return rec.Status.IsTransient() && rec.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) ReclaimStuckStream(_ context.Context, id string, cutoff time.Time, message string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.streams[id]
	if !ok {
		return false, "", nil
	}
	if !rec.Status.IsTransient() || !rec.UpdatedAt.Before(cutoff) {
		return false, "", nil
	}
	workerID := s.releaseCapacityLocked(rec)
	now := s.now()
	rec.Status = models.StreamInactive
	rec.AssignedWorkerID = ""
	rec.PendingStop = false
	rec.ErrorMessage = message
	rec.LastStoppedAt = &now
	rec.UpdatedAt = now
	return true, workerID, nil
}

func (s *MemoryStore) DueScheduledStarts(_ context.Context, now time.Time) ([]models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStreams(func(rec *models.StreamRecord) bool {
		cfg := rec.Config
		if rec.Status != models.StreamInactive || cfg.ScheduleStart == nil || cfg.ScheduleStart.After(now) {
			return false
		}
		if cfg.ScheduleEnd != nil && !cfg.ScheduleEnd.After(now) {
			return false
		}
		return rec.LastStartedAt == nil || rec.LastStartedAt.Before(*cfg.ScheduleStart)
	}), nil
}

func (s *MemoryStore) DueScheduledStops(_ context.Context, now time.Time) ([]models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStreams(func(rec *models.StreamRecord) bool {
		if rec.Status != models.StreamStreaming && rec.Status != models.StreamStarting {
			return false
		}
		return rec.Config.ScheduleEnd != nil && !rec.Config.ScheduleEnd.After(now)
	}), nil
}

func (s *MemoryStore) RegisterWorker(_ context.Context, w *models.WorkerNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w.CreatedAt = now
	w.UpdatedAt = now
	stored := *w
	s.workers[w.ID] = &stored
	return nil
}

func (s *MemoryStore) GetWorker(_ context.Context, id string) (models.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return models.WorkerNode{}, ErrNotFound
	}
	return *w, nil
}

func (s *MemoryStore) ListWorkers(_ context.Context) ([]models.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.WorkerNode{}
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListEligibleWorkers(_ context.Context) ([]models.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.WorkerNode{}
	for _, w := range s.workers {
		if w.IsActive && w.Status == models.WorkerActive && w.HasCapacity() {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		if a.CurrentStreams != b.CurrentStreams {
			return a.CurrentStreams < b.CurrentStreams
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *MemoryStore) SetWorkerActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.IsActive = active
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetWorkerStatus(_ context.Context, id string, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return ErrNotFound
	}
	for _, rec := range s.streams {
		if rec.AssignedWorkerID == id {
			return ErrWorkerBusy
		}
	}
	delete(s.workers, id)
	return nil
}

func (s *MemoryStore) BindStream(_ context.Context, streamID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok || !w.IsActive || w.Status != models.WorkerActive || !w.HasCapacity() {
		return ErrNoCapacity
	}
	rec, ok := s.streams[streamID]
	if !ok || rec.Status != models.StreamStarting {
		return ErrConflict
	}
	w.CurrentStreams++
	w.UpdatedAt = s.now()
	rec.AssignedWorkerID = workerID
	rec.CapacityHeld = true
	rec.UpdatedAt = s.now()
	return nil
}
