package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// PostgresStore implements Store on top of database/sql + lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger logging.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const streamColumns = `
	id, user_id, title, source_files, primary_rtmp_url, backup_rtmp_url,
	stream_key, loop_enabled, playback_order, schedule_start, schedule_end,
	status, assigned_worker_id, capacity_held, pending_stop, error_message,
	last_started_at, last_stopped_at, created_at, updated_at`

func scanStream(row interface{ Scan(...interface{}) error }) (models.StreamRecord, error) {
	var rec models.StreamRecord
	var sourceFiles []byte
	var workerID sql.NullString
	var scheduleStart, scheduleEnd, lastStarted, lastStopped sql.NullTime

	err := row.Scan(&rec.ID, &rec.UserID, &rec.Config.Title, &sourceFiles,
		&rec.Config.PrimaryRTMPURL, &rec.Config.BackupRTMPURL,
		&rec.Config.StreamKey, &rec.Config.LoopEnabled, &rec.Config.PlaybackOrder,
		&scheduleStart, &scheduleEnd,
		&rec.Status, &workerID, &rec.CapacityHeld, &rec.PendingStop, &rec.ErrorMessage,
		&lastStarted, &lastStopped, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return models.StreamRecord{}, err
	}

	if len(sourceFiles) > 0 {
		if err := json.Unmarshal(sourceFiles, &rec.Config.SourceFiles); err != nil {
			return models.StreamRecord{}, fmt.Errorf("failed to decode source_files: %w", err)
		}
	}
	if workerID.Valid {
		rec.AssignedWorkerID = workerID.String
	}
	if scheduleStart.Valid {
		t := scheduleStart.Time
		rec.Config.ScheduleStart = &t
	}
	if scheduleEnd.Valid {
		t := scheduleEnd.Time
		rec.Config.ScheduleEnd = &t
	}
	if lastStarted.Valid {
		t := lastStarted.Time
		rec.LastStartedAt = &t
	}
	if lastStopped.Valid {
		t := lastStopped.Time
		rec.LastStoppedAt = &t
	}

	return rec, nil
}

func (s *PostgresStore) CreateStream(ctx context.Context, rec *models.StreamRecord) error {
	sourceFiles, err := json.Marshal(rec.Config.SourceFiles)
	if err != nil {
		return fmt.Errorf("failed to encode source_files: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO streams (id, user_id, title, source_files, primary_rtmp_url,
			backup_rtmp_url, stream_key, loop_enabled, playback_order,
			schedule_start, schedule_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'inactive')
		RETURNING created_at, updated_at
	`, rec.ID, rec.UserID, rec.Config.Title, sourceFiles, rec.Config.PrimaryRTMPURL,
		rec.Config.BackupRTMPURL, rec.Config.StreamKey, rec.Config.LoopEnabled,
		rec.Config.PlaybackOrder, rec.Config.ScheduleStart, rec.Config.ScheduleEnd).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert stream: %w", err)
	}

	rec.Status = models.StreamInactive
	return nil
}

func (s *PostgresStore) GetStream(ctx context.Context, id string) (models.StreamRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id)
	rec, err := scanStream(row)
	if err == sql.ErrNoRows {
		return models.StreamRecord{}, ErrNotFound
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("failed to fetch stream: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) listStreams(ctx context.Context, where string, args ...interface{}) ([]models.StreamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	streams := []models.StreamRecord{}
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, rec)
	}
	return streams, rows.Err()
}

func (s *PostgresStore) ListStreamsByUser(ctx context.Context, userID string) ([]models.StreamRecord, error) {
	return s.listStreams(ctx, `WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListStreamsByWorker(ctx context.Context, workerID string) ([]models.StreamRecord, error) {
	return s.listStreams(ctx, `WHERE assigned_worker_id = $1 ORDER BY created_at DESC`, workerID)
}

func (s *PostgresStore) DeleteStream(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) BeginStart(ctx context.Context, id string) error {
	// A record in error may still carry the binding from a failed stop; its
	// slot was already released, so a restart must go back through the
	// allocator rather than reuse the stale worker.
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET status = 'starting', assigned_worker_id = NULL, error_message = '',
			pending_stop = false, updated_at = NOW()
		WHERE id = $1 AND status IN ('inactive', 'error')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to begin start: %w", err)
	}
	return s.casResult(ctx, result, id)
}

func (s *PostgresStore) BeginStop(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET status = 'stopping', updated_at = NOW()
		WHERE id = $1 AND (status = 'streaming' OR
			(status = 'error' AND assigned_worker_id IS NOT NULL))
	`, id)
	if err != nil {
		return fmt.Errorf("failed to begin stop: %w", err)
	}
	return s.casResult(ctx, result, id)
}

func (s *PostgresStore) RequestPendingStop(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET pending_stop = true, updated_at = NOW()
		WHERE id = $1 AND status = 'starting'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request pending stop: %w", err)
	}
	return s.casResult(ctx, result, id)
}

// casResult maps a zero-row guarded update to ErrNotFound or ErrConflict.
func (s *PostgresStore) casResult(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check stream existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) CompleteStart(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pendingStop bool
	err = tx.QueryRowContext(ctx, `
		SELECT pending_stop FROM streams WHERE id = $1 AND status = 'starting' FOR UPDATE
	`, id).Scan(&pendingStop)
	if err == sql.ErrNoRows {
		return false, ErrConflict
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock stream: %w", err)
	}

	next := "streaming"
	if pendingStop {
		// A cancellation raced the start; the stream is briefly live on the
		// worker and must be stopped by the caller.
		next = "stopping"
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE streams
		SET status = $2, pending_stop = false, last_started_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, next)
	if err != nil {
		return false, fmt.Errorf("failed to complete start: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return pendingStop, nil
}

// releaseCapacityTx flips the stream's capacity flag and decrements its
// worker's counter. The flag flip is the exactly-once guard.
func releaseCapacityTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var workerID sql.NullString
	var held bool
	err := tx.QueryRowContext(ctx, `
		SELECT assigned_worker_id, capacity_held FROM streams WHERE id = $1 FOR UPDATE
	`, id).Scan(&workerID, &held)
	if err != nil {
		return "", fmt.Errorf("failed to lock stream for release: %w", err)
	}

	if !held || !workerID.Valid {
		return workerID.String, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE streams SET capacity_held = false WHERE id = $1
	`, id); err != nil {
		return "", fmt.Errorf("failed to clear capacity flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workers
		SET current_streams = current_streams - 1, updated_at = NOW()
		WHERE id = $1 AND current_streams > 0
	`, workerID.String); err != nil {
		return "", fmt.Errorf("failed to release worker capacity: %w", err)
	}
	return workerID.String, nil
}

func (s *PostgresStore) CompleteStop(ctx context.Context, id string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	workerID, err := releaseCapacityTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE streams
		SET status = 'inactive', assigned_worker_id = NULL, pending_stop = false,
			last_stopped_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'stopping'
	`, id)
	if err != nil {
		return "", fmt.Errorf("failed to complete stop: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return "", ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return workerID, nil
}

func (s *PostgresStore) failStream(ctx context.Context, id, message, fromStatus string, clearBinding bool) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	workerID, err := releaseCapacityTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	query := `
		UPDATE streams
		SET status = 'error', error_message = $2, pending_stop = false, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	if clearBinding {
		query = `
		UPDATE streams
		SET status = 'error', error_message = $2, pending_stop = false,
			assigned_worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	}
	result, err := tx.ExecContext(ctx, query, id, message, fromStatus)
	if err != nil {
		return "", fmt.Errorf("failed to fail stream: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return "", ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return workerID, nil
}

func (s *PostgresStore) FailStart(ctx context.Context, id, message string) (string, error) {
	return s.failStream(ctx, id, message, "starting", true)
}

func (s *PostgresStore) FailStop(ctx context.Context, id, message string) (string, error) {
	// Keep the binding: the worker may still be relaying, a later stop needs
	// its address.
	return s.failStream(ctx, id, message, "stopping", false)
}

func (s *PostgresStore) StuckStreams(ctx context.Context, cutoff time.Time) ([]models.StreamRecord, error) {
	return s.listStreams(ctx, `
		WHERE status IN ('starting', 'stopping') AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
}

func (s *PostgresStore) ReclaimStuckStream(ctx context.Context, id string, cutoff time.Time, message string) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check the cutoff inside the swap so concurrent sweeps cannot both
	// reclaim the same record.
	result, err := tx.ExecContext(ctx, `
		UPDATE streams
		SET status = 'stopping'
		WHERE id = $1 AND status IN ('starting', 'stopping') AND updated_at < $2
	`, id, cutoff)
	if err != nil {
		return false, "", fmt.Errorf("failed to claim stuck stream: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return false, "", nil
	}

	workerID, err := releaseCapacityTx(ctx, tx, id)
	if err != nil {
		return false, "", err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE streams
		SET status = 'inactive', assigned_worker_id = NULL, pending_stop = false,
			error_message = $2, last_stopped_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, message); err != nil {
		return false, "", fmt.Errorf("failed to force stream inactive: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit: %w", err)
	}
	return true, workerID, nil
}

func (s *PostgresStore) DueScheduledStarts(ctx context.Context, now time.Time) ([]models.StreamRecord, error) {
	return s.listStreams(ctx, `
		WHERE status = 'inactive'
		  AND schedule_start IS NOT NULL AND schedule_start <= $1
		  AND (schedule_end IS NULL OR schedule_end > $1)
		  AND (last_started_at IS NULL OR last_started_at < schedule_start)
		ORDER BY schedule_start ASC`, now)
}

func (s *PostgresStore) DueScheduledStops(ctx context.Context, now time.Time) ([]models.StreamRecord, error) {
	return s.listStreams(ctx, `
		WHERE status IN ('streaming', 'starting')
		  AND schedule_end IS NOT NULL AND schedule_end <= $1
		ORDER BY schedule_end ASC`, now)
}
