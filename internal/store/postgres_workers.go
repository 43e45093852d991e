package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

const workerColumns = `
	id, name, address, agent_token, is_active, status, max_streams,
	current_streams, last_seen_at, created_at, updated_at`

func scanWorker(row interface{ Scan(...interface{}) error }) (models.WorkerNode, error) {
	var w models.WorkerNode
	var lastSeen sql.NullTime

	err := row.Scan(&w.ID, &w.Name, &w.Address, &w.AgentToken, &w.IsActive,
		&w.Status, &w.MaxStreams, &w.CurrentStreams, &lastSeen,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return models.WorkerNode{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		w.LastSeenAt = &t
	}
	return w, nil
}

func (s *PostgresStore) RegisterWorker(ctx context.Context, w *models.WorkerNode) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workers (id, name, address, agent_token, is_active, status, max_streams)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, w.ID, w.Name, w.Address, w.AgentToken, w.IsActive, w.Status, w.MaxStreams).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (models.WorkerNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return models.WorkerNode{}, ErrNotFound
	}
	if err != nil {
		return models.WorkerNode{}, fmt.Errorf("failed to fetch worker: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) listWorkers(ctx context.Context, where string, args ...interface{}) ([]models.WorkerNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := []models.WorkerNode{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]models.WorkerNode, error) {
	return s.listWorkers(ctx, `ORDER BY created_at ASC`)
}

// ListEligibleWorkers orders candidates least-loaded first; ties break by
// absolute load, then id, so allocation is deterministic.
func (s *PostgresStore) ListEligibleWorkers(ctx context.Context) ([]models.WorkerNode, error) {
	return s.listWorkers(ctx, `
		WHERE is_active = true AND status = 'active' AND current_streams < max_streams
		ORDER BY current_streams::float / max_streams ASC, current_streams ASC, id ASC`)
}

func (s *PostgresStore) SetWorkerActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set worker active flag: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorker(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bound int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM streams WHERE assigned_worker_id = $1
	`, id).Scan(&bound); err != nil {
		return fmt.Errorf("failed to count bound streams: %w", err)
	}
	if bound > 0 {
		return ErrWorkerBusy
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// BindStream pairs the capacity-guarded increment with the stream binding in
// one transaction. Two streams racing for a worker's last slot serialize on
// the guarded update; the loser sees ErrNoCapacity.
func (s *PostgresStore) BindStream(ctx context.Context, streamID, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE workers
		SET current_streams = current_streams + 1, updated_at = NOW()
		WHERE id = $1 AND is_active = true AND status = 'active'
		  AND current_streams < max_streams
	`, workerID)
	if err != nil {
		return fmt.Errorf("failed to acquire worker slot: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNoCapacity
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE streams
		SET assigned_worker_id = $2, capacity_held = true, updated_at = NOW()
		WHERE id = $1 AND status = 'starting'
	`, streamID, workerID)
	if err != nil {
		return fmt.Errorf("failed to bind stream: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// The stream left the starting state while we were allocating; the
		// rollback undoes the increment.
		return ErrConflict
	}

	return tx.Commit()
}
