package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// CreateSaga persists a new saga execution
func (s *Store) CreateSaga(ctx context.Context, sx *models.SagaExecution) error {
	query := `
		INSERT INTO saga_executions
			(id, order_id, tenant_id, status, current_step, saga_data,
			 started_at, last_updated_at, timeout_at, retry_count, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		sx.ID, sx.OrderID, sx.TenantID, sx.Status, sx.CurrentStep, sx.SagaData,
		sx.StartedAt, sx.LastUpdatedAt, sx.TimeoutAt, sx.RetryCount, sx.ErrorMessage)
	return err
}

// UpdateSaga writes the current state of a saga execution
func (s *Store) UpdateSaga(ctx context.Context, sx *models.SagaExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET status = $1, current_step = $2, saga_data = $3, last_updated_at = $4,
		    retry_count = $5, error_message = $6
		WHERE id = $7`,
		sx.Status, sx.CurrentStep, sx.SagaData, sx.LastUpdatedAt,
		sx.RetryCount, sx.ErrorMessage, sx.ID)
	return err
}

// GetSaga retrieves a saga execution by ID
func (s *Store) GetSaga(ctx context.Context, sagaID string) (*models.SagaExecution, error) {
	var sx models.SagaExecution
	err := s.db.GetContext(ctx, &sx, "SELECT * FROM saga_executions WHERE id = $1", sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sx, nil
}

// GetSagaByOrderID retrieves the saga driving an order
func (s *Store) GetSagaByOrderID(ctx context.Context, orderID string) (*models.SagaExecution, error) {
	var sx models.SagaExecution
	err := s.db.GetContext(ctx, &sx,
		"SELECT * FROM saga_executions WHERE order_id = $1 ORDER BY started_at DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga for order %s: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sx, nil
}

// ListOverdueSagas returns non-terminal sagas past their timeout
func (s *Store) ListOverdueSagas(ctx context.Context, now time.Time, limit int) ([]models.SagaExecution, error) {
	var sagas []models.SagaExecution
	err := s.db.SelectContext(ctx, &sagas, `
		SELECT * FROM saga_executions
		WHERE status IN ($1, $2) AND timeout_at < $3
		ORDER BY timeout_at
		LIMIT $4`,
		models.SagaStatusStarted, models.SagaStatusInProgress, now, limit)
	return sagas, err
}

// DeleteTerminalSagasBefore discards terminal sagas older than the cutoff.
// Terminal sagas are retained briefly for observability, then dropped.
func (s *Store) DeleteTerminalSagasBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_executions
		WHERE status IN ($1, $2, $3) AND last_updated_at < $4`,
		models.SagaStatusCompleted, models.SagaStatusCompensated, models.SagaStatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}
