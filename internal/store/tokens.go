package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fulfillment-service/internal/models"
)

// CreateToken inserts an idempotency token if none exists for
// (tenant, token). The insert and the duplicate read behave as one atomic
// create-or-read through the unique constraint: when the row already
// exists, created is false and the existing row is returned.
func (s *Store) CreateToken(ctx context.Context, t *models.IdempotencyToken) (created bool, existing *models.IdempotencyToken, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_tokens
			(tenant_id, token, user_id, request_hash, order_id, status,
			 response_data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, token) DO NOTHING`,
		t.TenantID, t.Token, t.UserID, t.RequestHash, t.OrderID, t.Status,
		t.ResponseData, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return false, nil, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if rows > 0 {
		return true, nil, nil
	}

	existing, err = s.GetToken(ctx, t.TenantID, t.Token)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetToken retrieves a token by (tenant, token)
func (s *Store) GetToken(ctx context.Context, tenantID, token string) (*models.IdempotencyToken, error) {
	var t models.IdempotencyToken
	err := s.db.GetContext(ctx, &t,
		"SELECT * FROM idempotency_tokens WHERE tenant_id = $1 AND token = $2", tenantID, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FinishToken records the terminal outcome of a tokened request
func (s *Store) FinishToken(ctx context.Context, tenantID, token string, status models.TokenStatus, orderID, responseData string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_tokens
		SET status = $1, order_id = $2, response_data = $3
		WHERE tenant_id = $4 AND token = $5 AND status = $6`,
		status, orderID, responseData, tenantID, token, models.TokenStatusProcessing)
	return err
}

// DeleteToken removes a token, allowing the client to retry with it
func (s *Store) DeleteToken(ctx context.Context, tenantID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_tokens WHERE tenant_id = $1 AND token = $2", tenantID, token)
	return err
}

// FindCompletedByHash looks up a prior Completed token for the same user
// with the same request content, catching retries under a fresh token
func (s *Store) FindCompletedByHash(ctx context.Context, tenantID, userID, requestHash string) (*models.IdempotencyToken, error) {
	var t models.IdempotencyToken
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM idempotency_tokens
		WHERE tenant_id = $1 AND user_id = $2 AND request_hash = $3 AND status = $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, userID, requestHash, models.TokenStatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteExpiredTokens purges tokens past their TTL
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_tokens
		WHERE (tenant_id, token) IN (
			SELECT tenant_id, token FROM idempotency_tokens
			WHERE expires_at < $1
			LIMIT $2
		)`, now, limit)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}
