package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voltra/chargeproof/internal/models"
)

// TokenRepository 厂商令牌存储
type TokenRepository struct {
	db *Database
}

// NewTokenRepository 创建令牌存储
func NewTokenRepository(db *Database) *TokenRepository {
	return &TokenRepository{db: db}
}

// GetByUser 查询用户在某厂商下的令牌
func (r *TokenRepository) GetByUser(ctx context.Context, userID, provider string) (*models.VendorToken, error) {
	query := `SELECT user_id, provider, access_token, refresh_token, expires_at, updated_at
		FROM vendor_tokens WHERE user_id = $1 AND provider = $2`

	var t models.VendorToken
	err := r.db.Pool.QueryRow(ctx, query, userID, provider).Scan(
		&t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// ListUserIDs 查询某厂商下所有已授权用户
func (r *TokenRepository) ListUserIDs(ctx context.Context, provider string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT user_id FROM vendor_tokens WHERE provider = $1 ORDER BY user_id`, provider)
	if err != nil {
		return nil, fmt.Errorf("list token users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert 写入或刷新令牌对
func (r *TokenRepository) Upsert(ctx context.Context, t *models.VendorToken) error {
	query := `INSERT INTO vendor_tokens (user_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Pool.Exec(ctx, query, t.UserID, t.Provider,
		t.AccessToken, t.RefreshToken, t.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}
