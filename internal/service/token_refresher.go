package service

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/models"
)

// TokenRefresher 保证每个用户轮询时持有未过期的访问令牌
// 热缓存的生存期不超过刷新窗口，缓存命中即视为可用。
type TokenRefresher struct {
	tokens   TokenStore
	vendor   TelemetryClient
	cache    *bigcache.BigCache
	provider string
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewTokenRefresher 创建令牌刷新器
func NewTokenRefresher(tokens TokenStore, vendor TelemetryClient, provider string, window time.Duration, logger *zap.Logger) (*TokenRefresher, error) {
	cacheLife := window
	if cacheLife <= 0 {
		cacheLife = 5 * time.Minute
	}
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cacheLife))
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}

	return &TokenRefresher{
		tokens:   tokens,
		vendor:   vendor,
		cache:    cache,
		provider: provider,
		window:   window,
		logger:   logger,
		now:      defaultNow,
	}, nil
}

// AccessToken 返回用户可用的访问令牌
// 刷新失败返回错误，调用方整体跳过该用户本轮的所有车辆。
func (t *TokenRefresher) AccessToken(ctx context.Context, userID string) (string, error) {
	if cached, err := t.cache.Get(userID); err == nil {
		return string(cached), nil
	}

	token, err := t.tokens.GetByUser(ctx, userID, t.provider)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}

	if token.ExpiresWithin(t.window, t.now()) {
		refreshed, err := t.refresh(ctx, token)
		if err != nil {
			return "", err
		}
		token = refreshed
	}

	if err := t.cache.Set(userID, []byte(token.AccessToken)); err != nil {
		t.logger.Warn("cache access token failed", zap.Error(err))
	}
	return token.AccessToken, nil
}

// refresh 刷新并持久化新令牌对
func (t *TokenRefresher) refresh(ctx context.Context, token *models.VendorToken) (*models.VendorToken, error) {
	resp, err := t.vendor.RefreshAccessToken(ctx, token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}

	updated := &models.VendorToken{
		UserID:       token.UserID,
		Provider:     token.Provider,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    t.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	// 厂商未轮换 refresh token 时沿用旧值
	if updated.RefreshToken == "" {
		updated.RefreshToken = token.RefreshToken
	}

	if err := t.tokens.Upsert(ctx, updated); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	t.logger.Info("access token refreshed",
		zap.String("user_id", truncateID(token.UserID)),
		zap.Time("expires_at", updated.ExpiresAt))
	return updated, nil
}

// Invalidate 清除用户的热缓存（令牌被拒后强制走刷新）
func (t *TokenRefresher) Invalidate(userID string) {
	_ = t.cache.Delete(userID)
}

// truncateID 日志里只保留用户 ID 前缀
func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
