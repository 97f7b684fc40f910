package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/models"
)

// Orchestrator 驱动一轮对全体（或单个）用户的轮询
// 用户之间互相隔离：单个用户的 panic 或失败不影响其余用户。
type Orchestrator struct {
	tokens        TokenStore
	users         UserStore
	vendor        TelemetryClient
	geocoder      Geocoder
	refresher     *TokenRefresher
	machine       *SessionMachine
	reconciler    *Reconciler
	broadcaster   Broadcaster
	provider      string
	maxConcurrent int
	logger        *zap.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(tokens TokenStore, users UserStore, vendor TelemetryClient,
	geocoder Geocoder, refresher *TokenRefresher, machine *SessionMachine,
	reconciler *Reconciler, broadcaster Broadcaster,
	provider string, maxConcurrent int, logger *zap.Logger) *Orchestrator {

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		tokens:        tokens,
		users:         users,
		vendor:        vendor,
		geocoder:      geocoder,
		refresher:     refresher,
		machine:       machine,
		reconciler:    reconciler,
		broadcaster:   broadcaster,
		provider:      provider,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// RunCycle 执行一轮轮询；userID 为空时覆盖所有已授权用户
func (o *Orchestrator) RunCycle(ctx context.Context, userID string) *models.BatchResult {
	started := time.Now()

	var userIDs []string
	if userID != "" {
		userIDs = []string{userID}
	} else {
		ids, err := o.tokens.ListUserIDs(ctx, o.provider)
		if err != nil {
			o.logger.Error("list users failed", zap.Error(err))
			return &models.BatchResult{Errors: 1}
		}
		userIDs = ids
	}

	batch := &models.BatchResult{UsersProcessed: len(userIDs)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxConcurrent)

	for _, id := range userIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			results := o.processUserSafe(ctx, id)
			mu.Lock()
			batch.Results = append(batch.Results, results...)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	for _, res := range batch.Results {
		if res.Action == models.ActionError {
			batch.Errors++
		}
		if o.broadcaster != nil {
			o.broadcaster.BroadcastResult(res)
		}
	}

	o.logger.Info("poll cycle finished",
		zap.Int("users", batch.UsersProcessed),
		zap.Int("results", len(batch.Results)),
		zap.Int("errors", batch.Errors),
		zap.Duration("elapsed", time.Since(started)))
	return batch
}

// processUserSafe 单个用户的 panic 被吸收为一条错误结果
func (o *Orchestrator) processUserSafe(ctx context.Context, userID string) (results []models.VehicleResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("user processing panicked",
				zap.String("user_id", truncateID(userID)),
				zap.Any("panic", r))
			results = append(results, models.VehicleResult{
				UserID: userID,
				Action: models.ActionError,
				Error:  "internal error",
			})
		}
	}()
	return o.processUser(ctx, userID)
}

func (o *Orchestrator) processUser(ctx context.Context, userID string) []models.VehicleResult {
	accessToken, err := o.refresher.AccessToken(ctx, userID)
	if err != nil {
		o.logger.Warn("token unavailable, skipping user",
			zap.String("user_id", truncateID(userID)), zap.Error(err))
		return []models.VehicleResult{{
			UserID: userID,
			Action: models.ActionError,
			Error:  "token refresh failed",
		}}
	}

	user, err := o.users.GetUser(ctx, userID)
	if err != nil {
		// 用户记录缺失不阻断轮询，按住所未知处理
		user = &models.User{ID: userID}
	}

	var home *models.Coordinates
	if user.HomeAddress != "" {
		home, err = o.geocoder.Geocode(ctx, user.HomeAddress)
		if err != nil {
			o.logger.Warn("geocode home address failed",
				zap.String("user_id", truncateID(userID)), zap.Error(err))
		}
	}

	devices, err := o.listDevices(ctx, userID, accessToken)
	if err != nil {
		return []models.VehicleResult{{
			UserID: userID,
			Action: models.ActionError,
			Error:  err.Error(),
		}}
	}

	var results []models.VehicleResult
	seen := make(map[string]bool, len(devices))
	for i, device := range devices {
		seen[device.VendorDeviceID] = true

		data, err := o.vendor.GetVehicleData(ctx, accessToken, device.VendorDeviceID)
		switch {
		case errors.Is(err, tesla.ErrVehicleUnavailable):
			results = append(results, o.reconciler.ReconcileUnavailable(ctx, user, device))
		case errors.Is(err, tesla.ErrRateLimited):
			// 限流针对整个账号，余下车辆本轮不再请求。
			// 每台都记为 rate_limited 并标记已覆盖，避免其进行中的会话被当成孤儿收尾。
			results = append(results, o.skipRemaining(devices[i:], seen, models.VehicleResult{
				UserID: userID,
				Action: models.ActionRateLimited,
			})...)
			results = append(results, o.reconciler.ReconcileOrphans(ctx, user, seen)...)
			return results
		case errors.Is(err, tesla.ErrUnauthorized):
			// 令牌失效同样是账号级的，处理方式与限流一致
			o.refresher.Invalidate(userID)
			results = append(results, o.skipRemaining(devices[i:], seen, models.VehicleResult{
				UserID: userID,
				Action: models.ActionError,
				Error:  "unauthorized",
			})...)
			results = append(results, o.reconciler.ReconcileOrphans(ctx, user, seen)...)
			return results
		case err != nil:
			results = append(results, models.VehicleResult{
				UserID:   userID,
				DeviceID: device.VendorDeviceID,
				Action:   models.ActionError,
				Error:    err.Error(),
			})
		default:
			results = append(results, o.machine.ProcessSnapshot(ctx, user, device, data, home))
		}
	}

	results = append(results, o.reconciler.ReconcileOrphans(ctx, user, seen)...)
	return results
}

// skipRemaining 给本轮不再请求的车辆逐台记录同一种结果并标记为已覆盖
func (o *Orchestrator) skipRemaining(devices []models.Device, seen map[string]bool, template models.VehicleResult) []models.VehicleResult {
	results := make([]models.VehicleResult, 0, len(devices))
	for _, device := range devices {
		seen[device.VendorDeviceID] = true
		res := template
		res.DeviceID = device.VendorDeviceID
		results = append(results, res)
	}
	return results
}

// listDevices 读取用户设备，库里没有时从厂商同步一次
func (o *Orchestrator) listDevices(ctx context.Context, userID, accessToken string) ([]models.Device, error) {
	devices, err := o.users.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices, nil
	}

	vehicles, err := o.vendor.ListVehicles(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	for _, v := range vehicles {
		device := models.Device{
			UserID:         userID,
			VendorDeviceID: strconv.FormatInt(v.ID, 10),
			VIN:            v.VIN,
			DisplayName:    v.DisplayName,
		}
		if err := o.users.UpsertDevice(ctx, &device); err != nil {
			o.logger.Warn("sync device failed",
				zap.String("user_id", truncateID(userID)),
				zap.String("device_id", device.VendorDeviceID),
				zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}
	return devices, nil
}
