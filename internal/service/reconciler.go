package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/repository"
)

// Reconciler 处理车辆失联与孤儿会话的对账
type Reconciler struct {
	sessions SessionStore
	machine  *SessionMachine
	logger   *zap.Logger
}

// NewReconciler 创建对账器
func NewReconciler(sessions SessionStore, machine *SessionMachine, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		sessions: sessions,
		machine:  machine,
		logger:   logger,
	}
}

// ReconcileUnavailable 车辆失联（睡眠/不可达）时收尾其滞留会话
// 无会话可收则只报告 asleep。
func (r *Reconciler) ReconcileUnavailable(ctx context.Context, user *models.User, device models.Device) models.VehicleResult {
	res := models.VehicleResult{UserID: user.ID, DeviceID: device.VendorDeviceID}

	open, err := r.sessions.GetOpen(ctx, user.ID, device.VendorDeviceID)
	if errors.Is(err, repository.ErrNoActiveSession) {
		res.Action = models.ActionAsleep
		return res
	}
	if err != nil {
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}

	res = r.machine.FinalizeStale(ctx, user, device, open, models.EndReasonVehicleAsleep)
	if res.Action == models.ActionCompleted {
		res.Action = models.ActionAsleep
	}
	return res
}

// ReconcileOrphans 收尾本轮未覆盖到的设备遗留的进行中会话
// 设备从账户移除后其会话不会再被正常路径触达。
func (r *Reconciler) ReconcileOrphans(ctx context.Context, user *models.User, seen map[string]bool) []models.VehicleResult {
	opens, err := r.sessions.ListOpenByUser(ctx, user.ID)
	if err != nil {
		r.logger.Error("list open sessions failed",
			zap.String("user_id", truncateID(user.ID)), zap.Error(err))
		return nil
	}

	var results []models.VehicleResult
	for _, open := range opens {
		if seen[open.DeviceID] {
			continue
		}
		device := models.Device{UserID: user.ID, VendorDeviceID: open.DeviceID}
		results = append(results, r.machine.FinalizeStale(ctx, user, device, open, models.EndReasonChargingStopped))
	}
	return results
}
