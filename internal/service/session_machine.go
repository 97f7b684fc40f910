package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/geo"
	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/notify"
	"github.com/voltra/chargeproof/internal/proof"
	"github.com/voltra/chargeproof/internal/repository"
	"github.com/voltra/chargeproof/internal/state"
)

// SessionMachine 把单次遥测快照推进为会话状态变更
type SessionMachine struct {
	sessions SessionStore
	energy   EnergyStore
	notifier Notifier
	matcher  *geo.Matcher
	machines *state.Manager
	provider string
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionMachine 创建会话机
func NewSessionMachine(sessions SessionStore, energy EnergyStore, notifier Notifier,
	matcher *geo.Matcher, machines *state.Manager, provider string, logger *zap.Logger) *SessionMachine {
	return &SessionMachine{
		sessions: sessions,
		energy:   energy,
		notifier: notifier,
		matcher:  matcher,
		machines: machines,
		provider: provider,
		logger:   logger,
		now:      defaultNow,
	}
}

// ProcessSnapshot 处理一台车的一次轮询快照
func (s *SessionMachine) ProcessSnapshot(ctx context.Context, user *models.User,
	device models.Device, data *tesla.VehicleData, home *models.Coordinates) models.VehicleResult {

	deviceID := device.VendorDeviceID
	res := models.VehicleResult{UserID: user.ID, DeviceID: deviceID}

	open, err := s.sessions.GetOpen(ctx, user.ID, deviceID)
	if err != nil && !errors.Is(err, repository.ErrNoActiveSession) {
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}
	openExists := err == nil

	cs := data.ChargeState
	if cs == nil || cs.ChargingState != tesla.ChargingStateCharging {
		if !openExists {
			res.Action = models.ActionIdle
			return res
		}
		return s.finalize(ctx, user, device, open, cs, endReasonFor(cs), res)
	}

	// 直流快充不入账；遗留的交流会话按拔枪收尾
	if cs.FastChargerPresent {
		if openExists {
			return s.finalize(ctx, user, device, open, cs, models.EndReasonDCFastCharging, res)
		}
		res.Action = models.ActionIdle
		return res
	}

	var pos *models.Coordinates
	if data.DriveState.HasGPS() {
		pos = &models.Coordinates{Lat: data.DriveState.Latitude, Lng: data.DriveState.Longitude}
	}
	placement := s.matcher.Classify(pos, home, true)
	if !placement.AtHome {
		if openExists {
			// 车辆带着进行中的会话离开了住所
			return s.finalize(ctx, user, device, open, cs, models.EndReasonCableDisconnected, res)
		}
		res.Action = models.ActionACNotHome
		return res
	}

	if !openExists {
		return s.startSession(ctx, user, device, cs, placement, res)
	}
	return s.appendSnapshot(ctx, open, deviceID, cs, res)
}

// startSession 开启新会话，链首条目锚定在创世前驱上
func (s *SessionMachine) startSession(ctx context.Context, user *models.User,
	device models.Device, cs *tesla.ChargeState, placement geo.Placement, res models.VehicleResult) models.VehicleResult {

	deviceID := device.VendorDeviceID
	ts := cs.RecordedAt(s.now())
	hash := proof.SnapshotHash(deviceID, ts, cs.ChargeEnergyAdded, cs.BatteryLevel, proof.Genesis)

	session := &models.ChargingSession{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		DeviceID:       deviceID,
		StartTime:      ts,
		StartKwhAdded:  cs.ChargeEnergyAdded,
		EndKwhAdded:    cs.ChargeEnergyAdded,
		Status:         models.SessionStatusCharging,
		Location:       "home",
		ChargerPowerKw: cs.ChargerPower,
		ProofChain: []models.ProofChainEntry{{
			Timestamp:      ts,
			Kwh:            cs.ChargeEnergyAdded,
			BatteryPercent: cs.BatteryLevel,
			Hash:           hash,
		}},
		Metadata: map[string]any{},
	}
	if placement.Assumed {
		session.Metadata["assumed_home"] = true
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		// 并发轮询先创建了会话，改走追加路径
		if errors.Is(err, repository.ErrDuplicateSession) {
			open, rerr := s.sessions.GetOpen(ctx, user.ID, deviceID)
			if rerr != nil {
				res.Action = models.ActionError
				res.Error = rerr.Error()
				return res
			}
			return s.appendSnapshot(ctx, open, deviceID, cs, res)
		}
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}

	s.syncMachine(deviceID, state.StateIdle, state.EventPlugIn)
	s.updateDeviceState(deviceID, session.ID, cs, true)

	s.sendNotification(ctx, user.ID, notify.Message{
		UserID:           user.ID,
		Title:            "Charging started",
		Body:             fmt.Sprintf("%s started charging at home", deviceName(device)),
		NotificationType: notify.TypeChargingStarted,
		Data: map[string]any{
			"session_id":    session.ID,
			"device_id":     deviceID,
			"battery_level": cs.BatteryLevel,
			"location":      session.Location,
		},
	})

	s.logger.Info("charging session started",
		zap.String("user_id", truncateID(user.ID)),
		zap.String("device_id", deviceID),
		zap.String("session_id", session.ID),
		zap.Float64("start_kwh", session.StartKwhAdded))

	res.Action = models.ActionStarted
	res.SessionID = session.ID
	return res
}

// appendSnapshot 向进行中的会话追加一条链上快照
// 与链尾完全一致的遥测视为重复轮询，不追加。
func (s *SessionMachine) appendSnapshot(ctx context.Context, open *models.ChargingSession,
	deviceID string, cs *tesla.ChargeState, res models.VehicleResult) models.VehicleResult {

	ts := cs.RecordedAt(s.now())
	tail := open.ChainTail()
	if tail != nil && tail.Timestamp.Equal(ts) &&
		tail.Kwh == cs.ChargeEnergyAdded && tail.BatteryPercent == cs.BatteryLevel {
		res.Action = models.ActionUpdated
		res.SessionID = open.ID
		res.TotalKwh = open.TotalSessionKwh
		return res
	}

	prev := proof.Genesis
	if tail != nil {
		prev = tail.Hash
	}
	hash := proof.SnapshotHash(deviceID, ts, cs.ChargeEnergyAdded, cs.BatteryLevel, prev)
	open.ProofChain = append(open.ProofChain, models.ProofChainEntry{
		Timestamp:      ts,
		Kwh:            cs.ChargeEnergyAdded,
		BatteryPercent: cs.BatteryLevel,
		Hash:           hash,
	})
	open.EndKwhAdded = cs.ChargeEnergyAdded
	open.TotalSessionKwh = math.Max(0, open.EndKwhAdded-open.StartKwhAdded)
	open.ChargerPowerKw = cs.ChargerPower

	if err := s.sessions.Update(ctx, open); err != nil {
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}

	s.syncMachine(deviceID, state.StateCharging, state.EventSnapshot)
	s.updateDeviceState(deviceID, open.ID, cs, true)

	res.Action = models.ActionUpdated
	res.SessionID = open.ID
	res.TotalKwh = open.TotalSessionKwh
	return res
}

// finalize 正常收尾：封链、生成差额证明、入账并通知
func (s *SessionMachine) finalize(ctx context.Context, user *models.User, device models.Device,
	open *models.ChargingSession, cs *tesla.ChargeState, reason string, res models.VehicleResult) models.VehicleResult {

	endTime := s.now()
	if cs != nil {
		endTime = cs.RecordedAt(endTime)
		// 计数器重置（重新插枪）时保留已见的最大累计值
		if cs.ChargeEnergyAdded >= open.EndKwhAdded {
			s.appendFinalEntry(open, device.VendorDeviceID, endTime, cs.ChargeEnergyAdded, cs.BatteryLevel, false)
			open.EndKwhAdded = cs.ChargeEnergyAdded
		}
	}

	if err := s.seal(ctx, open, endTime, reason); err != nil {
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}

	s.syncMachine(device.VendorDeviceID, state.StateCharging, state.EventComplete)
	s.settle(ctx, user, device, open)

	res.Action = models.ActionCompleted
	res.SessionID = open.ID
	res.TotalKwh = open.TotalSessionKwh
	return res
}

// FinalizeStale 对失联或滞留的会话做强制收尾
// 末尾补一条标记为 stale 的快照，复用链尾的能量读数。
func (s *SessionMachine) FinalizeStale(ctx context.Context, user *models.User, device models.Device,
	open *models.ChargingSession, reason string) models.VehicleResult {

	res := models.VehicleResult{UserID: user.ID, DeviceID: device.VendorDeviceID}
	endTime := s.now()

	if tail := open.ChainTail(); tail != nil {
		s.appendFinalEntry(open, device.VendorDeviceID, endTime, tail.Kwh, tail.BatteryPercent, true)
	}

	if err := s.seal(ctx, open, endTime, reason); err != nil {
		res.Action = models.ActionError
		res.Error = err.Error()
		return res
	}

	s.syncMachine(device.VendorDeviceID, state.StateCharging, state.EventGoStale)
	s.settle(ctx, user, device, open)

	s.logger.Warn("stale session finalized",
		zap.String("user_id", truncateID(user.ID)),
		zap.String("device_id", device.VendorDeviceID),
		zap.String("session_id", open.ID),
		zap.String("end_reason", reason))

	res.Action = models.ActionCompleted
	res.SessionID = open.ID
	res.TotalKwh = open.TotalSessionKwh
	return res
}

// appendFinalEntry 在封链前追加终态快照
func (s *SessionMachine) appendFinalEntry(open *models.ChargingSession, deviceID string,
	ts time.Time, kwh float64, battery int, stale bool) {

	tail := open.ChainTail()
	prev := proof.Genesis
	if tail != nil {
		if tail.Timestamp.Equal(ts) && tail.Kwh == kwh && tail.BatteryPercent == battery && tail.Stale == stale {
			return
		}
		prev = tail.Hash
	}
	open.ProofChain = append(open.ProofChain, models.ProofChainEntry{
		Timestamp:      ts,
		Kwh:            kwh,
		BatteryPercent: battery,
		Hash:           proof.SnapshotHash(deviceID, ts, kwh, battery, prev),
		Stale:          stale,
	})
}

// seal 把会话写成终态：差额证明 + 校验标记 + 结束原因
func (s *SessionMachine) seal(ctx context.Context, open *models.ChargingSession, endTime time.Time, reason string) error {
	open.EndTime = &endTime
	open.TotalSessionKwh = math.Max(0, open.EndKwhAdded-open.StartKwhAdded)
	open.Status = models.SessionStatusCompleted

	if len(open.ProofChain) > 0 {
		dp := proof.DeltaProof(open.ID, open.StartKwhAdded, open.EndKwhAdded, open.TotalSessionKwh,
			open.ProofChain[0].Hash, open.ProofChain[len(open.ProofChain)-1].Hash)
		open.DeltaProof = &dp
	}
	open.Verified = open.TotalSessionKwh > 0 && len(open.ProofChain) >= 2

	if open.Metadata == nil {
		open.Metadata = map[string]any{}
	}
	open.Metadata["end_reason"] = reason

	if err := s.sessions.Update(ctx, open); err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	return nil
}

// settle 收尾后的记账与通知；每一步失败只记日志，不回滚已完成的步骤
func (s *SessionMachine) settle(ctx context.Context, user *models.User, device models.Device, open *models.ChargingSession) {
	if open.TotalSessionKwh <= 0 || open.EndTime == nil {
		return
	}

	end := open.EndTime.Local()
	day := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())

	if err := s.energy.AddProduction(ctx, &models.EnergyRecord{
		DeviceID:     open.DeviceID,
		Provider:     s.provider,
		RecordedAt:   day,
		DataType:     models.EnergyDataTypeHomeCharging,
		ProductionWh: int64(math.Round(open.TotalSessionKwh * 1000)),
	}); err != nil {
		s.logger.Error("add daily production failed",
			zap.String("session_id", open.ID), zap.Error(err))
	}

	deltaProof := ""
	if open.DeltaProof != nil {
		deltaProof = *open.DeltaProof
	}
	if err := s.energy.InsertSessionLog(ctx, &models.SessionLogEntry{
		UserID:     open.UserID,
		DeviceID:   open.DeviceID,
		Provider:   s.provider,
		StartTime:  open.StartTime,
		EndTime:    *open.EndTime,
		EnergyKwh:  open.TotalSessionKwh,
		Location:   open.Location,
		DeltaProof: deltaProof,
		Verified:   open.Verified,
	}); err != nil {
		s.logger.Error("insert session log failed",
			zap.String("session_id", open.ID), zap.Error(err))
	}

	s.sendNotification(ctx, user.ID, notify.Message{
		UserID:           user.ID,
		Title:            "Charging completed",
		Body:             fmt.Sprintf("%s added %.2f kWh", deviceName(device), open.TotalSessionKwh),
		NotificationType: notify.TypeChargingCompleted,
		Data: map[string]any{
			"session_id": open.ID,
			"device_id":  open.DeviceID,
			"total_kwh":  open.TotalSessionKwh,
			"verified":   open.Verified,
		},
	})
}

// sendNotification 推送失败不影响主流程
func (s *SessionMachine) sendNotification(ctx context.Context, userID string, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send notification failed",
			zap.String("user_id", truncateID(userID)), zap.Error(err))
	}
}

// syncMachine 把内存状态机推到目标事件；进程重启后状态以数据库为准
func (s *SessionMachine) syncMachine(deviceID, initial, event string) {
	if s.machines == nil {
		return
	}
	machine := s.machines.GetOrCreate(deviceID, initial)
	if machine.CanTransition(event) {
		_ = machine.Trigger(event)
	}
}

// updateDeviceState 刷新内存里的实时快照
func (s *SessionMachine) updateDeviceState(deviceID, sessionID string, cs *tesla.ChargeState, atHome bool) {
	if s.machines == nil {
		return
	}
	machine := s.machines.GetOrCreate(deviceID, state.StateCharging)
	machine.UpdateState(func(ds *state.DeviceState) {
		ds.SessionID = sessionID
		ds.KwhAdded = cs.ChargeEnergyAdded
		ds.BatteryLevel = cs.BatteryLevel
		ds.ChargerPowerKw = cs.ChargerPower
		ds.AtHome = atHome
	})
}

// endReasonFor 厂商充电状态到结束原因的映射
func endReasonFor(cs *tesla.ChargeState) string {
	if cs == nil {
		return models.EndReasonChargingStopped
	}
	switch cs.ChargingState {
	case tesla.ChargingStateComplete:
		return models.EndReasonChargingComplete
	case tesla.ChargingStateDisconnected:
		return models.EndReasonCableDisconnected
	default:
		return models.EndReasonChargingStopped
	}
}

func deviceName(d models.Device) string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.VendorDeviceID
}
