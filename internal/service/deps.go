// Package service 实现充电会话追踪的业务流程。
package service

import (
	"context"
	"time"

	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/notify"
)

// SessionStore 会话持久化
type SessionStore interface {
	GetOpen(ctx context.Context, userID, deviceID string) (*models.ChargingSession, error)
	ListOpenByUser(ctx context.Context, userID string) ([]*models.ChargingSession, error)
	Create(ctx context.Context, s *models.ChargingSession) error
	Update(ctx context.Context, s *models.ChargingSession) error
	GetByID(ctx context.Context, id string) (*models.ChargingSession, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.ChargingSession, error)
}

// TokenStore 厂商令牌持久化
type TokenStore interface {
	GetByUser(ctx context.Context, userID, provider string) (*models.VendorToken, error)
	ListUserIDs(ctx context.Context, provider string) ([]string, error)
	Upsert(ctx context.Context, t *models.VendorToken) error
}

// UserStore 用户与设备持久化
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	UpsertDevice(ctx context.Context, d *models.Device) error
}

// EnergyStore 日度能量与台账持久化
type EnergyStore interface {
	AddProduction(ctx context.Context, rec *models.EnergyRecord) error
	InsertSessionLog(ctx context.Context, e *models.SessionLogEntry) error
}

// TelemetryClient 厂商遥测接口
type TelemetryClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*tesla.TokenResponse, error)
	ListVehicles(ctx context.Context, accessToken string) ([]tesla.Vehicle, error)
	GetVehicleData(ctx context.Context, accessToken, deviceID string) (*tesla.VehicleData, error)
}

// Geocoder 地址解析
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*models.Coordinates, error)
}

// Notifier 事件推送
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Broadcaster 实时结果广播
type Broadcaster interface {
	BroadcastResult(result models.VehicleResult)
}

func defaultNow() time.Time {
	return time.Now()
}
