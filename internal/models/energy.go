package models

import "time"

// 能量聚合的数据类型
const EnergyDataTypeHomeCharging = "home_charging"

// EnergyRecord 每日能量聚合，一行对应 (device, provider, 日期, 类型)
// 同日多次完成的会话按加法累加，不整行覆盖。
type EnergyRecord struct {
	DeviceID     string    `json:"device_id" db:"device_id"`
	Provider     string    `json:"provider" db:"provider"`
	RecordedAt   time.Time `json:"recorded_at" db:"recorded_at"` // 本地日历日
	DataType     string    `json:"data_type" db:"data_type"`
	ProductionWh int64     `json:"production_wh" db:"production_wh"`
}

// SessionLogEntry 归一化的已完成会话记录
// 由 (user_id, device_id, start_time) 唯一约束去重。
type SessionLogEntry struct {
	ID         int64     `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	Provider   string    `json:"provider" db:"provider"`
	StartTime  time.Time `json:"start_time" db:"start_time"`
	EndTime    time.Time `json:"end_time" db:"end_time"`
	EnergyKwh  float64   `json:"energy_kwh" db:"energy_kwh"`
	Location   string    `json:"location,omitempty" db:"location"`
	DeltaProof string    `json:"delta_proof" db:"delta_proof"`
	Verified   bool      `json:"verified" db:"verified"`
}
