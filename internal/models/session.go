package models

import "time"

// 会话状态
const (
	SessionStatusCharging  = "charging"
	SessionStatusCompleted = "completed"
)

// 会话结束原因（记入 session_metadata）
const (
	EndReasonChargingComplete  = "charging_complete"
	EndReasonChargingStopped   = "charging_stopped"
	EndReasonCableDisconnected = "cable_disconnected"
	EndReasonDCFastCharging    = "dc_fast_charging"
	EndReasonVehicleAsleep     = "vehicle_asleep"
)

// ProofChainEntry 证明链中的一条遥测快照
// Hash = SHA256(device_id | timestamp | kwh | battery_percent | prev_hash)，
// 首条的前驱哈希为字面量 "genesis"。
type ProofChainEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Kwh            float64   `json:"kwh"`
	BatteryPercent int       `json:"battery_percent"`
	Hash           string    `json:"hash"`
	Stale          bool      `json:"stale,omitempty"`
}

// ChargingSession 一次插枪到拔枪的充电会话
// 不变量：同一 (user_id, device_id) 最多一条 status = charging 的会话。
type ChargingSession struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"user_id" db:"user_id"`
	DeviceID        string            `json:"device_id" db:"device_id"`
	StartTime       time.Time         `json:"start_time" db:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty" db:"end_time"`
	StartKwhAdded   float64           `json:"start_kwh_added" db:"start_kwh_added"`
	EndKwhAdded     float64           `json:"end_kwh_added" db:"end_kwh_added"`
	TotalSessionKwh float64           `json:"total_session_kwh" db:"total_session_kwh"`
	Status          string            `json:"status" db:"status"`
	Location        string            `json:"location,omitempty" db:"location"`
	ChargerPowerKw  float64           `json:"charger_power_kw" db:"charger_power_kw"`
	ProofChain      []ProofChainEntry `json:"proof_chain" db:"proof_chain"`
	DeltaProof      *string           `json:"delta_proof,omitempty" db:"delta_proof"`
	Verified        bool              `json:"verified" db:"verified"`
	Metadata        map[string]any    `json:"session_metadata,omitempty" db:"session_metadata"`
}

// ChainTail 返回链尾条目，链为空时返回 nil
func (s *ChargingSession) ChainTail() *ProofChainEntry {
	if len(s.ProofChain) == 0 {
		return nil
	}
	return &s.ProofChain[len(s.ProofChain)-1]
}
