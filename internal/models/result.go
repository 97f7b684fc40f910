package models

// 单台车辆一次轮询周期的处置结果
const (
	ActionStarted     = "started"
	ActionUpdated     = "updated"
	ActionCompleted   = "completed"
	ActionIdle        = "idle"
	ActionACNotHome   = "ac_not_home"
	ActionAsleep      = "asleep"
	ActionRateLimited = "rate_limited"
	ActionError       = "error"
)

// VehicleResult 一个 (user, device) 在本周期的可观测结果
type VehicleResult struct {
	UserID    string  `json:"user_id"`
	DeviceID  string  `json:"device_id,omitempty"`
	Action    string  `json:"action"`
	SessionID string  `json:"session_id,omitempty"`
	TotalKwh  float64 `json:"total_kwh,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// BatchResult 一次批量调用的汇总
type BatchResult struct {
	UsersProcessed int             `json:"users_processed"`
	Results        []VehicleResult `json:"results"`
	Errors         int             `json:"errors"`
}
