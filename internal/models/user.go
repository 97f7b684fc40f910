package models

import "time"

// User 用户档案（仅本子系统关心的字段）
type User struct {
	ID          string    `json:"id" db:"id"`
	HomeAddress string    `json:"home_address,omitempty" db:"home_address"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Device 用户已接入的车辆
type Device struct {
	ID             int64  `json:"id" db:"id"`
	UserID         string `json:"user_id" db:"user_id"`
	VendorDeviceID string `json:"vendor_device_id" db:"vendor_device_id"`
	VIN            string `json:"vin,omitempty" db:"vin"`
	DisplayName    string `json:"display_name,omitempty" db:"display_name"`
}

// VendorToken 厂商 OAuth 令牌对，仅由 Token Refresher 写入
type VendorToken struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Provider     string    `json:"provider" db:"provider"`
	AccessToken  string    `json:"access_token" db:"access_token"`
	RefreshToken string    `json:"refresh_token" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ExpiresWithin 检查令牌是否将在 window 内过期
func (t *VendorToken) ExpiresWithin(window time.Duration, now time.Time) bool {
	return !t.ExpiresAt.After(now.Add(window))
}

// Coordinates 经纬度坐标
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
