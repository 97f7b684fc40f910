package tesla

import (
	"encoding/json"
	"time"
)

// 充电状态枚举（charging_state）
const (
	ChargingStateCharging     = "Charging"
	ChargingStateComplete     = "Complete"
	ChargingStateStopped      = "Stopped"
	ChargingStateDisconnected = "Disconnected"
)

// Vehicle 车辆基础信息
type Vehicle struct {
	ID          int64  `json:"id"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"` // online, asleep, offline
}

// VehicleData 单次轮询拿到的车辆遥测
type VehicleData struct {
	ID          int64        `json:"id"`
	VIN         string       `json:"vin"`
	State       string       `json:"state"`
	ChargeState *ChargeState `json:"charge_state,omitempty"`
	DriveState  *DriveState  `json:"drive_state,omitempty"`
}

// ChargeState 充电遥测
// ChargeEnergyAdded 与 FastChargerPresent 走容错解析，见 UnmarshalJSON。
type ChargeState struct {
	BatteryLevel       int     `json:"battery_level"`
	ChargingState      string  `json:"charging_state"` // Charging, Complete, Stopped, Disconnected
	ChargerPower       float64 `json:"charger_power"`  // kW
	FastChargerPresent bool    `json:"-"`
	ChargeEnergyAdded  float64 `json:"-"` // 累计 kWh，车内计数器重置前单调
	Timestamp          int64   `json:"timestamp"`
}

// 历史负载中出现过的累计能量字段，按优先级排列；
// 带 _wh 后缀的按瓦时换算为 kWh。未命中任何字段视为 0（未知/旧格式）。
var energyFieldPriority = []struct {
	name string
	wh   bool
}{
	{"charge_energy_added", false},
	{"energy_added", false},
	{"charge_energy_added_wh", true},
}

// 历史负载中出现过的直流快充标志字段，按优先级排列
var fastChargerFieldPriority = []string{
	"fast_charger_present",
	"is_dc_fast_charger_present",
}

// UnmarshalJSON 容错解析旧版字段名
func (cs *ChargeState) UnmarshalJSON(b []byte) error {
	type alias ChargeState
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*cs = ChargeState(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, f := range energyFieldPriority {
		v, ok := raw[f.name]
		if !ok {
			continue
		}
		var kwh float64
		if err := json.Unmarshal(v, &kwh); err != nil {
			continue
		}
		if f.wh {
			kwh /= 1000
		}
		cs.ChargeEnergyAdded = kwh
		break
	}
	for _, name := range fastChargerFieldPriority {
		v, ok := raw[name]
		if !ok {
			continue
		}
		var present bool
		if err := json.Unmarshal(v, &present); err != nil {
			continue
		}
		cs.FastChargerPresent = present
		break
	}
	return nil
}

// DriveState 位置遥测
type DriveState struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	GpsAsOf   int64   `json:"gps_as_of"`
	Timestamp int64   `json:"timestamp"`
}

// HasGPS 位置是否可用（深睡时车辆不回传 GPS）
func (d *DriveState) HasGPS() bool {
	return d != nil && (d.Latitude != 0 || d.Longitude != 0)
}

// RecordedAt 遥测时间；厂商未给毫秒时间戳时退回 now
func (cs *ChargeState) RecordedAt(now time.Time) time.Time {
	if cs.Timestamp > 0 {
		return time.UnixMilli(cs.Timestamp)
	}
	return now
}
