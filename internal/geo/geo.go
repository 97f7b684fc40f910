// Package geo 基于大圆距离判定车辆是否位于用户住所附近。
package geo

import (
	"math"

	"github.com/voltra/chargeproof/internal/models"
)

const earthRadiusMiles = 3958.8

// HaversineMiles 两坐标间的大圆距离（英里）
func HaversineMiles(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Matcher 居家判定器
// AssumeHomeWithoutGPS 是一条显式策略：住所已知、车辆正在交流充电、
// 但 GPS 不可用（深睡）时乐观判定为在家。
type Matcher struct {
	ThresholdMiles       float64
	AssumeHomeWithoutGPS bool
}

// NewMatcher 创建判定器
func NewMatcher(thresholdMiles float64, assumeHomeWithoutGPS bool) *Matcher {
	return &Matcher{
		ThresholdMiles:       thresholdMiles,
		AssumeHomeWithoutGPS: assumeHomeWithoutGPS,
	}
}

// Placement 一次居家判定的结果
type Placement struct {
	AtHome        bool
	Assumed       bool    // GPS 缺失时按策略判定
	DistanceMiles float64 // 未知时为 -1
}

// Classify 判定车辆位置
// pos 为空表示 GPS 不可用；home 为空表示住所未知（永不判为在家）。
func (m *Matcher) Classify(pos, home *models.Coordinates, acCharging bool) Placement {
	if home == nil {
		return Placement{AtHome: false, DistanceMiles: -1}
	}
	if pos == nil {
		return Placement{
			AtHome:        acCharging && m.AssumeHomeWithoutGPS,
			Assumed:       true,
			DistanceMiles: -1,
		}
	}
	d := HaversineMiles(pos.Lat, pos.Lng, home.Lat, home.Lng)
	return Placement{AtHome: d <= m.ThresholdMiles, DistanceMiles: d}
}
