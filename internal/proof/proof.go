// Package proof 为充电会话构建防篡改哈希链与差额证明。
// 全部为纯函数：相同输入必得相同输出，重试天然幂等。
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voltra/chargeproof/internal/models"
)

// Genesis 链首条目的前驱哈希字面量
const Genesis = "genesis"

// SnapshotHash 计算一条遥测快照的链式哈希
// SHA256(deviceID | RFC3339Nano UTC 时间戳 | kwh | batteryPercent | prevHash)，小写十六进制。
func SnapshotHash(deviceID string, ts time.Time, kwh float64, batteryPercent int, prevHash string) string {
	return hashFields(
		deviceID,
		CanonicalTimestamp(ts),
		CanonicalKwh(kwh),
		strconv.Itoa(batteryPercent),
		prevHash,
	)
}

// DeltaProof 计算会话净能量差额证明，仅在会话关闭后计算一次
// SHA256(sessionID | startKwh | endKwh | totalKwh | firstHash | lastHash)。
func DeltaProof(sessionID string, startKwh, endKwh, totalKwh float64, firstHash, lastHash string) string {
	return hashFields(
		sessionID,
		CanonicalKwh(startKwh),
		CanonicalKwh(endKwh),
		CanonicalKwh(totalKwh),
		firstHash,
		lastHash,
	)
}

// CanonicalKwh kWh 的规范编码：最短十进制表示
func CanonicalKwh(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CanonicalTimestamp 时间戳的规范编码：UTC RFC3339Nano
func CanonicalTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain 逐条重算链上哈希，返回第一处断链的下标
// 链完整时返回 -1, nil。
func VerifyChain(deviceID string, chain []models.ProofChainEntry) (int, error) {
	prev := Genesis
	for i, e := range chain {
		want := SnapshotHash(deviceID, e.Timestamp, e.Kwh, e.BatteryPercent, prev)
		if e.Hash != want {
			return i, fmt.Errorf("chain broken at entry %d: stored %s, recomputed %s", i, e.Hash, want)
		}
		prev = e.Hash
	}
	return -1, nil
}

// VerifySession 校验已完成会话：链完整且差额证明可复现
func VerifySession(s *models.ChargingSession) error {
	if s.Status != models.SessionStatusCompleted {
		return fmt.Errorf("session %s is not completed", s.ID)
	}
	if len(s.ProofChain) == 0 {
		return fmt.Errorf("session %s has an empty proof chain", s.ID)
	}
	if s.DeltaProof == nil {
		return fmt.Errorf("session %s has no delta proof", s.ID)
	}
	if i, err := VerifyChain(s.DeviceID, s.ProofChain); err != nil {
		return fmt.Errorf("verify chain of session %s (entry %d): %w", s.ID, i, err)
	}
	want := DeltaProof(s.ID, s.StartKwhAdded, s.EndKwhAdded, s.TotalSessionKwh,
		s.ProofChain[0].Hash, s.ProofChain[len(s.ProofChain)-1].Hash)
	if *s.DeltaProof != want {
		return fmt.Errorf("delta proof mismatch for session %s", s.ID)
	}
	return nil
}
