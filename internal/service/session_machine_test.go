package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/geo"
	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/notify"
	"github.com/voltra/chargeproof/internal/proof"
	"github.com/voltra/chargeproof/internal/state"
)

var (
	testHome   = &models.Coordinates{Lat: 37.7749, Lng: -122.4194}
	testUser   = &models.User{ID: "user-1", HomeAddress: "1 Home St"}
	testDevice = models.Device{UserID: "user-1", VendorDeviceID: "veh-1", DisplayName: "My Model 3"}
	testBase   = time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
)

type machineEnv struct {
	sessions *fakeSessionStore
	energy   *fakeEnergyStore
	notifier *fakeNotifier
	machine  *SessionMachine
	clock    time.Time
}

func newMachineEnv(assumeHome bool) *machineEnv {
	env := &machineEnv{
		sessions: newFakeSessionStore(),
		energy:   &fakeEnergyStore{},
		notifier: &fakeNotifier{},
		clock:    testBase,
	}
	env.machine = NewSessionMachine(env.sessions, env.energy, env.notifier,
		geo.NewMatcher(0.5, assumeHome), state.NewManager(nil), "tesla", zap.NewNop())
	env.machine.now = func() time.Time { return env.clock }
	return env
}

func telemetry(chargingState string, kwh float64, battery int, ts time.Time) *tesla.VehicleData {
	return &tesla.VehicleData{
		ChargeState: &tesla.ChargeState{
			BatteryLevel:      battery,
			ChargingState:     chargingState,
			ChargerPower:      11,
			ChargeEnergyAdded: kwh,
			Timestamp:         ts.UnixMilli(),
		},
		DriveState: &tesla.DriveState{Latitude: testHome.Lat, Longitude: testHome.Lng},
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase), testHome)
	require.Equal(t, models.ActionStarted, res.Action)
	require.NotEmpty(t, res.SessionID)
	sessionID := res.SessionID

	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 12.5, 55, testBase.Add(10*time.Minute)), testHome)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.InDelta(t, 2.5, res.TotalKwh, 1e-9)

	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 15.0, 60, testBase.Add(20*time.Minute)), testHome)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.InDelta(t, 5.0, res.TotalKwh, 1e-9)

	env.clock = testBase.Add(30 * time.Minute)
	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateComplete, 15.0, 62, testBase.Add(30*time.Minute)), testHome)
	require.Equal(t, models.ActionCompleted, res.Action)
	assert.InDelta(t, 5.0, res.TotalKwh, 1e-9)

	s, err := env.sessions.GetByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, s.Status)
	assert.True(t, s.Verified)
	assert.Equal(t, "charging_complete", s.Metadata["end_reason"])
	require.NotNil(t, s.EndTime)
	require.Len(t, s.ProofChain, 4)

	// 链与差额证明可独立复核
	i, err := proof.VerifyChain(testDevice.VendorDeviceID, s.ProofChain)
	require.NoError(t, err)
	assert.Equal(t, -1, i)
	require.NoError(t, proof.VerifySession(s))

	// 入账：当日 5000 Wh + 一条台账
	require.Len(t, env.energy.productions, 1)
	assert.Equal(t, int64(5000), env.energy.productions[0].ProductionWh)
	assert.Equal(t, models.EnergyDataTypeHomeCharging, env.energy.productions[0].DataType)
	require.Len(t, env.energy.logs, 1)
	assert.True(t, env.energy.logs[0].Verified)
	assert.InDelta(t, 5.0, env.energy.logs[0].EnergyKwh, 1e-9)

	assert.Len(t, env.notifier.byType(notify.TypeChargingStarted), 1)
	assert.Len(t, env.notifier.byType(notify.TypeChargingCompleted), 1)
}

func TestIdenticalTelemetryNotAppended(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	data := telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase)
	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	require.Equal(t, models.ActionStarted, res.Action)

	// 同一份遥测重复轮询不追加链条目
	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	assert.Equal(t, models.ActionUpdated, res.Action)

	s, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.ProofChain, 1)
}

func TestCounterResetClampsToZero(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase), testHome)

	// 车端计数器重置后累计值回落，总量不为负
	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 2.0, 52, testBase.Add(10*time.Minute)), testHome)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.Equal(t, 0.0, res.TotalKwh)

	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateStopped, 2.0, 52, testBase.Add(20*time.Minute)), testHome)
	require.Equal(t, models.ActionCompleted, res.Action)
	assert.Equal(t, 0.0, res.TotalKwh)

	s, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, s.Verified)

	// 零能量会话不入账不通知
	assert.Empty(t, env.energy.productions)
	assert.Empty(t, env.energy.logs)
	assert.Empty(t, env.notifier.byType(notify.TypeChargingCompleted))
}

func TestChargingAwayFromHome(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	data := telemetry(tesla.ChargingStateCharging, 3.0, 40, testBase)
	data.DriveState = &tesla.DriveState{Latitude: 34.0522, Longitude: -118.2437}

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	assert.Equal(t, models.ActionACNotHome, res.Action)
	assert.Empty(t, env.sessions.sessions)
}

func TestAssumeHomeWithoutGPS(t *testing.T) {
	ctx := context.Background()

	// 策略开启：无 GPS + 交流充电 -> 开启会话并打标
	env := newMachineEnv(true)
	data := telemetry(tesla.ChargingStateCharging, 1.0, 30, testBase)
	data.DriveState = nil

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	require.Equal(t, models.ActionStarted, res.Action)
	s, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, true, s.Metadata["assumed_home"])

	// 策略关闭：同样的遥测不开会话
	env = newMachineEnv(false)
	res = env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	assert.Equal(t, models.ActionACNotHome, res.Action)
}

func TestDCFastChargingIgnored(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	data := telemetry(tesla.ChargingStateCharging, 20.0, 70, testBase)
	data.ChargeState.FastChargerPresent = true

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	assert.Equal(t, models.ActionIdle, res.Action)
	assert.Empty(t, env.sessions.sessions)
}

func TestDCFastChargingClosesOpenSession(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase), testHome)
	env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 12.0, 55, testBase.Add(10*time.Minute)), testHome)

	data := telemetry(tesla.ChargingStateCharging, 12.0, 55, testBase.Add(time.Hour))
	data.ChargeState.FastChargerPresent = true
	env.clock = testBase.Add(time.Hour)

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, data, testHome)
	require.Equal(t, models.ActionCompleted, res.Action)

	s, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.EndReasonDCFastCharging, s.Metadata["end_reason"])
}

func TestIdleWithoutSession(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateDisconnected, 0, 80, testBase), testHome)
	assert.Equal(t, models.ActionIdle, res.Action)
}

func TestFinalizeStale(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase), testHome)
	env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 12.5, 55, testBase.Add(10*time.Minute)), testHome)

	open, err := env.sessions.GetOpen(ctx, testUser.ID, testDevice.VendorDeviceID)
	require.NoError(t, err)

	env.clock = testBase.Add(2 * time.Hour)
	res := env.machine.FinalizeStale(ctx, testUser, testDevice, open, models.EndReasonVehicleAsleep)
	require.Equal(t, models.ActionCompleted, res.Action)
	assert.InDelta(t, 2.5, res.TotalKwh, 1e-9)

	s, err := env.sessions.GetByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, s.Status)
	assert.Equal(t, models.EndReasonVehicleAsleep, s.Metadata["end_reason"])
	require.Len(t, s.ProofChain, 3)
	assert.True(t, s.ProofChain[2].Stale)
	assert.True(t, s.Verified)

	// 补上的终态快照仍然在链上可复核
	i, err := proof.VerifyChain(testDevice.VendorDeviceID, s.ProofChain)
	require.NoError(t, err)
	assert.Equal(t, -1, i)

	require.Len(t, env.energy.productions, 1)
	assert.Equal(t, int64(2500), env.energy.productions[0].ProductionWh)
}

func TestConcurrentStartFallsBackToAppend(t *testing.T) {
	ctx := context.Background()
	env := newMachineEnv(true)

	// 并发轮询抢先建好了会话
	first := env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 10.0, 50, testBase), testHome)
	require.Equal(t, models.ActionStarted, first.Action)

	res := env.machine.ProcessSnapshot(ctx, testUser, testDevice, telemetry(tesla.ChargingStateCharging, 11.0, 52, testBase.Add(5*time.Minute)), testHome)
	assert.Equal(t, models.ActionUpdated, res.Action)
	assert.Equal(t, first.SessionID, res.SessionID)
	assert.Len(t, env.sessions.sessions, 1)
}
