// Package state 用有限状态机描述单车充电会话的生命周期。
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 会话状态常量
const (
	StateIdle      = "idle"
	StateCharging  = "charging"
	StateCompleted = "completed"
)

// 事件常量
const (
	EventPlugIn   = "plug_in"
	EventSnapshot = "snapshot"
	EventComplete = "complete"
	EventGoStale  = "go_stale"
)

// DeviceState 单车当前充电状态
type DeviceState struct {
	DeviceID       string    `json:"device_id"`
	CurrentState   string    `json:"state"`
	Since          time.Time `json:"since"`
	SessionID      string    `json:"session_id,omitempty"`
	KwhAdded       float64   `json:"kwh_added"`
	BatteryLevel   int       `json:"battery_level"`
	ChargerPowerKw float64   `json:"charger_power_kw"`
	AtHome         bool      `json:"at_home"`
}

// Machine 单车会话状态机
type Machine struct {
	mu       sync.RWMutex
	deviceID string
	fsm      *fsm.FSM
	state    *DeviceState
	onChange func(deviceID, from, to string)
}

// NewMachine 创建状态机
func NewMachine(deviceID, initialState string, onChange func(deviceID, from, to string)) *Machine {
	if initialState == "" {
		initialState = StateIdle
	}

	m := &Machine{
		deviceID: deviceID,
		onChange: onChange,
		state: &DeviceState{
			DeviceID:     deviceID,
			CurrentState: initialState,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 插枪且在家，开启会话
			{Name: EventPlugIn, Src: []string{StateIdle, StateCompleted}, Dst: StateCharging},

			// 充电中每次轮询追加一条快照
			{Name: EventSnapshot, Src: []string{StateCharging}, Dst: StateCharging},

			// 厂商侧结束或拔枪，正常收尾
			{Name: EventComplete, Src: []string{StateCharging}, Dst: StateCompleted},

			// 车辆失联或会话陈旧，强制收尾
			{Name: EventGoStale, Src: []string{StateCharging}, Dst: StateCompleted},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onChange != nil && e.Src != e.Dst {
					m.onChange(m.deviceID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态副本
func (m *Machine) GetState() *DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *DeviceState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.CurrentState = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// CanTransition 检查事件是否可触发
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 按设备管理状态机
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(deviceID, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(deviceID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(deviceID, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[deviceID]; ok {
		return machine
	}

	machine := NewMachine(deviceID, initialState, m.onChange)
	m.machines[deviceID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(deviceID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[deviceID]
	return machine, ok
}

// GetAllStates 获取所有设备状态
func (m *Manager) GetAllStates() map[string]*DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*DeviceState)
	for deviceID, machine := range m.machines {
		states[deviceID] = machine.GetState()
	}
	return states
}
