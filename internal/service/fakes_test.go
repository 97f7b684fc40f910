package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/notify"
	"github.com/voltra/chargeproof/internal/repository"
)

// 内存版存储与外部依赖，仅供测试

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChargingSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.ChargingSession)}
}

func cloneSession(s *models.ChargingSession) *models.ChargingSession {
	c := *s
	c.ProofChain = append([]models.ProofChainEntry(nil), s.ProofChain...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.DeltaProof != nil {
		d := *s.DeltaProof
		c.DeltaProof = &d
	}
	return &c
}

func (f *fakeSessionStore) GetOpen(_ context.Context, userID, deviceID string) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.DeviceID == deviceID && s.Status == models.SessionStatusCharging {
			return cloneSession(s), nil
		}
	}
	return nil, repository.ErrNoActiveSession
}

func (f *fakeSessionStore) ListOpenByUser(_ context.Context, userID string) ([]*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ChargingSession
	for _, s := range f.sessions {
		if s.UserID == userID && s.Status == models.SessionStatusCharging {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessionStore) Create(_ context.Context, s *models.ChargingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.UserID == s.UserID && existing.DeviceID == s.DeviceID &&
			existing.Status == models.SessionStatusCharging {
			return repository.ErrDuplicateSession
		}
	}
	f.sessions[s.ID] = cloneSession(s)
	return nil
}

func (f *fakeSessionStore) Update(_ context.Context, s *models.ChargingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return repository.ErrNotFound
	}
	f.sessions[s.ID] = cloneSession(s)
	return nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id string) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(s), nil
}

func (f *fakeSessionStore) ListByUser(_ context.Context, userID string, _ int) ([]*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ChargingSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.VendorToken
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]*models.VendorToken)}
}

func (f *fakeTokenStore) GetByUser(_ context.Context, userID, provider string) (*models.VendorToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[userID+"/"+provider]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTokenStore) ListUserIDs(_ context.Context, provider string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, t := range f.tokens {
		if t.Provider == provider {
			ids = append(ids, t.UserID)
		}
	}
	return ids, nil
}

func (f *fakeTokenStore) Upsert(_ context.Context, t *models.VendorToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *t
	f.tokens[t.UserID+"/"+t.Provider] = &c
	return nil
}

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]*models.User
	devices map[string][]models.Device
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:   make(map[string]*models.User),
		devices: make(map[string][]models.Device),
	}
}

func (f *fakeUserStore) GetUser(_ context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUserStore) ListDevices(_ context.Context, userID string) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Device(nil), f.devices[userID]...), nil
}

func (f *fakeUserStore) UpsertDevice(_ context.Context, d *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.devices[d.UserID] {
		if existing.VendorDeviceID == d.VendorDeviceID {
			f.devices[d.UserID][i] = *d
			return nil
		}
	}
	f.devices[d.UserID] = append(f.devices[d.UserID], *d)
	return nil
}

type fakeEnergyStore struct {
	mu          sync.Mutex
	productions []models.EnergyRecord
	logs        []models.SessionLogEntry
}

func (f *fakeEnergyStore) AddProduction(_ context.Context, rec *models.EnergyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productions = append(f.productions, *rec)
	return nil
}

func (f *fakeEnergyStore) InsertSessionLog(_ context.Context, e *models.SessionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.logs {
		if existing.UserID == e.UserID && existing.DeviceID == e.DeviceID &&
			existing.StartTime.Equal(e.StartTime) {
			return nil
		}
	}
	f.logs = append(f.logs, *e)
	return nil
}

type fakeVendor struct {
	mu       sync.Mutex
	data     map[string]*tesla.VehicleData
	dataErr  map[string]error
	vehicles map[string][]tesla.Vehicle
	refresh  func(refreshToken string) (*tesla.TokenResponse, error)
	refreshN int
	panicOn  map[string]bool
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		data:     make(map[string]*tesla.VehicleData),
		dataErr:  make(map[string]error),
		vehicles: make(map[string][]tesla.Vehicle),
		panicOn:  make(map[string]bool),
	}
}

func (f *fakeVendor) RefreshAccessToken(_ context.Context, refreshToken string) (*tesla.TokenResponse, error) {
	f.mu.Lock()
	f.refreshN++
	fn := f.refresh
	f.mu.Unlock()
	if fn != nil {
		return fn(refreshToken)
	}
	return &tesla.TokenResponse{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresIn:    28800,
	}, nil
}

func (f *fakeVendor) ListVehicles(_ context.Context, accessToken string) ([]tesla.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vehicles[accessToken], nil
}

func (f *fakeVendor) GetVehicleData(_ context.Context, _, deviceID string) (*tesla.VehicleData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[deviceID] {
		panic("vendor exploded")
	}
	if err, ok := f.dataErr[deviceID]; ok {
		return nil, err
	}
	if d, ok := f.data[deviceID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown device %s", deviceID)
}

type fakeGeocoder struct {
	coords map[string]*models.Coordinates
}

func (f *fakeGeocoder) Geocode(_ context.Context, address string) (*models.Coordinates, error) {
	if c, ok := f.coords[address]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("address not found: %s", address)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeNotifier) byType(t string) []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Message
	for _, m := range f.messages {
		if m.NotificationType == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	results []models.VehicleResult
}

func (f *fakeBroadcaster) BroadcastResult(res models.VehicleResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
}
