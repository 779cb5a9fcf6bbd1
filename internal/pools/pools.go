package pools

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/pkg/protocol"
)

var (
	ErrPoolFull        = errors.New("Pool is full")
	ErrPoolNotFound    = errors.New("Pool not found")
	ErrPoolNotJoinable = errors.New("Pool is not joinable")
)

// Config is fixed when the pool is created.
type Config struct {
	MaxDevices         int      `json:"maxDevices"`
	MinDevices         int      `json:"minDevices"`
	TaskTypes          []string `json:"taskTypes"`
	ConsensusThreshold float64  `json:"consensusThreshold"`
}

// DefaultConfig returns the settings used for pools created without an
// explicit configuration.
func DefaultConfig() Config {
	return Config{
		MaxDevices: 100,
		MinDevices: 3,
		TaskTypes: []string{
			protocol.TaskAIInference,
			protocol.TaskDataProcessing,
			protocol.TaskRendering,
		},
		ConsensusThreshold: 0.66,
	}
}

// WithDefaults fills zero or out of range fields from def.
func (c Config) WithDefaults(def Config) Config {
	if c.MaxDevices <= 0 {
		c.MaxDevices = def.MaxDevices
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 1
	}
	if c.MinDevices <= 0 {
		c.MinDevices = def.MinDevices
	}
	if len(c.TaskTypes) == 0 {
		c.TaskTypes = append([]string(nil), def.TaskTypes...)
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		c.ConsensusThreshold = def.ConsensusThreshold
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		c.ConsensusThreshold = 1
	}
	return c
}

type Stats struct {
	TasksCompleted int64   `json:"tasksCompleted"`
	TotalEarnings  float64 `json:"totalEarnings"`
	ActiveDevices  int     `json:"activeDevices"`
}

type StatsDelta struct {
	TasksCompleted int64
	Earnings       float64
}

// Summary is the read-only projection handed to REST consumers.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DeviceCount int       `json:"deviceCount"`
	Config      Config    `json:"config"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JoinOptions only take effect when the join creates the pool.
type JoinOptions struct {
	Name   string
	Config *Config
}

type JoinResult struct {
	Pool Summary
	// Peers are the members present before the join, in join order.
	Peers         []string
	Created       bool
	AlreadyMember bool
	// Previous is set when the device was moved out of another pool.
	Previous *LeaveResult
}

type LeaveResult struct {
	PoolID    string
	Remaining []string
	Deleted   bool
}

// Devices is the slice of the device registry the manager relies on.
type Devices interface {
	Has(id string) bool
	PoolOf(id string) string
	SetPool(id, poolID string) bool
}

type pool struct {
	mu        sync.Mutex
	id        string
	name      string
	config    Config
	members   []string
	stats     Stats
	createdAt time.Time
	deleted   bool
}

// Manager owns pool lifecycle and membership. Each pool is guarded by its own
// mutex; the index lock only covers lookup, creation and removal of entries
// and is never held while waiting for a pool lock. Operations for one device
// are expected to be serialized by its session.
type Manager struct {
	devices  Devices
	defaults Config
	clock    func() time.Time

	mu    sync.RWMutex
	pools map[string]*pool
}

// NewManager builds a manager whose lazily created pools use defaults.
func NewManager(devices Devices, defaults Config) *Manager {
	return &Manager{
		devices:  devices,
		defaults: defaults.WithDefaults(DefaultConfig()),
		pools:    make(map[string]*pool),
	}
}

// WithClock overrides the time source used for CreatedAt.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

// Join adds deviceID to poolID, creating the pool on first reference. The
// capacity check and the insert happen under the same pool lock, so at the
// capacity boundary exactly one concurrent joiner wins.
func (m *Manager) Join(deviceID, poolID string, opts JoinOptions) (JoinResult, error) {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return JoinResult{}, errors.Wrap(ErrPoolNotJoinable, "pool id is empty")
	}
	if deviceID == "" || !m.devices.Has(deviceID) {
		return JoinResult{}, errors.Wrapf(ErrPoolNotJoinable, "device %q is not registered", deviceID)
	}

	current := m.devices.PoolOf(deviceID)
	for {
		p, created := m.getOrCreate(poolID, opts)
		p.mu.Lock()
		if p.deleted {
			// emptied and dropped between lookup and lock; retry on a fresh entry
			p.mu.Unlock()
			continue
		}
		if indexOf(p.members, deviceID) >= 0 {
			res := JoinResult{
				Pool:          p.summaryLocked(),
				Peers:         peersExcluding(p.members, deviceID),
				AlreadyMember: true,
			}
			p.mu.Unlock()
			return res, nil
		}
		if len(p.members) >= p.config.MaxDevices {
			summary := p.summaryLocked()
			p.mu.Unlock()
			log.Warn().
				Str("device_id", deviceID).
				Str("pool_id", poolID).
				Str("current_pool", current).
				Int("max_devices", summary.Config.MaxDevices).
				Msg("pool join rejected: pool is full")
			return JoinResult{Pool: summary}, errors.Wrapf(ErrPoolFull, "join pool %s", poolID)
		}
		// the slot is taken before the device leaves its current pool, so a
		// rejected join never touches existing membership
		peers := append([]string(nil), p.members...)
		p.members = append(p.members, deviceID)
		p.stats.ActiveDevices = len(p.members)
		res := JoinResult{
			Pool:    p.summaryLocked(),
			Peers:   peers,
			Created: created,
		}
		p.mu.Unlock()

		if current != "" && current != poolID {
			if prev, ok := m.Leave(deviceID); ok {
				res.Previous = &prev
			}
		}
		m.devices.SetPool(deviceID, poolID)

		log.Info().
			Str("device_id", deviceID).
			Str("pool_id", poolID).
			Int("device_count", res.Pool.DeviceCount).
			Bool("created", created).
			Msg("device joined pool")
		return res, nil
	}
}

// Leave removes deviceID from its pool and deletes the pool once empty. The
// second return value is false when the device was not in any pool.
func (m *Manager) Leave(deviceID string) (LeaveResult, bool) {
	poolID := m.devices.PoolOf(deviceID)
	if poolID == "" {
		return LeaveResult{}, false
	}
	p := m.lookup(poolID)
	if p == nil {
		m.devices.SetPool(deviceID, "")
		return LeaveResult{}, false
	}

	p.mu.Lock()
	idx := indexOf(p.members, deviceID)
	if idx < 0 || p.deleted {
		p.mu.Unlock()
		m.devices.SetPool(deviceID, "")
		return LeaveResult{}, false
	}
	p.members = append(p.members[:idx], p.members[idx+1:]...)
	p.stats.ActiveDevices = len(p.members)
	res := LeaveResult{
		PoolID:    poolID,
		Remaining: append([]string(nil), p.members...),
	}
	if len(p.members) == 0 {
		p.deleted = true
		res.Deleted = true
		m.mu.Lock()
		if m.pools[poolID] == p {
			delete(m.pools, poolID)
		}
		m.mu.Unlock()
	}
	m.devices.SetPool(deviceID, "")
	p.mu.Unlock()

	log.Info().
		Str("device_id", deviceID).
		Str("pool_id", poolID).
		Int("device_count", len(res.Remaining)).
		Bool("deleted", res.Deleted).
		Msg("device left pool")
	return res, true
}

// UpdateStats aggregates device level completions and earnings into the pool.
func (m *Manager) UpdateStats(poolID string, delta StatsDelta) (Stats, error) {
	p := m.lookup(poolID)
	if p == nil {
		return Stats{}, errors.Wrapf(ErrPoolNotFound, "update stats of %s", poolID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return Stats{}, errors.Wrapf(ErrPoolNotFound, "update stats of %s", poolID)
	}
	p.stats.TasksCompleted += delta.TasksCompleted
	p.stats.TotalEarnings += delta.Earnings
	return p.stats, nil
}

// Info returns the pool summary, false when the pool does not exist.
func (m *Manager) Info(poolID string) (Summary, bool) {
	p := m.lookup(poolID)
	if p == nil {
		return Summary{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return Summary{}, false
	}
	return p.summaryLocked(), true
}

// Members returns the pool's device ids in join order.
func (m *Manager) Members(poolID string) []string {
	p := m.lookup(poolID)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil
	}
	return append([]string(nil), p.members...)
}

// List returns summaries of all live pools ordered by id.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	entries := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		entries = append(entries, p)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, p := range entries {
		p.mu.Lock()
		if !p.deleted {
			out = append(out, p.summaryLocked())
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live pools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

func (m *Manager) lookup(poolID string) *pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[poolID]
}

func (m *Manager) getOrCreate(poolID string, opts JoinOptions) (*pool, bool) {
	if p := m.lookup(poolID); p != nil {
		return p, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolID]; ok {
		return p, false
	}
	cfg := m.defaults
	if opts.Config != nil {
		cfg = opts.Config.WithDefaults(m.defaults)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "Pool " + poolID
	}
	p := &pool{
		id:        poolID,
		name:      name,
		config:    cfg,
		createdAt: m.now(),
	}
	m.pools[poolID] = p
	log.Info().
		Str("pool_id", poolID).
		Int("max_devices", cfg.MaxDevices).
		Float64("consensus_threshold", cfg.ConsensusThreshold).
		Msg("pool created")
	return p, true
}

func (p *pool) summaryLocked() Summary {
	cfg := p.config
	cfg.TaskTypes = append([]string(nil), p.config.TaskTypes...)
	return Summary{
		ID:          p.id,
		Name:        p.name,
		DeviceCount: len(p.members),
		Config:      cfg,
		Stats:       p.stats,
		CreatedAt:   p.createdAt,
	}
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func peersExcluding(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
