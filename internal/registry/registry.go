package registry

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCapabilities = errors.New("Invalid capabilities")
	ErrDeviceNotFound      = errors.New("Device not found")
)

const shardCount = 32

// Stats 记录设备在连接期间的累计数据，Uptime 以秒为单位。
type Stats struct {
	TasksCompleted int64   `json:"tasksCompleted"`
	Earnings       float64 `json:"earnings"`
	Uptime         int64   `json:"uptime"`
}

// StatsDelta 以累加方式合并到 Stats。
type StatsDelta struct {
	TasksCompleted int64
	Earnings       float64
}

// Device 是一个在线连接对应的设备记录。
type Device struct {
	ID           string          `json:"id"`
	Capabilities json.RawMessage `json:"capabilities"`
	Profile      Profile         `json:"-"`
	PoolID       string          `json:"poolId,omitempty"`
	Stats        Stats           `json:"stats"`
	ConnectedAt  time.Time       `json:"connectedAt"`
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// Registry 维护连接 ID 到设备记录的映射，按 ID 分片加锁。
type Registry struct {
	shards [shardCount]*shard
	clock  func() time.Time
}

// New 构建空的设备注册表。
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{devices: make(map[string]*Device)}
	}
	return r
}

// WithClock overrides the time source used for ConnectedAt and Uptime.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register 保存连接声明的能力描述并返回设备 ID。
// 同一连接重复注册会替换描述并保留统计数据。
func (r *Registry) Register(connID string, capabilities json.RawMessage) (string, error) {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return "", errors.New("registry: connection id is empty")
	}
	profile, err := ParseCapabilities(capabilities)
	if err != nil {
		return "", err
	}
	raw := append(json.RawMessage(nil), capabilities...)

	s := r.shardFor(connID)
	s.mu.Lock()
	dev, exists := s.devices[connID]
	if exists {
		dev.Capabilities = raw
		dev.Profile = profile
	} else {
		s.devices[connID] = &Device{
			ID:           connID,
			Capabilities: raw,
			Profile:      profile,
			ConnectedAt:  r.now(),
		}
	}
	s.mu.Unlock()

	if exists {
		log.Debug().Str("device_id", connID).Msg("device re-registered")
	} else {
		log.Info().
			Str("device_id", connID).
			Int("cores", profile.Cores()).
			Float64("memory_gb", profile.MemoryGB()).
			Bool("gpu", profile.HasGPU()).
			Msg("device registered")
	}
	return connID, nil
}

// Unregister 删除设备记录，可重复调用。
func (r *Registry) Unregister(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	_, ok := s.devices[id]
	delete(s.devices, id)
	s.mu.Unlock()
	if ok {
		log.Info().Str("device_id", id).Msg("device unregistered")
	}
	return ok
}

// UpdateStats 累加设备统计；设备已断开时仅记录日志。
func (r *Registry) UpdateStats(id string, delta StatsDelta) (Stats, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	dev, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		log.Warn().Str("device_id", id).Msg("stats update for unknown device ignored")
		return Stats{}, false
	}
	dev.Stats.TasksCompleted += delta.TasksCompleted
	dev.Stats.Earnings += delta.Earnings
	stats := r.statsLocked(dev)
	s.mu.Unlock()
	return stats, true
}

// SetPool 记录设备当前所属的池，poolID 为空表示离开。
func (r *Registry) SetPool(id, poolID string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return false
	}
	dev.PoolID = poolID
	return true
}

// Has reports whether id is a registered device.
func (r *Registry) Has(id string) bool {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[id]
	return ok
}

// PoolOf 返回设备所在池，未入池时为空。
func (r *Registry) PoolOf(id string) string {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dev, ok := s.devices[id]; ok {
		return dev.PoolID
	}
	return ""
}

// Get 返回设备记录的副本。
func (r *Registry) Get(id string) (Device, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return r.copyLocked(dev), true
}

// Snapshot returns copies of the known devices among ids, preserving order.
func (r *Registry) Snapshot(ids []string) []Device {
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		if dev, ok := r.Get(id); ok {
			out = append(out, dev)
		}
	}
	return out
}

// Len 返回在线设备数量。
func (r *Registry) Len() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.devices)
		s.mu.RUnlock()
	}
	return total
}

func (r *Registry) statsLocked(dev *Device) Stats {
	stats := dev.Stats
	stats.Uptime = int64(r.now().Sub(dev.ConnectedAt).Seconds())
	return stats
}

func (r *Registry) copyLocked(dev *Device) Device {
	out := *dev
	out.Capabilities = append(json.RawMessage(nil), dev.Capabilities...)
	out.Stats = r.statsLocked(dev)
	return out
}
