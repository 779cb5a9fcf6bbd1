package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrConnectionTimeout = errors.New("Connection timeout")

type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusPoor         Status = "poor"
	StatusDisconnected Status = "disconnected"
)

const (
	healthyBelowMs  = 100
	degradedBelowMs = 300

	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Classify maps a heartbeat latency to a status.
func Classify(latencyMs float64) Status {
	switch {
	case latencyMs < healthyBelowMs:
		return StatusHealthy
	case latencyMs < degradedBelowMs:
		return StatusDegraded
	default:
		return StatusPoor
	}
}

// Record is the liveness state of one connection.
type Record struct {
	DeviceID   string    `json:"deviceId"`
	LastPing   time.Time `json:"lastPing"`
	LatencyMs  float64   `json:"latencyMs"`
	Status     Status    `json:"status"`
	Reconnects int       `json:"reconnects"`
	ProbedAt   time.Time `json:"probedAt,omitempty"`
}

// Prober sends an out-of-band liveness probe to a silent connection.
type Prober func(deviceID string)

// Evictor tears down the session owning a connection that ignored its probe.
// It runs on its own goroutine and must take the ordinary disconnect path.
type Evictor func(deviceID string, cause error)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Probe    Prober
	Evict    Evictor
	Clock    func() time.Time
}

// Monitor keeps one Record per live connection and expires silent ones by
// periodic sweeps. Each sweep is O(live connections).
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*Record
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Monitor{cfg: cfg, records: make(map[string]*Record)}
}

func (m *Monitor) now() time.Time {
	if m.cfg.Clock != nil {
		return m.cfg.Clock()
	}
	return time.Now()
}

// Track starts monitoring a freshly connected device.
func (m *Monitor) Track(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[deviceID]; ok {
		return
	}
	m.records[deviceID] = &Record{
		DeviceID: deviceID,
		LastPing: m.now(),
		Status:   StatusHealthy,
	}
}

// RecordPong refreshes lastPing and reclassifies the connection. A record
// that had been marked disconnected counts one reconnect.
func (m *Monitor) RecordPong(deviceID string, latencyMs float64) (Record, bool) {
	if latencyMs < 0 {
		latencyMs = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[deviceID]
	if !ok {
		return Record{}, false
	}
	if rec.Status == StatusDisconnected {
		rec.Reconnects++
		log.Info().Str("device_id", deviceID).Int("reconnects", rec.Reconnects).Msg("connection recovered")
	}
	rec.LastPing = m.now()
	rec.LatencyMs = latencyMs
	rec.Status = Classify(latencyMs)
	rec.ProbedAt = time.Time{}
	return *rec, true
}

func (m *Monitor) Remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, deviceID)
}

func (m *Monitor) Get(deviceID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[deviceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// SweepResult lists the connections acted on by one sweep.
type SweepResult struct {
	Probed  []string
	Evicted []string
}

// Sweep marks connections silent for longer than the timeout as disconnected
// and probes them. A connection still disconnected at the following sweep is
// evicted. Probes and evictions run after the table lock is released.
func (m *Monitor) Sweep() SweepResult {
	now := m.now()
	var res SweepResult

	m.mu.Lock()
	for id, rec := range m.records {
		if now.Sub(rec.LastPing) <= m.cfg.Timeout {
			continue
		}
		if rec.Status == StatusDisconnected {
			delete(m.records, id)
			res.Evicted = append(res.Evicted, id)
			continue
		}
		rec.Status = StatusDisconnected
		rec.ProbedAt = now
		res.Probed = append(res.Probed, id)
	}
	m.mu.Unlock()

	sort.Strings(res.Probed)
	sort.Strings(res.Evicted)
	for _, id := range res.Probed {
		log.Warn().Str("device_id", id).Dur("timeout", m.cfg.Timeout).Msg("heartbeat overdue, probing connection")
		if m.cfg.Probe != nil {
			m.cfg.Probe(id)
		}
	}
	for _, id := range res.Evicted {
		log.Warn().Str("device_id", id).Msg("connection did not answer probe, evicting")
		if m.cfg.Evict != nil {
			go m.cfg.Evict(id, errors.Wrapf(ErrConnectionTimeout, "device %s", id))
		}
	}
	return res
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().Dur("interval", m.cfg.Interval).Dur("timeout", m.cfg.Timeout).Msg("start health monitor")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}
