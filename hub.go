package computepool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/ComputePool/internal/health"
	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/internal/registry"
	"github.com/httprunner/ComputePool/internal/signaling"
	"github.com/httprunner/ComputePool/internal/tasks"
	"github.com/httprunner/ComputePool/pkg/protocol"
)

// Hub composes the device registry, pool manager, signaling relay, health
// monitor and task coordinator behind per-connection sessions.
type Hub struct {
	cfg      Config
	registry *registry.Registry
	pools    *pools.Manager
	dir      *signaling.Directory
	relay    *signaling.Relay
	health   *health.Monitor
	tasks    *tasks.Coordinator
	recorder EventRecorder
	hostID   string
	clock    func() time.Time

	startedAt time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// HubOption customizes NewHub.
type HubOption func(*Hub)

// WithRecorder sends lifecycle events to r, typically a *storage.Journal.
func WithRecorder(r EventRecorder) HubOption {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

func WithHostID(id string) HubOption {
	return func(h *Hub) { h.hostID = id }
}

// WithClock overrides the time source of the hub and its components.
func WithClock(clock func() time.Time) HubOption {
	return func(h *Hub) { h.clock = clock }
}

// NewHub wires the coordination components from cfg.
func NewHub(cfg Config, opts ...HubOption) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		recorder: noopRecorder{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.hostID == "" {
		h.hostID = HostID()
	}

	h.registry = registry.New()
	h.pools = pools.NewManager(h.registry, cfg.PoolDefaults)
	if h.clock != nil {
		h.registry.WithClock(h.clock)
		h.pools.WithClock(h.clock)
	}
	h.dir = signaling.NewDirectory()
	h.relay = signaling.NewRelay(h.dir, signaling.Config{
		RatePerSecond: cfg.RelayRatePerSec,
		Burst:         cfg.RelayBurst,
		ICEServers:    cfg.ICEServers,
	})
	h.health = health.NewMonitor(health.Config{
		Interval: cfg.HealthInterval,
		Timeout:  cfg.HealthTimeout,
		Probe:    h.probe,
		Evict:    h.evict,
		Clock:    h.clock,
	})
	h.tasks = tasks.NewCoordinator(h.registry, h.pools, h.dir, tasks.Config{
		AssignLimit:  cfg.AssignLimit,
		AssignWindow: cfg.AssignWindow,
		Clock:        h.clock,
	})
	h.startedAt = h.now()
	return h
}

func (h *Hub) now() time.Time {
	if h.clock != nil {
		return h.clock()
	}
	return time.Now()
}

// Open starts a session for a new connection: the session is addressable,
// tracked by the health monitor and has been sent ice:servers.
func (h *Hub) Open() *Session {
	sess := newSession(uuid.NewString(), h.cfg.OutboxSize, h.now())

	h.mu.Lock()
	h.sessions[sess.id] = sess
	total := len(h.sessions)
	h.mu.Unlock()

	h.dir.Bind(sess.id, sess)
	h.health.Track(sess.id)
	h.relay.DistributeICE(sess.id, &sess.iceSent)

	log.Info().Str("device_id", sess.id).Int("connections", total).Msg("device connected")
	h.record(sess.id, "", JournalConnect, nil)
	return sess
}

// Session looks up a live session by device id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

// Connections returns the number of live sessions.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Disconnect tears sess down exactly once: it stops being addressable,
// leaves its pool (poolmates get peer:disconnected), loses its health record,
// task bookkeeping and registry entry. cause is nil for a graceful close.
func (h *Hub) Disconnect(sess *Session, cause error) {
	if sess == nil {
		return
	}
	sess.cleanup.Do(func() {
		var journal journalQueue
		defer h.flushJournal(&journal)
		sess.opMu.Lock()
		defer sess.opMu.Unlock()

		sess.close(cause)
		h.dir.Unbind(sess.id, sess)

		poolID := ""
		if res, ok := h.pools.Leave(sess.id); ok {
			poolID = res.PoolID
			h.dir.Broadcast(res.Remaining, protocol.New(protocol.EventPeerDisconnected, protocol.PeerRef{PeerID: sess.id}))
		}
		h.health.Remove(sess.id)
		h.tasks.Release(sess.id)
		h.registry.Unregister(sess.id)

		h.mu.Lock()
		delete(h.sessions, sess.id)
		total := len(h.sessions)
		h.mu.Unlock()

		event := JournalDisconnect
		evt := log.Info()
		if errors.Is(cause, health.ErrConnectionTimeout) {
			event = JournalTimeout
			evt = log.Warn().Err(cause)
		} else if cause != nil {
			evt = evt.Err(cause)
		}
		evt.Str("device_id", sess.id).
			Str("pool_id", poolID).
			Dur("connected_for", h.now().Sub(sess.connectedAt)).
			Int("connections", total).
			Msg("device disconnected")

		var detail any
		if cause != nil {
			detail = cause.Error()
		}
		journal.add(h.event(sess.id, poolID, event, detail))
	})
}

func (h *Hub) probe(deviceID string) {
	_ = h.dir.Send(deviceID, protocol.New(protocol.EventHealthCheck, protocol.HealthCheck{
		Timestamp: protocol.Timestamp(h.now()),
	}))
}

func (h *Hub) evict(deviceID string, cause error) {
	sess, ok := h.Session(deviceID)
	if !ok {
		return
	}
	h.Disconnect(sess, cause)
}

// Heartbeat sends health:check to every live session. Devices answer with
// health:pong carrying the measured latency.
func (h *Hub) Heartbeat() int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	return h.dir.Broadcast(ids, protocol.New(protocol.EventHealthCheck, protocol.HealthCheck{
		Timestamp: protocol.Timestamp(h.now()),
	}))
}

// Run drives the heartbeat and the health sweep until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	GroupGoSafe(groupCtx, group, "health-sweep", h.health.Run)
	GroupGoSafe(groupCtx, group, "heartbeat", func(ctx context.Context) error {
		ticker := time.NewTicker(h.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				h.Heartbeat()
			}
		}
	})
	return group.Wait()
}

// Close disconnects every live session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		all = append(all, sess)
	}
	h.mu.RUnlock()
	for _, sess := range all {
		h.Disconnect(sess, nil)
	}
}

// AssignTask hands task to deviceID on behalf of external task logic.
func (h *Hub) AssignTask(task protocol.Task, deviceID string) error {
	if err := h.tasks.Assign(task, deviceID); err != nil {
		return err
	}
	h.record(deviceID, h.registry.PoolOf(deviceID), JournalTaskAssign, map[string]string{
		"taskId": task.TaskID,
		"type":   task.Type,
	})
	return nil
}

// Pools returns every live pool ordered by id.
func (h *Hub) Pools() []pools.Summary {
	return h.pools.List()
}

func (h *Hub) Pool(id string) (pools.Summary, error) {
	info, ok := h.pools.Info(id)
	if !ok {
		return pools.Summary{}, errors.Wrapf(pools.ErrPoolNotFound, "pool %s", id)
	}
	return info, nil
}

// PoolDevices returns the registry records of the pool members in join order.
func (h *Hub) PoolDevices(id string) ([]registry.Device, error) {
	if _, ok := h.pools.Info(id); !ok {
		return nil, errors.Wrapf(pools.ErrPoolNotFound, "pool %s", id)
	}
	return h.registry.Snapshot(h.pools.Members(id)), nil
}

func (h *Hub) DeviceHealth(id string) (health.Record, bool) {
	return h.health.Get(id)
}

func (h *Hub) Device(id string) (registry.Device, bool) {
	return h.registry.Get(id)
}

// Report is the /health payload.
type Report struct {
	Status      string `json:"status"`
	Pools       int    `json:"pools"`
	Devices     int    `json:"devices"`
	Connections int    `json:"connections"`
	HostID      string `json:"hostId,omitempty"`
	ICEServers  int    `json:"iceServers"`
	Uptime      int64  `json:"uptime"`
	Timestamp   int64  `json:"timestamp"`
}

func (h *Hub) Report() Report {
	now := h.now()
	return Report{
		Status:      "healthy",
		Pools:       h.pools.Len(),
		Devices:     h.registry.Len(),
		Connections: h.Connections(),
		HostID:      h.hostID,
		ICEServers:  len(h.relay.ICEServers()),
		Uptime:      int64(now.Sub(h.startedAt) / time.Second),
		Timestamp:   protocol.Timestamp(now),
	}
}
