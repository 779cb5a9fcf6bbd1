package computepool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/ComputePool/internal/health"
	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/pkg/protocol"
	"github.com/httprunner/ComputePool/pkg/storage"
)

const testCaps = `{"cpu":{"cores":4},"memory":{"total":8},"gpu":false}`

func request(event string, id uint64, data string) protocol.Envelope {
	env := protocol.Envelope{Event: event, ID: id}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	return env
}

// drain returns everything queued for sess so far.
func drain(sess *Session) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-sess.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func findEvent(events []protocol.Envelope, name string) (protocol.Envelope, bool) {
	for _, env := range events {
		if env.Event == name {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

func countEvent(events []protocol.Envelope, name string) int {
	n := 0
	for _, env := range events {
		if env.Event == name {
			n++
		}
	}
	return n
}

func connectAndRegister(t *testing.T, h *Hub) *Session {
	t.Helper()
	sess := h.Open()
	h.Handle(sess, request(protocol.EventDeviceRegister, 0, `{"capabilities":`+testCaps+`}`))
	events := drain(sess)
	env, ok := findEvent(events, protocol.EventDeviceRegistered)
	if !ok {
		t.Fatalf("device:registered missing, got %+v", events)
	}
	var reg protocol.Registered
	if err := env.Decode(&reg); err != nil || reg.DeviceID != sess.ID() {
		t.Fatalf("unexpected registration %+v: %v", reg, err)
	}
	return sess
}

func join(t *testing.T, h *Hub, sess *Session, poolID string) protocol.JoinAck {
	t.Helper()
	h.Handle(sess, request(protocol.EventPoolJoin, 7, `{"poolId":"`+poolID+`"}`))
	env, ok := findEvent(drainKeep(sess), protocol.EventAck)
	if !ok || env.ID != 7 {
		t.Fatalf("join ack missing")
	}
	var ack protocol.JoinAck
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("decode join ack: %v", err)
	}
	return ack
}

var kept sync.Map

// drainKeep drains sess and remembers the events for a later pending() call.
func drainKeep(sess *Session) []protocol.Envelope {
	events := drain(sess)
	prev, _ := kept.LoadOrStore(sess, []protocol.Envelope(nil))
	kept.Store(sess, append(prev.([]protocol.Envelope), events...))
	return events
}

func pending(sess *Session) []protocol.Envelope {
	prev, _ := kept.LoadAndDelete(sess)
	events, _ := prev.([]protocol.Envelope)
	return append(events, drain(sess)...)
}

func TestOpenSendsICEServersOnce(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	sess := connectAndRegister(t, h)
	defer h.Disconnect(sess, nil)

	ack := join(t, h, sess, "alpha")
	if !ack.Success {
		t.Fatalf("join failed: %+v", ack)
	}
	if n := countEvent(pending(sess), protocol.EventICEServers); n != 0 {
		t.Fatalf("ice:servers re-sent on join: %d", n)
	}
	if sess.State() != StateInPool {
		t.Fatalf("state = %s", sess.State())
	}
}

func TestScenarioPoolLifecycle(t *testing.T) {
	h := NewHub(Config{PoolDefaults: pools.Config{MaxDevices: 2}}, WithHostID("test-host"))
	x := connectAndRegister(t, h)
	y := connectAndRegister(t, h)
	z := connectAndRegister(t, h)

	// A: first device creates the pool
	ack := join(t, h, x, "alpha")
	if !ack.Success || ack.Peers == nil || len(ack.Peers) != 0 {
		t.Fatalf("scenario A ack: %+v", ack)
	}
	if info, err := h.Pool("alpha"); err != nil || info.DeviceCount != 1 {
		t.Fatalf("scenario A pool: %+v %v", info, err)
	}
	pending(x)

	// B: second device sees the first as peer
	ack = join(t, h, y, "alpha")
	if !ack.Success || len(ack.Peers) != 1 || ack.Peers[0] != x.ID() {
		t.Fatalf("scenario B ack: %+v", ack)
	}
	env, ok := findEvent(pending(x), protocol.EventPoolDeviceJoined)
	if !ok {
		t.Fatalf("X did not receive pool:device-joined")
	}
	var joined protocol.DeviceJoined
	if err := env.Decode(&joined); err != nil || joined.DeviceID != y.ID() {
		t.Fatalf("pool:device-joined = %+v %v", joined, err)
	}
	env, ok = findEvent(pending(y), protocol.EventPeerNew)
	if !ok {
		t.Fatalf("Y did not receive peer:new")
	}
	var peer protocol.PeerRef
	if err := env.Decode(&peer); err != nil || peer.PeerID != x.ID() {
		t.Fatalf("peer:new = %+v %v", peer, err)
	}
	if info, _ := h.Pool("alpha"); info.DeviceCount != 2 {
		t.Fatalf("scenario B device count = %d", info.DeviceCount)
	}

	// C: pool at capacity
	ack = join(t, h, z, "alpha")
	if ack.Success || ack.Error != "Pool is full" || ack.Code != CodePoolFull {
		t.Fatalf("scenario C ack: %+v", ack)
	}
	if info, _ := h.Pool("alpha"); info.DeviceCount != 2 {
		t.Fatalf("scenario C device count = %d", info.DeviceCount)
	}
	pending(z)

	// D: X disconnects
	h.Disconnect(x, nil)
	if info, _ := h.Pool("alpha"); info.DeviceCount != 1 {
		t.Fatalf("scenario D device count = %d", info.DeviceCount)
	}
	env, ok = findEvent(pending(y), protocol.EventPeerDisconnected)
	if !ok {
		t.Fatalf("Y did not receive peer:disconnected")
	}
	if err := env.Decode(&peer); err != nil || peer.PeerID != x.ID() {
		t.Fatalf("peer:disconnected = %+v %v", peer, err)
	}
	if _, ok := h.Device(x.ID()); ok {
		t.Fatalf("X still registered")
	}

	// E: last member leaves, pool disappears
	h.Disconnect(y, nil)
	if _, err := h.Pool("alpha"); !errors.Is(err, pools.ErrPoolNotFound) {
		t.Fatalf("scenario E: err = %v", err)
	}
	if len(pending(z)) != 0 {
		t.Fatalf("outsider received pool traffic")
	}
	h.Disconnect(z, nil)
	if h.Connections() != 0 {
		t.Fatalf("connections = %d", h.Connections())
	}
}

func TestScenarioRelayToMissingPeer(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	y := connectAndRegister(t, h)
	bystander := connectAndRegister(t, h)

	offer := `{"targetPeer":"ghost","offer":{"type":"offer","sdp":"v=0"}}`
	h.Handle(y, request(protocol.EventPeerOffer, 0, offer))

	env, ok := findEvent(drain(y), protocol.EventPeerUnreachable)
	if !ok {
		t.Fatalf("sender not told the peer is unreachable")
	}
	var notice protocol.Unreachable
	if err := env.Decode(&notice); err != nil || notice.PeerID != "ghost" {
		t.Fatalf("peer:unreachable = %+v %v", notice, err)
	}
	if got := drain(bystander); len(got) != 0 {
		t.Fatalf("bystander received %+v", got)
	}
}

func TestRelayBetweenPoolmates(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	b := connectAndRegister(t, h)
	join(t, h, a, "beta")
	join(t, h, b, "beta")
	pending(a)
	pending(b)

	h.Handle(a, request(protocol.EventPeerOffer, 0, `{"targetPeer":"`+b.ID()+`","offer":{"type":"offer","sdp":"v=0"}}`))
	h.Handle(b, request(protocol.EventPeerAnswer, 0, `{"targetPeer":"`+a.ID()+`","answer":{"type":"answer","sdp":"v=0"}}`))

	env, ok := findEvent(drain(b), protocol.EventPeerSignal)
	if !ok {
		t.Fatalf("offer not relayed")
	}
	var sig protocol.Signal
	if err := env.Decode(&sig); err != nil || sig.Type != protocol.SignalOffer || sig.PeerID != a.ID() {
		t.Fatalf("peer:signal = %+v %v", sig, err)
	}
	if _, ok := findEvent(drain(a), protocol.EventPeerSignal); !ok {
		t.Fatalf("answer not relayed")
	}
	if a.State() != StatePeerLinking || b.State() != StatePeerLinked {
		t.Fatalf("states = %s / %s", a.State(), b.State())
	}
}

func TestLeaveBroadcastsDeviceLeft(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	b := connectAndRegister(t, h)
	join(t, h, a, "gamma")
	join(t, h, b, "gamma")
	pending(a)
	pending(b)

	h.Handle(a, request(protocol.EventPoolLeave, 3, `{}`))
	env, ok := findEvent(drain(a), protocol.EventAck)
	if !ok {
		t.Fatalf("leave ack missing")
	}
	var leave protocol.LeaveAck
	if err := env.Decode(&leave); err != nil || !leave.Success || leave.PoolID != "gamma" {
		t.Fatalf("leave ack = %+v %v", leave, err)
	}
	if _, ok := findEvent(drain(b), protocol.EventPoolDeviceLeft); !ok {
		t.Fatalf("remaining member not told")
	}
	if a.State() != StateRegistered {
		t.Fatalf("state after leave = %s", a.State())
	}

	// leaving again is a no-op
	h.Handle(a, request(protocol.EventPoolLeave, 4, `{}`))
	env, _ = findEvent(drain(a), protocol.EventAck)
	_ = env.Decode(&leave)
	if leave.Success {
		t.Fatalf("second leave reported success")
	}
}

func TestJoinRequiresRegistration(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	sess := h.Open()
	drain(sess)

	h.Handle(sess, request(protocol.EventPoolJoin, 1, `{"poolId":"alpha"}`))
	env, _ := findEvent(drain(sess), protocol.EventAck)
	var ack protocol.JoinAck
	_ = env.Decode(&ack)
	if ack.Success || ack.Code != CodeNotRegistered {
		t.Fatalf("unregistered join ack: %+v", ack)
	}

	// capabilities on the join register the device implicitly
	h.Handle(sess, request(protocol.EventPoolJoin, 2, `{"poolId":"alpha","capabilities":`+testCaps+`}`))
	env, _ = findEvent(drain(sess), protocol.EventAck)
	_ = env.Decode(&ack)
	if !ack.Success {
		t.Fatalf("join with capabilities failed: %+v", ack)
	}

	h.Handle(sess, request(protocol.EventDeviceRegister, 3, `{"capabilities":"nope"}`))
	env, _ = findEvent(drain(sess), protocol.EventAck)
	var perr protocol.Error
	_ = env.Decode(&perr)
	if perr.Code != CodeInvalidCapabilities {
		t.Fatalf("invalid capabilities error = %+v", perr)
	}
}

func TestUnknownEventReportsError(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	sess := h.Open()
	drain(sess)
	h.Handle(sess, request("device:dance", 0, ""))
	env, ok := findEvent(drain(sess), protocol.EventError)
	if !ok {
		t.Fatalf("error event missing")
	}
	var perr protocol.Error
	if err := env.Decode(&perr); err != nil || perr.Code != CodeUnknownEvent || perr.Event != "device:dance" {
		t.Fatalf("error = %+v %v", perr, err)
	}
}

func TestTaskCompleteBroadcastsValidation(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	b := connectAndRegister(t, h)
	join(t, h, a, "delta")
	join(t, h, b, "delta")
	pending(a)
	pending(b)

	h.Handle(a, request(protocol.EventTaskComplete, 9, `{"taskId":"t1","result":{"ok":true},"earnings":3}`))
	if _, ok := findEvent(drain(a), protocol.EventAck); !ok {
		t.Fatalf("task:complete ack missing")
	}
	events := drain(b)
	env, ok := findEvent(events, protocol.EventTaskValidate)
	if !ok {
		t.Fatalf("task:validate missing: %+v", events)
	}
	var v protocol.TaskValidate
	if err := env.Decode(&v); err != nil || v.TaskID != "t1" || v.DeviceID != a.ID() {
		t.Fatalf("task:validate = %+v %v", v, err)
	}
	if info, _ := h.Pool("delta"); info.Stats.TasksCompleted != 1 || info.Stats.TotalEarnings != 3 {
		t.Fatalf("pool stats = %+v", info.Stats)
	}

	// single validator at the default threshold decides alone
	h.Handle(b, request(protocol.EventTaskVerdict, 0, `{"taskId":"t1","deviceId":"`+a.ID()+`","valid":true}`))
	env, ok = findEvent(drain(a), protocol.EventTaskConsensus)
	if !ok {
		t.Fatalf("task:consensus missing")
	}
	var outcome protocol.TaskConsensus
	if err := env.Decode(&outcome); err != nil || !outcome.Accepted {
		t.Fatalf("task:consensus = %+v %v", outcome, err)
	}
}

func TestAssignTaskReachesDevice(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	if err := h.AssignTask(protocol.Task{TaskID: "t1", Type: protocol.TaskScientific}, a.ID()); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, ok := findEvent(drain(a), protocol.EventTaskAssign); !ok {
		t.Fatalf("task:assign missing")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *memRecorder) Record(_ context.Context, ev storage.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Event)
	}
	return out
}

func TestHealthTimeoutRunsDisconnectCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10_000, 0)}
	rec := &memRecorder{}
	h := NewHub(Config{HealthTimeout: 10 * time.Second}, WithHostID("test-host"), WithClock(clock.Now), WithRecorder(rec))
	silent := connectAndRegister(t, h)
	mate := connectAndRegister(t, h)
	join(t, h, silent, "omega")
	join(t, h, mate, "omega")
	pending(silent)
	pending(mate)
	h.Handle(silent, request(protocol.EventTaskComplete, 0, `{"taskId":"t9","result":{"ok":true},"earnings":1}`))
	if h.tasks.Pending() != 1 {
		t.Fatalf("tally not opened: pending = %d", h.tasks.Pending())
	}

	clock.Advance(11 * time.Second)
	h.Handle(mate, request(protocol.EventHealthPong, 0, `{"latency":42}`))
	res := h.health.Sweep()
	if len(res.Probed) != 1 || res.Probed[0] != silent.ID() {
		t.Fatalf("probed = %v", res.Probed)
	}
	if _, ok := findEvent(drain(silent), protocol.EventHealthCheck); !ok {
		t.Fatalf("silent device not probed")
	}

	clock.Advance(5 * time.Second)
	h.Handle(mate, request(protocol.EventHealthPong, 0, `{"latency":42}`))
	h.health.Sweep()
	select {
	case <-silent.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("silent session not evicted")
	}
	// blocks until the eviction's cleanup has finished
	h.Disconnect(silent, nil)
	if !errors.Is(silent.Err(), health.ErrConnectionTimeout) {
		t.Fatalf("cause = %v", silent.Err())
	}

	env, ok := findEvent(drain(mate), protocol.EventPeerDisconnected)
	if !ok {
		t.Fatalf("poolmate not told about the timeout")
	}
	var peer protocol.PeerRef
	if err := env.Decode(&peer); err != nil || peer.PeerID != silent.ID() {
		t.Fatalf("peer:disconnected = %+v %v", peer, err)
	}
	if rec, ok := h.DeviceHealth(mate.ID()); !ok || rec.Status != health.StatusHealthy {
		t.Fatalf("mate health = %+v", rec)
	}
	if info, _ := h.Pool("omega"); info.DeviceCount != 1 {
		t.Fatalf("device count = %d", info.DeviceCount)
	}

	if h.tasks.Pending() != 0 {
		t.Fatalf("tally of evicted device kept: pending = %d", h.tasks.Pending())
	}
	if h.tasks.Release(silent.ID()) != 0 {
		t.Fatalf("coordinator still holds state of evicted device")
	}

	names := rec.names()
	if names[len(names)-1] != JournalTimeout {
		t.Fatalf("journal = %v", names)
	}
	h.Disconnect(mate, nil)
}

func TestReportCountsPoolsAndDevices(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	join(t, h, a, "alpha")
	h.Open()

	report := h.Report()
	if report.Status != "healthy" || report.Pools != 1 || report.Devices != 1 || report.Connections != 2 || report.HostID != "test-host" {
		t.Fatalf("report = %+v", report)
	}
	if report.ICEServers != len(DefaultConfig().ICEServers) || report.ICEServers == 0 {
		t.Fatalf("ice servers in report = %d", report.ICEServers)
	}
	h.Close()
	if h.Connections() != 0 || h.Report().Pools != 0 {
		t.Fatalf("close left state behind: %+v", h.Report())
	}
}

func TestRejectedMoveLeavesPoolmatesUntouched(t *testing.T) {
	h := NewHub(Config{}, WithHostID("test-host"))
	a := connectAndRegister(t, h)
	b := connectAndRegister(t, h)
	c := connectAndRegister(t, h)
	join(t, h, a, "home")
	join(t, h, b, "home")
	h.Handle(c, request(protocol.EventPoolJoin, 0, `{"poolId":"full","config":{"maxDevices":1}}`))
	drain(a)
	drain(b)
	drain(c)

	h.Handle(a, request(protocol.EventPoolJoin, 8, `{"poolId":"full"}`))
	env, ok := findEvent(drain(a), protocol.EventAck)
	if !ok {
		t.Fatalf("join ack missing")
	}
	var ack protocol.JoinAck
	if err := env.Decode(&ack); err != nil || ack.Success || ack.Code != CodePoolFull {
		t.Fatalf("ack = %+v err=%v", ack, err)
	}
	if _, ok := findEvent(drain(b), protocol.EventPoolDeviceLeft); ok {
		t.Fatalf("poolmate told about a leave that did not happen")
	}
	if info, err := h.Pool("home"); err != nil || info.DeviceCount != 2 {
		t.Fatalf("home = %+v err=%v", info, err)
	}
	if dev, ok := h.Device(a.ID()); !ok || dev.PoolID != "home" {
		t.Fatalf("device = %+v", dev)
	}
	if a.State() != StateInPool {
		t.Fatalf("state = %s", a.State())
	}
}

type stallingRecorder struct {
	memRecorder
	stallOn string
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRecorder) Record(ctx context.Context, ev storage.Event) error {
	if ev.Event == r.stallOn {
		close(r.entered)
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return r.memRecorder.Record(ctx, ev)
}

func TestJournalWriteRunsOutsideSessionLock(t *testing.T) {
	rec := &stallingRecorder{stallOn: JournalJoin, entered: make(chan struct{}), release: make(chan struct{})}
	h := NewHub(Config{}, WithHostID("test-host"), WithRecorder(rec))
	sess := connectAndRegister(t, h)

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		h.Handle(sess, request(protocol.EventPoolJoin, 0, `{"poolId":"slow"}`))
	}()
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("join never reached the journal")
	}

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		h.Disconnect(sess, nil)
	}()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		close(rec.release)
		t.Fatalf("disconnect blocked behind a journal write")
	}
	close(rec.release)
	<-joined

	if _, err := h.Pool("slow"); !errors.Is(err, pools.ErrPoolNotFound) {
		t.Fatalf("pool survived disconnect: %v", err)
	}
	names := rec.names()
	if names[len(names)-1] != JournalJoin {
		t.Fatalf("journal = %v", names)
	}
}
