package protocol

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Client to server events.
const (
	EventDeviceRegister   = "device:register"
	EventPoolJoin         = "pool:join"
	EventPoolLeave        = "pool:leave"
	EventPeerOffer        = "peer:offer"
	EventPeerAnswer       = "peer:answer"
	EventPeerICECandidate = "peer:ice-candidate"
	EventTaskComplete     = "task:complete"
	EventTaskVerdict      = "task:verdict"
	EventHealthPong       = "health:pong"
)

// Server to client events.
const (
	EventAck              = "ack"
	EventError            = "error"
	EventICEServers       = "ice:servers"
	EventDeviceRegistered = "device:registered"
	EventPoolJoined       = "pool:joined"
	EventPoolLeft         = "pool:left"
	EventPoolDeviceJoined = "pool:device-joined"
	EventPoolDeviceLeft   = "pool:device-left"
	EventPeerNew          = "peer:new"
	EventPeerDisconnected = "peer:disconnected"
	EventPeerSignal       = "peer:signal"
	EventPeerUnreachable  = "peer:unreachable"
	EventTaskAssign       = "task:assign"
	EventTaskValidate     = "task:validate"
	EventTaskConsensus    = "task:consensus"
	EventDeviceStats      = "device:stats"
	EventHealthCheck      = "health:check"
)

// Signal kinds carried by peer:signal.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Envelope is one frame on the device event channel. Requests that expect an
// acknowledgement carry a non-zero ID which is echoed back on the ack frame.
type Envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with v marshalled as its data.
func New(event string, v any) Envelope {
	env := Envelope{Event: event}
	if v == nil {
		return env
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("protocol: marshal payload failed")
		return env
	}
	env.Data = data
	return env
}

// Ack builds the acknowledgement frame for request id.
func Ack(id uint64, v any) Envelope {
	env := New(EventAck, v)
	env.ID = id
	return env
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type RegisterRequest struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

type Registered struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// PoolConfig mirrors pools.Config on the wire. Zero fields fall back to the
// server defaults.
type PoolConfig struct {
	MaxDevices         int      `json:"maxDevices,omitempty"`
	MinDevices         int      `json:"minDevices,omitempty"`
	TaskTypes          []string `json:"taskTypes,omitempty"`
	ConsensusThreshold float64  `json:"consensusThreshold,omitempty"`
}

type JoinRequest struct {
	PoolID       string          `json:"poolId"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Name         string          `json:"name,omitempty"`
	Config       *PoolConfig     `json:"config,omitempty"`
}

// JoinAck answers pool:join. Pool is the pools.Summary projection.
type JoinAck struct {
	Success bool     `json:"success"`
	Pool    any      `json:"pool,omitempty"`
	Peers   []string `json:"peers"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

type LeaveAck struct {
	Success bool   `json:"success"`
	PoolID  string `json:"poolId,omitempty"`
}

type DeviceJoined struct {
	DeviceID   string `json:"deviceId"`
	DeviceInfo any    `json:"deviceInfo,omitempty"`
}

type DeviceLeft struct {
	DeviceID string `json:"deviceId"`
}

type PeerRef struct {
	PeerID string `json:"peerId"`
}

// SignalRequest covers peer:offer, peer:answer and peer:ice-candidate; only
// the field matching the event is populated.
type SignalRequest struct {
	TargetPeer string          `json:"targetPeer"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

type Signal struct {
	Type   string          `json:"type"`
	PeerID string          `json:"peerId"`
	Signal json.RawMessage `json:"signal"`
}

type Unreachable struct {
	PeerID string `json:"peerId"`
	Type   string `json:"type,omitempty"`
}

type ICEServers struct {
	ICEServers any `json:"iceServers"`
}

type Pong struct {
	Latency float64 `json:"latency"`
}

type HealthCheck struct {
	Timestamp int64 `json:"timestamp"`
}

type TaskCompleteRequest struct {
	TaskID   string          `json:"taskId"`
	Result   json.RawMessage `json:"result"`
	Earnings float64         `json:"earnings"`
}

type TaskValidate struct {
	TaskID   string          `json:"taskId"`
	Result   json.RawMessage `json:"result"`
	DeviceID string          `json:"deviceId"`
}

type TaskVerdict struct {
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId"`
	Valid    bool   `json:"valid"`
}

type TaskConsensus struct {
	TaskID     string `json:"taskId"`
	DeviceID   string `json:"deviceId"`
	PoolID     string `json:"poolId"`
	Accepted   bool   `json:"accepted"`
	Approvals  int    `json:"approvals"`
	Rejections int    `json:"rejections"`
	Required   int    `json:"required"`
}

type TaskAssign struct {
	Task Task `json:"task"`
}

type DeviceStats struct {
	DeviceID string `json:"deviceId"`
	Stats    any    `json:"stats"`
}

type Error struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Timestamp returns t in unix milliseconds, the unit used on the wire.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}
