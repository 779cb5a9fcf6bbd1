package computepool

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/internal/health"
	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/internal/registry"
	"github.com/httprunner/ComputePool/internal/signaling"
	"github.com/httprunner/ComputePool/internal/tasks"
	"github.com/httprunner/ComputePool/pkg/protocol"
)

var (
	ErrBadRequest    = errors.New("Malformed event payload")
	ErrUnknownEvent  = errors.New("Unknown event")
	ErrNotRegistered = errors.New("Device is not registered")
)

// Handle dispatches one inbound event from sess. Requests carrying an id are
// answered with an ack; failures without one become error events.
func (h *Hub) Handle(sess *Session, env protocol.Envelope) {
	if sess == nil || sess.State() == StateDisconnected {
		return
	}
	switch env.Event {
	case protocol.EventDeviceRegister:
		h.handleRegister(sess, env)
	case protocol.EventPoolJoin:
		h.handleJoin(sess, env)
	case protocol.EventPoolLeave:
		h.handleLeave(sess, env)
	case protocol.EventPeerOffer, protocol.EventPeerAnswer, protocol.EventPeerICECandidate:
		h.handleSignal(sess, env)
	case protocol.EventTaskComplete:
		h.handleTaskComplete(sess, env)
	case protocol.EventTaskVerdict:
		h.handleVerdict(sess, env)
	case protocol.EventHealthPong:
		h.handlePong(sess, env)
	default:
		log.Debug().Str("device_id", sess.id).Str("event", env.Event).Msg("unknown event")
		h.fail(sess, env, errors.Wrapf(ErrUnknownEvent, "event %q", env.Event))
	}
}

func (h *Hub) handleRegister(sess *Session, env protocol.Envelope) {
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil {
		h.fail(sess, env, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	var journal journalQueue
	defer h.flushJournal(&journal)
	if err := h.register(sess, req.Capabilities, &journal); err != nil {
		h.fail(sess, env, err)
		return
	}
	out := protocol.Registered{DeviceID: sess.id, Timestamp: protocol.Timestamp(h.now())}
	sess.Deliver(protocol.New(protocol.EventDeviceRegistered, out))
	if env.ID != 0 {
		sess.Deliver(protocol.Ack(env.ID, out))
	}
}

func (h *Hub) register(sess *Session, caps []byte, journal *journalQueue) error {
	first := !h.registry.Has(sess.id)
	if _, err := h.registry.Register(sess.id, caps); err != nil {
		return err
	}
	if sess.State() == StateConnecting {
		sess.setState(StateRegistered)
	}
	if first {
		journal.add(h.event(sess.id, "", JournalRegister, string(caps)))
	}
	return nil
}

func (h *Hub) handleJoin(sess *Session, env protocol.Envelope) {
	var req protocol.JoinRequest
	if err := env.Decode(&req); err != nil {
		h.joinFailed(sess, env, "", errors.Wrap(ErrBadRequest, err.Error()))
		return
	}

	var journal journalQueue
	defer h.flushJournal(&journal)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.State() == StateDisconnected {
		return
	}

	if len(req.Capabilities) > 0 {
		if err := h.register(sess, req.Capabilities, &journal); err != nil {
			h.joinFailed(sess, env, req.PoolID, err)
			return
		}
	} else if !h.registry.Has(sess.id) {
		h.joinFailed(sess, env, req.PoolID, errors.Wrap(ErrNotRegistered, "register before joining a pool"))
		return
	}

	opts := pools.JoinOptions{Name: req.Name}
	if req.Config != nil {
		opts.Config = &pools.Config{
			MaxDevices:         req.Config.MaxDevices,
			MinDevices:         req.Config.MinDevices,
			TaskTypes:          req.Config.TaskTypes,
			ConsensusThreshold: req.Config.ConsensusThreshold,
		}
	}
	res, err := h.pools.Join(sess.id, req.PoolID, opts)
	if err != nil {
		h.joinFailed(sess, env, req.PoolID, err)
		return
	}
	if res.Previous != nil {
		h.announceLeave(sess.id, *res.Previous, &journal)
	}

	peers := res.Peers
	if peers == nil {
		peers = []string{}
	}
	h.reply(sess, env, protocol.EventPoolJoined, protocol.JoinAck{
		Success: true,
		Pool:    res.Pool,
		Peers:   peers,
	})
	sess.setState(StateInPool)
	if res.AlreadyMember {
		return
	}

	if dev, ok := h.registry.Get(sess.id); ok {
		h.dir.Broadcast(peers, protocol.New(protocol.EventPoolDeviceJoined, protocol.DeviceJoined{
			DeviceID:   sess.id,
			DeviceInfo: dev,
		}))
	}
	for _, peer := range peers {
		sess.Deliver(protocol.New(protocol.EventPeerNew, protocol.PeerRef{PeerID: peer}))
	}
	h.relay.DistributeICE(sess.id, &sess.iceSent)
	journal.add(h.event(sess.id, res.Pool.ID, JournalJoin, map[string]any{
		"deviceCount": res.Pool.DeviceCount,
		"created":     res.Created,
	}))
}

func (h *Hub) joinFailed(sess *Session, env protocol.Envelope, poolID string, err error) {
	log.Warn().Err(err).Str("device_id", sess.id).Str("pool_id", poolID).Msg("pool join failed")
	h.reply(sess, env, protocol.EventPoolJoined, protocol.JoinAck{
		Success: false,
		Error:   errors.Cause(err).Error(),
		Code:    errorCode(err),
	})
}

func (h *Hub) handleLeave(sess *Session, env protocol.Envelope) {
	var journal journalQueue
	defer h.flushJournal(&journal)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.State() == StateDisconnected {
		return
	}
	res, ok := h.pools.Leave(sess.id)
	if ok {
		h.announceLeave(sess.id, res, &journal)
		if h.registry.Has(sess.id) {
			sess.setState(StateRegistered)
		}
	}
	h.reply(sess, env, protocol.EventPoolLeft, protocol.LeaveAck{Success: ok, PoolID: res.PoolID})
}

func (h *Hub) announceLeave(deviceID string, res pools.LeaveResult, journal *journalQueue) {
	h.dir.Broadcast(res.Remaining, protocol.New(protocol.EventPoolDeviceLeft, protocol.DeviceLeft{DeviceID: deviceID}))
	journal.add(h.event(deviceID, res.PoolID, JournalLeave, map[string]any{
		"remaining": len(res.Remaining),
		"deleted":   res.Deleted,
	}))
}

func (h *Hub) handleSignal(sess *Session, env protocol.Envelope) {
	var req protocol.SignalRequest
	if err := env.Decode(&req); err != nil {
		h.fail(sess, env, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	var (
		kind   string
		signal []byte
	)
	switch env.Event {
	case protocol.EventPeerOffer:
		kind, signal = protocol.SignalOffer, req.Offer
	case protocol.EventPeerAnswer:
		kind, signal = protocol.SignalAnswer, req.Answer
	default:
		kind, signal = protocol.SignalICECandidate, req.Candidate
	}

	err := h.relay.Relay(kind, sess.id, req.TargetPeer, signal)
	switch {
	case err == nil:
		switch kind {
		case protocol.SignalOffer:
			sess.advance(StatePeerLinking)
		case protocol.SignalAnswer:
			sess.advance(StatePeerLinked)
		}
		if env.ID != 0 {
			sess.Deliver(protocol.Ack(env.ID, map[string]bool{"success": true}))
		}
	case errors.Is(err, signaling.ErrPeerUnreachable):
		// the relay already sent peer:unreachable
		if env.ID != 0 {
			sess.Deliver(protocol.Ack(env.ID, protocol.Error{Event: env.Event, Code: CodePeerUnreachable, Message: errors.Cause(err).Error()}))
		}
	default:
		h.fail(sess, env, err)
	}
}

func (h *Hub) handleTaskComplete(sess *Session, env protocol.Envelope) {
	var req protocol.TaskCompleteRequest
	if err := env.Decode(&req); err != nil {
		h.fail(sess, env, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	res, err := h.tasks.Complete(sess.id, req.TaskID, req.Result, req.Earnings)
	if err != nil {
		h.fail(sess, env, err)
		return
	}
	h.record(sess.id, res.PoolID, JournalTaskComplete, map[string]any{
		"taskId":     req.TaskID,
		"earnings":   req.Earnings,
		"validators": len(res.Validators),
	})
	if env.ID != 0 {
		sess.Deliver(protocol.Ack(env.ID, map[string]any{
			"success": true,
			"stats":   res.DeviceStats,
		}))
	}
}

func (h *Hub) handleVerdict(sess *Session, env protocol.Envelope) {
	var req protocol.TaskVerdict
	if err := env.Decode(&req); err != nil {
		h.fail(sess, env, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	outcome, err := h.tasks.Verdict(sess.id, req.TaskID, req.DeviceID, req.Valid)
	if err != nil {
		h.fail(sess, env, err)
		return
	}
	if outcome != nil {
		h.record(outcome.DeviceID, outcome.PoolID, JournalConsensus, outcome)
	}
	if env.ID != 0 {
		sess.Deliver(protocol.Ack(env.ID, map[string]any{
			"success": true,
			"decided": outcome != nil,
		}))
	}
}

func (h *Hub) handlePong(sess *Session, env protocol.Envelope) {
	var req protocol.Pong
	if err := env.Decode(&req); err != nil {
		h.fail(sess, env, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	rec, ok := h.health.RecordPong(sess.id, req.Latency)
	if !ok {
		return
	}
	log.Debug().Str("device_id", sess.id).Float64("latency_ms", rec.LatencyMs).Str("status", string(rec.Status)).
		Msg("heartbeat")
}

// reply answers a request with an ack when it carried an id, otherwise with
// the named event.
func (h *Hub) reply(sess *Session, env protocol.Envelope, event string, payload any) {
	if env.ID != 0 {
		sess.Deliver(protocol.Ack(env.ID, payload))
		return
	}
	sess.Deliver(protocol.New(event, payload))
}

func (h *Hub) fail(sess *Session, env protocol.Envelope, err error) {
	payload := protocol.Error{
		Event:   env.Event,
		Code:    errorCode(err),
		Message: errors.Cause(err).Error(),
	}
	log.Debug().Err(err).Str("device_id", sess.id).Str("event", env.Event).Str("code", payload.Code).Msg("event rejected")
	h.reply(sess, env, protocol.EventError, payload)
}

func errorCode(err error) string {
	switch errors.Cause(err) {
	case nil:
		return ""
	case pools.ErrPoolFull:
		return CodePoolFull
	case pools.ErrPoolNotFound:
		return CodePoolNotFound
	case pools.ErrPoolNotJoinable:
		return CodePoolNotJoinable
	case registry.ErrInvalidCapabilities:
		return CodeInvalidCapabilities
	case registry.ErrDeviceNotFound:
		return CodeDeviceNotFound
	case signaling.ErrPeerUnreachable:
		return CodePeerUnreachable
	case signaling.ErrRateLimited:
		return CodeRateLimited
	case signaling.ErrInvalidSignal:
		return CodeInvalidSignal
	case health.ErrConnectionTimeout:
		return CodeConnectionTimeout
	case tasks.ErrRequirementsNotMet:
		return CodeRequirementsNotMet
	case tasks.ErrAssignmentThrottled:
		return CodeAssignmentThrottled
	case tasks.ErrInvalidTask:
		return CodeInvalidTask
	case tasks.ErrTaskNotFound:
		return CodeTaskNotFound
	case tasks.ErrNotValidator:
		return CodeNotValidator
	case ErrNotRegistered:
		return CodeNotRegistered
	case ErrBadRequest:
		return CodeBadRequest
	case ErrUnknownEvent:
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}
