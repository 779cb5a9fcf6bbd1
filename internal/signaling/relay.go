package signaling

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/httprunner/ComputePool/pkg/protocol"
)

var (
	ErrPeerUnreachable = errors.New("Peer unreachable")
	ErrRateLimited     = errors.New("Signaling rate limit exceeded")
	ErrInvalidSignal   = errors.New("Invalid signal")
)

// Config controls relay rate limiting and the ICE servers handed to devices.
type Config struct {
	RatePerSecond int
	Burst         int
	ICEServers    []webrtc.ICEServer
}

// Relay forwards WebRTC negotiation messages between two connected devices.
// It keeps no per-message state: a message either reaches the target's
// outbox immediately or is dropped and the sender is told.
type Relay struct {
	dir        *Directory
	iceServers []webrtc.ICEServer
	limiter    *limiter.TokenBucket
}

func NewRelay(dir *Directory, cfg Config) *Relay {
	r := &Relay{dir: dir, iceServers: cfg.ICEServers}
	if len(r.iceServers) == 0 {
		r.iceServers = NewICEServers(nil, "", "")
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < cfg.RatePerSecond {
			burst = cfg.RatePerSecond
		}
		bucket, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.RatePerSecond),
				Duration: time.Second,
				Burst:    int64(burst),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			log.Warn().Err(err).Msg("signaling: rate limiter disabled")
		} else {
			r.limiter = bucket
		}
	}
	return r
}

// ICEServers returns the configured STUN/TURN list.
func (r *Relay) ICEServers() []webrtc.ICEServer {
	return r.iceServers
}

// Relay forwards signal from one device to another as peer:signal. When the
// target has no live connection the sender receives peer:unreachable and
// ErrPeerUnreachable is returned; no other connection sees anything.
func (r *Relay) Relay(kind, from, to string, signal json.RawMessage) error {
	if r.limiter != nil && !r.limiter.Allow(from) {
		log.Warn().Str("from", from).Str("type", kind).Msg("signaling: sender rate limited")
		return errors.Wrapf(ErrRateLimited, "relay %s from %s", kind, from)
	}
	if err := validateSignal(kind, from, to, signal); err != nil {
		return err
	}

	env := protocol.New(protocol.EventPeerSignal, protocol.Signal{
		Type:   kind,
		PeerID: from,
		Signal: signal,
	})
	if err := r.dir.Send(to, env); err != nil {
		log.Debug().Err(err).Str("from", from).Str("to", to).Str("type", kind).Msg("signaling: target unreachable")
		notice := protocol.New(protocol.EventPeerUnreachable, protocol.Unreachable{PeerID: to, Type: kind})
		if sendErr := r.dir.Send(from, notice); sendErr != nil {
			log.Debug().Err(sendErr).Str("from", from).Msg("signaling: sender gone before unreachable notice")
		}
		return err
	}
	return nil
}

// DistributeICE pushes ice:servers to id unless sent already says it was
// delivered during this connection's lifetime.
func (r *Relay) DistributeICE(id string, sent *atomic.Bool) bool {
	if !sent.CompareAndSwap(false, true) {
		return false
	}
	env := protocol.New(protocol.EventICEServers, protocol.ICEServers{ICEServers: r.iceServers})
	if err := r.dir.Send(id, env); err != nil {
		sent.Store(false)
		log.Debug().Err(err).Str("device_id", id).Msg("signaling: ice servers not delivered")
		return false
	}
	return true
}

func validateSignal(kind, from, to string, signal json.RawMessage) error {
	if to == "" {
		return errors.Wrap(ErrInvalidSignal, "target peer is empty")
	}
	if from == to {
		return errors.Wrap(ErrInvalidSignal, "cannot signal self")
	}
	if len(signal) == 0 {
		return errors.Wrapf(ErrInvalidSignal, "%s payload is empty", kind)
	}
	switch kind {
	case protocol.SignalOffer, protocol.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(signal, &desc); err != nil {
			return errors.Wrapf(ErrInvalidSignal, "decode %s: %v", kind, err)
		}
		if desc.SDP == "" {
			return errors.Wrapf(ErrInvalidSignal, "%s has no sdp", kind)
		}
		if kind == protocol.SignalOffer && desc.Type != webrtc.SDPTypeOffer {
			return errors.Wrapf(ErrInvalidSignal, "offer carries sdp type %s", desc.Type)
		}
		if kind == protocol.SignalAnswer && desc.Type != webrtc.SDPTypeAnswer && desc.Type != webrtc.SDPTypePranswer {
			return errors.Wrapf(ErrInvalidSignal, "answer carries sdp type %s", desc.Type)
		}
	case protocol.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(signal, &candidate); err != nil {
			return errors.Wrapf(ErrInvalidSignal, "decode candidate: %v", err)
		}
	default:
		return errors.Wrapf(ErrInvalidSignal, "unknown signal type %q", kind)
	}
	return nil
}
