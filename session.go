package computepool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/pkg/protocol"
)

// State is the lifecycle position of one device connection.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateInPool
	StatePeerLinking
	StatePeerLinked
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateInPool:
		return "in-pool"
	case StatePeerLinking:
		return "peer-linking"
	case StatePeerLinked:
		return "peer-linked"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is the server side of one device connection. Outbound events are
// queued in a bounded FIFO drained by the transport writer; Deliver never
// blocks.
type Session struct {
	id          string
	connectedAt time.Time

	outbox chan protocol.Envelope
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	cause  error

	state   atomic.Int32
	iceSent atomic.Bool

	// opMu serializes pool membership changes for this device.
	opMu    sync.Mutex
	cleanup sync.Once
}

func newSession(id string, outboxSize int, now time.Time) *Session {
	return &Session{
		id:          id,
		connectedAt: now,
		outbox:      make(chan protocol.Envelope, outboxSize),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateDisconnected {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// advance moves forward only, e.g. a late offer does not undo peer-linked.
func (s *Session) advance(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateDisconnected || State(cur) >= next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Deliver enqueues env for the writer. It reports false when the session is
// closed or its outbox is full.
func (s *Session) Deliver(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbox <- env:
		return true
	default:
		log.Warn().Str("device_id", s.id).Str("event", env.Event).Int("outbox", cap(s.outbox)).
			Msg("session outbox full, dropping event")
		return false
	}
}

// Outbound is drained by the transport writer.
func (s *Session) Outbound() <-chan protocol.Envelope { return s.outbox }

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, nil for a graceful disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
	s.state.Store(int32(StateDisconnected))
	close(s.done)
}
