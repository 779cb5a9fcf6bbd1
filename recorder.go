package computepool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/pkg/storage"
)

// Journal event names.
const (
	JournalConnect      = "connect"
	JournalRegister     = "register"
	JournalJoin         = "join"
	JournalLeave        = "leave"
	JournalDisconnect   = "disconnect"
	JournalTimeout      = "timeout"
	JournalTaskAssign   = "task-assign"
	JournalTaskComplete = "task-complete"
	JournalConsensus    = "task-consensus"
)

// EventRecorder receives lifecycle callbacks from the hub for auditing.
// *storage.Journal satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, ev storage.Event) error
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, storage.Event) error { return nil }

const recordTimeout = 2 * time.Second

// journalQueue holds rows produced while a session lock is held; flushJournal
// writes them after the lock is released.
type journalQueue []storage.Event

func (q *journalQueue) add(ev storage.Event) {
	*q = append(*q, ev)
}

func (h *Hub) event(deviceID, poolID, event string, detail any) storage.Event {
	return storage.Event{
		Time:     h.now(),
		HostID:   h.hostID,
		DeviceID: deviceID,
		PoolID:   poolID,
		Event:    event,
		Detail:   detail,
	}
}

func (h *Hub) record(deviceID, poolID, event string, detail any) {
	h.write(h.event(deviceID, poolID, event, detail))
}

func (h *Hub) flushJournal(q *journalQueue) {
	for _, ev := range *q {
		h.write(ev)
	}
	*q = nil
}

func (h *Hub) write(ev storage.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := h.recorder.Record(ctx, ev); err != nil {
		log.Debug().Err(err).Str("device_id", ev.DeviceID).Str("event", ev.Event).Msg("journal record skipped")
	}
}
