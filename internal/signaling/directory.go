package signaling

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/httprunner/ComputePool/pkg/protocol"
)

// Mailbox is the transport handle of one live connection. Deliver must not
// block; it reports false when the message was dropped.
type Mailbox interface {
	Deliver(env protocol.Envelope) bool
}

// Directory maps logical device ids to their current transport handle.
type Directory struct {
	mu    sync.RWMutex
	boxes map[string]Mailbox
}

func NewDirectory() *Directory {
	return &Directory{boxes: make(map[string]Mailbox)}
}

// Bind points id at box, replacing any previous handle.
func (d *Directory) Bind(id string, box Mailbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[id] = box
}

// Unbind removes id only while it still points at box, so a stale session
// cannot evict the handle of a newer one.
func (d *Directory) Unbind(id string, box Mailbox) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.boxes[id]; ok && current == box {
		delete(d.boxes, id)
		return true
	}
	return false
}

func (d *Directory) Lookup(id string) (Mailbox, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	box, ok := d.boxes[id]
	return box, ok
}

// Send delivers env to id. A missing handle or a dropped message both yield
// ErrPeerUnreachable.
func (d *Directory) Send(id string, env protocol.Envelope) error {
	box, ok := d.Lookup(id)
	if !ok {
		return errors.Wrapf(ErrPeerUnreachable, "no connection for %s", id)
	}
	if !box.Deliver(env) {
		return errors.Wrapf(ErrPeerUnreachable, "outbox of %s rejected %s", id, env.Event)
	}
	return nil
}

// Broadcast sends env to every id and returns how many accepted it.
func (d *Directory) Broadcast(ids []string, env protocol.Envelope) int {
	delivered := 0
	for _, id := range ids {
		if d.Send(id, env) == nil {
			delivered++
		}
	}
	return delivered
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.boxes)
}
