package remote

import (
	"errors"
	"sync"

	"github.com/danmuck/hwbinder/internal/protocol/frame"
	"github.com/eapache/queue"
)

var errOutboxClosed = errors.New("remote: outbox closed")

// outbox buffers frames for the connection writer so that the reader never
// blocks on the peer draining its socket.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{items: queue.New()}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(f frame.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errOutboxClosed
	}
	o.items.Add(f)
	o.cond.Signal()
	return nil
}

// pop blocks until a frame is queued or the outbox closes. Frames queued
// before close are still returned.
func (o *outbox) pop() (frame.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.items.Length() == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.items.Length() == 0 {
		return frame.Frame{}, false
	}
	return o.items.Remove().(frame.Frame), true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.items.Length()
}
