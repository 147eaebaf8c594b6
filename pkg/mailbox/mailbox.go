// Package mailbox multiplexes request/response traffic onto a single
// firmware endpoint: it allocates correlation ids, tracks outstanding
// messages, serializes transmissions over the finite transmit-slot pool
// and broadcasts failures when the firmware goes away.
//
// The mailbox does not own a lock of its own. Every method that touches
// the message table or the send queue must be called with the device-wide
// mutex held; SendLocked releases that mutex while suspended on a full
// transmit ring and reacquires it before returning.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// DefaultSendTimeout bounds how long a sender may wait for a transmit slot
const DefaultSendTimeout = 15 * time.Second

// idLimit is the exclusive upper bound for correlation ids
const idLimit = 1<<31 - 1

// Lookup failures
var (
	// ErrNotFound means no message is registered under the id
	ErrNotFound = errors.New("message id not registered")

	// ErrKindMismatch means the id is registered for a different
	// message type. The registered message is left untouched.
	ErrKindMismatch = errors.New("message type mismatch")
)

// FailFunc is invoked for every outstanding message when the mailbox
// fails. It runs with the device lock held and must tolerate that.
type FailFunc func(msg *Msg)

// Msg is one outstanding request entry. Owners embed it, register it
// before sending and must deregister it before releasing the memory.
// The table holds borrowed references only: the mailbox never extends
// a request's lifetime.
type Msg struct {
	// ID is the correlation id, assigned by Register
	ID uint64

	// Type is the request type the response must match
	Type rpmsg.Type

	// Fail is called on mailbox failure broadcast
	Fail FailFunc

	// Owner points back at the request embedding this entry, so a
	// response handler can recover it from a table lookup
	Owner any
}

type sendWaiter struct {
	wake chan struct{}
}

// Mailbox serializes traffic to one endpoint
type Mailbox struct {
	ept  driver.Endpoint
	lock *sync.Mutex
	log  *logrus.Entry

	msgs   map[uint64]*Msg
	nextID uint64

	shutdown    bool
	sendq       []*sendWaiter
	sendTimeout time.Duration
}

// Option configures a Mailbox
type Option func(*Mailbox)

// WithSendTimeout overrides the transmit-slot wait bound
func WithSendTimeout(d time.Duration) Option {
	return func(m *Mailbox) { m.sendTimeout = d }
}

// New creates a mailbox over the endpoint. lock is the device-wide
// mutex shared with the dispatcher and every handle.
func New(ept driver.Endpoint, lock *sync.Mutex, opts ...Option) *Mailbox {
	m := &Mailbox{
		ept:         ept,
		lock:        lock,
		log:         logrus.WithField("subsys", "mailbox"),
		msgs:        make(map[uint64]*Msg),
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register assigns msg the next free correlation id and adds it to the
// outstanding table. Ids are allocated cyclically so a freshly freed id
// is not immediately reused. Call with the device lock held.
func (m *Mailbox) Register(msg *Msg) error {
	if m.shutdown {
		return driver.NewError(driver.StatusNoDevice, "mailbox shut down")
	}
	if uint64(len(m.msgs)) >= idLimit {
		return driver.NewError(driver.StatusOutOfMemory, "correlation id space exhausted")
	}

	for {
		id := m.nextID
		m.nextID = (m.nextID + 1) % idLimit
		if _, used := m.msgs[id]; !used {
			msg.ID = id
			m.msgs[id] = msg
			return nil
		}
	}
}

// Deregister removes msg from the outstanding table. Idempotent: a
// message that is no longer present is ignored. Call with the device
// lock held.
func (m *Mailbox) Deregister(msg *Msg) {
	if cur, ok := m.msgs[msg.ID]; ok && cur == msg {
		delete(m.msgs, msg.ID)
	}
}

// Find looks up the outstanding message for a response. The type check
// is mandatory: a packet reusing a stale id with a different type is a
// transport error and leaves the entry registered. Call with the device
// lock held.
func (m *Mailbox) Find(id uint64, t rpmsg.Type) (*Msg, error) {
	msg, ok := m.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Type != t {
		return nil, ErrKindMismatch
	}
	return msg, nil
}

// Pending returns the number of outstanding messages. Call with the
// device lock held.
func (m *Mailbox) Pending() int {
	return len(m.msgs)
}

// FailAll invokes the fail callback of every outstanding message. The
// callbacks run with the device lock held and may deregister entries,
// so iteration works over a snapshot. Call with the device lock held.
func (m *Mailbox) FailAll() {
	snapshot := make([]*Msg, 0, len(m.msgs))
	for _, msg := range m.msgs {
		snapshot = append(snapshot, msg)
	}
	if len(snapshot) > 0 {
		m.log.WithField("pending", len(snapshot)).Warn("Failing outstanding messages")
	}
	for _, msg := range snapshot {
		if msg.Fail != nil {
			msg.Fail(msg)
		}
	}
}

// Shutdown marks the mailbox dead and wakes every waiting sender.
// Outstanding messages are not drained here; the teardown path calls
// FailAll separately. Call with the device lock held.
func (m *Mailbox) Shutdown() {
	m.shutdown = true
	for _, w := range m.sendq {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// WakeSender wakes one queued sender. The dispatcher calls this after
// every inbound packet that passes its header and magic checks, since a
// received message means a transmit slot may have been released. Call
// with the device lock held.
func (m *Mailbox) WakeSender() {
	if len(m.sendq) > 0 {
		select {
		case m.sendq[0].wake <- struct{}{}:
		default:
		}
	}
}

func (m *Mailbox) removeWaiter(w *sendWaiter) {
	for i, cur := range m.sendq {
		if cur == w {
			m.sendq = append(m.sendq[:i], m.sendq[i+1:]...)
			return
		}
	}
}

// SendLocked transmits one packet, waiting for a transmit slot if the
// ring is full. Waiters are served in FIFO order, one wake-up per
// successful send. The device lock must be held on entry; it is
// released while suspended and reacquired before returning.
func (m *Mailbox) SendLocked(ctx context.Context, data []byte) error {
	w := &sendWaiter{wake: make(chan struct{}, 1)}

	// Only attempt an immediate send when nobody is queued ahead
	trySend := len(m.sendq) == 0
	m.sendq = append(m.sendq, w)

	timer := time.NewTimer(m.sendTimeout)
	defer timer.Stop()

	var ret error
	for {
		if m.shutdown {
			ret = driver.NewError(driver.StatusNoDevice, "mailbox shut down")
			break
		}

		if trySend {
			err := m.ept.TrySend(data)
			if !errors.Is(err, driver.ErrNoSlots) {
				ret = err
				break
			}
		} else {
			trySend = true
		}

		// Release the device lock so other tasks can make progress
		// while this sender waits for a slot.
		m.lock.Unlock()
		var interrupted, timedOut bool
		select {
		case <-w.wake:
		case <-ctx.Done():
			interrupted = true
		case <-timer.C:
			timedOut = true
		}
		m.lock.Lock()

		if interrupted {
			ret = driver.NewErrorWithCause(driver.StatusInterrupted, "send wait", ctx.Err())
			break
		}
		if timedOut {
			ret = driver.NewError(driver.StatusTimeout, "waiting for transmit slot")
			break
		}
	}

	m.removeWaiter(w)

	// A successful send may have freed another slot, pass the wake on
	if ret == nil {
		m.WakeSender()
	}

	return ret
}
