// Package testutil provides fakes and packet builders for exercising
// the runtime without accelerator hardware.
package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// FakeEndpoint implements driver.Endpoint with a controllable transmit
// slot pool and an optional scripted firmware responder.
type FakeEndpoint struct {
	mu     sync.Mutex
	slots  int
	sent   [][]byte
	closed bool

	// Respond, when set, is invoked in its own goroutine for every
	// accepted packet. It plays the firmware side: whatever it
	// returns is fed back through recv.
	Respond func(packet []byte) [][]byte

	recv func(data []byte)
}

// NewFakeEndpoint creates an endpoint with the given number of
// transmit slots. Use a large count for tests that never exhaust the
// pool.
func NewFakeEndpoint(slots int) *FakeEndpoint {
	return &FakeEndpoint{slots: slots}
}

// Connect wires the receive path, normally to Device.Receive
func (f *FakeEndpoint) Connect(recv func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = recv
}

// TrySend implements driver.Endpoint
func (f *FakeEndpoint) TrySend(data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return driver.NewError(driver.StatusNoDevice, "endpoint closed")
	}
	if f.slots == 0 {
		f.mu.Unlock()
		return driver.ErrNoSlots
	}
	f.slots--
	packet := append([]byte(nil), data...)
	f.sent = append(f.sent, packet)
	respond := f.Respond
	f.mu.Unlock()

	if respond != nil {
		go func() {
			for _, reply := range respond(packet) {
				f.Deliver(reply)
			}
		}()
	}
	return nil
}

// Close implements driver.Endpoint
func (f *FakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Deliver feeds one inbound packet to the connected receiver
func (f *FakeEndpoint) Deliver(data []byte) {
	f.mu.Lock()
	recv := f.recv
	f.mu.Unlock()
	if recv != nil {
		recv(data)
	}
}

// AddSlots returns transmit slots to the pool. The caller is
// responsible for waking blocked senders, normally by delivering a
// packet.
func (f *FakeEndpoint) AddSlots(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots += n
}

// Sent returns a copy of every packet accepted so far
func (f *FakeEndpoint) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCount returns the number of packets accepted so far
func (f *FakeEndpoint) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// LastSent returns the most recently accepted packet, or nil
func (f *FakeEndpoint) LastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// CrashCounter counts firmware crash reports
type CrashCounter struct {
	n atomic.Int32
}

// Report is a device.CrashFunc
func (c *CrashCounter) Report(error) {
	c.n.Add(1)
}

// Count returns the number of reports so far
func (c *CrashCounter) Count() int {
	return int(c.n.Load())
}

// FirmwareScript answers version and capabilities handshakes the way a
// healthy firmware would, for tests that need a started device. Extra
// handlers take over for the remaining message types.
func FirmwareScript(caps rpmsg.CapabilitiesRsp, extra func(hdr rpmsg.Header, packet []byte) [][]byte) func(packet []byte) [][]byte {
	return func(packet []byte) [][]byte {
		hdr, err := rpmsg.DecodeHeader(packet)
		if err != nil {
			return nil
		}
		switch hdr.Type {
		case rpmsg.TypeVersionReq:
			rsp := rpmsg.VersionRsp{
				Major: rpmsg.VersionMajor,
				Minor: rpmsg.VersionMinor,
				Patch: rpmsg.VersionPatch,
			}
			return [][]byte{rsp.Encode(hdr.MsgID)}
		case rpmsg.TypeCapabilitiesReq:
			return [][]byte{caps.Encode(hdr.MsgID)}
		case rpmsg.TypePing:
			return [][]byte{rpmsg.EncodePong()}
		default:
			if extra != nil {
				return extra(hdr, packet)
			}
			return nil
		}
	}
}
