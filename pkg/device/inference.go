package device

import (
	"context"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// InferenceState is the user-visible state of an inference job
type InferenceState int

const (
	StateOK InferenceState = iota
	StateError
	StateRunning
	StateRejected
	StateAborted
	StateAborting
)

var stateNames = map[InferenceState]string{
	StateOK:       "Ok",
	StateError:    "Error",
	StateRunning:  "Running",
	StateRejected: "Rejected",
	StateAborted:  "Aborted",
	StateAborting: "Aborting",
}

// String returns the state name
func (s InferenceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// PmuConfig selects the PMU events to profile during an inference
type PmuConfig struct {
	Events       [PmuEventMax]uint32
	CycleCounter bool
}

// InferenceArgs describes one inference job
type InferenceArgs struct {
	Ifm []*Buffer
	Ofm []*Buffer
	Pmu PmuConfig
}

// InferenceResult is a snapshot of an inference's state and counters
type InferenceResult struct {
	State              InferenceState
	PmuEventConfig     [PmuEventMax]uint32
	PmuEventCount      [PmuEventMax]uint64
	CycleCounterEnable bool
	CycleCounterCount  uint64

	// OfmSizes holds the output sizes the firmware reported on
	// completion; empty until the inference finishes with StateOK.
	OfmSizes []uint32
}

// Inference is a reference-counted long-running job handle. It holds
// strong references to its network and every IFM/OFM buffer for its
// whole lifetime, and one extra self-reference while the mailbox owns
// the pending request.
type Inference struct {
	dev  *Device
	net  *Network
	ifm  []*Buffer
	ofm  []*Buffer
	refs int
	msg  mailbox.Msg

	state  InferenceState
	done   bool
	doneCh chan struct{}

	pmuEventConfig     [PmuEventMax]uint32
	pmuEventCount      [PmuEventMax]uint64
	cycleCounterEnable bool
	cycleCounterCount  uint64
	ofmSizes           []uint32
}

// CreateInference dispatches an inference job over the network. On
// success the job is running and the returned handle observes its
// completion; release it with Release when done.
func (n *Network) CreateInference(ctx context.Context, args InferenceArgs) (*Inference, error) {
	d := n.dev

	if len(args.Ifm) > FdMax || len(args.Ofm) > FdMax {
		return nil, driver.NewError(driver.StatusFaulted, "too many feature map buffers")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, driver.NewError(driver.StatusNoDevice, "device closed")
	}

	inf := &Inference{
		dev:    d,
		net:    n,
		refs:   1,
		state:  StateError,
		doneCh: make(chan struct{}),
	}
	inf.msg.Owner = inf
	inf.msg.Fail = inf.fail

	if err := d.mbox.Register(&inf.msg); err != nil {
		return nil, err
	}

	// Acquire every IFM and OFM buffer, unwinding on failure
	for _, b := range args.Ifm {
		if err := b.acquire(); err != nil {
			inf.unwindLocked()
			return nil, err
		}
		inf.ifm = append(inf.ifm, b)
	}
	for _, b := range args.Ofm {
		if err := b.acquire(); err != nil {
			inf.unwindLocked()
			return nil, err
		}
		inf.ofm = append(inf.ofm, b)
	}

	inf.pmuEventConfig = args.Pmu.Events
	inf.cycleCounterEnable = args.Pmu.CycleCounter

	n.getLocked()

	if err := inf.sendLocked(ctx); err != nil {
		// A failure broadcast may already have torn the inference
		// down while the send waited for a slot.
		if inf.net != nil {
			inf.net.putLocked()
			inf.net = nil
		}
		inf.unwindLocked()
		return nil, err
	}

	d.log.WithFields(map[string]any{
		"msg_id":    inf.msg.ID,
		"ifm_count": len(inf.ifm),
		"ofm_count": len(inf.ofm),
	}).Debug("Inference create")

	return inf, nil
}

// sendLocked transmits the inference request. On success the mailbox
// owns one reference to the inference until the response or failure
// broadcast drops it.
func (inf *Inference) sendLocked(ctx context.Context) error {
	d := inf.dev

	inf.state = StateError

	ifm := make([]rpmsg.Buffer, len(inf.ifm))
	for i, b := range inf.ifm {
		ifm[i] = b.descriptor()
	}
	ofm := make([]rpmsg.Buffer, len(inf.ofm))
	for i, b := range inf.ofm {
		ofm[i] = b.descriptor()
	}

	events := make([]uint32, PmuEventMax)
	copy(events, inf.pmuEventConfig[:])

	err := d.mbox.SendInferenceRequest(ctx, &inf.msg, ifm, ofm,
		inf.net.descriptor(), events, inf.cycleCounterEnable)
	if err != nil {
		d.log.WithError(err).Warn("Failed to send inference request")
		return err
	}

	inf.state = StateRunning
	inf.getLocked()

	return nil
}

// unwindLocked reverses a partial create: buffer references are dropped
// and the message deregistered. Call with the device lock held.
func (inf *Inference) unwindLocked() {
	for _, b := range inf.ofm {
		b.putLocked()
	}
	inf.ofm = nil
	for _, b := range inf.ifm {
		b.putLocked()
	}
	inf.ifm = nil
	inf.dev.mbox.Deregister(&inf.msg)
}

// fail handles the mailbox failure broadcast. Runs with the device
// lock held.
func (inf *Inference) fail(*mailbox.Msg) {
	if inf.done {
		return
	}

	// Drop the mailbox's reference; the inference was pending
	if inf.putLocked() {
		return
	}

	if inf.state == StateAborting {
		inf.state = StateAborted
	} else {
		inf.state = StateError
	}
	inf.done = true
	close(inf.doneCh)
}

// Done returns a channel closed when the inference completes. The done
// transition is monotonic: once closed, the channel stays closed.
func (inf *Inference) Done() <-chan struct{} {
	return inf.doneCh
}

// Wait blocks until the inference completes or ctx is cancelled
func (inf *Inference) Wait(ctx context.Context) error {
	select {
	case <-inf.doneCh:
		return nil
	case <-ctx.Done():
		return driver.NewErrorWithCause(driver.StatusInterrupted, "inference wait", ctx.Err())
	}
}

// Status returns a snapshot of the inference state and PMU counters.
// Safe to call at any time; counts are zero until completion.
func (inf *Inference) Status() InferenceResult {
	inf.dev.mu.Lock()
	defer inf.dev.mu.Unlock()

	return InferenceResult{
		State:              inf.state,
		PmuEventConfig:     inf.pmuEventConfig,
		PmuEventCount:      inf.pmuEventCount,
		CycleCounterEnable: inf.cycleCounterEnable,
		CycleCounterCount:  inf.cycleCounterCount,
		OfmSizes:           append([]uint32(nil), inf.ofmSizes...),
	}
}

// Release drops the creator's reference
func (inf *Inference) Release() {
	inf.dev.mu.Lock()
	defer inf.dev.mu.Unlock()
	inf.putLocked()
}

// getLocked takes a reference. Call with the device lock held.
func (inf *Inference) getLocked() {
	inf.refs++
}

// putLocked drops one reference and reports whether the inference was
// destroyed. Call with the device lock held.
func (inf *Inference) putLocked() bool {
	if inf.refs == 0 {
		return true
	}
	inf.refs--
	if inf.refs > 0 {
		return false
	}

	inf.dev.log.WithFields(map[string]any{
		"msg_id": inf.msg.ID,
		"state":  inf.state,
	}).Debug("Inference destroy")

	inf.dev.mbox.Deregister(&inf.msg)

	for _, b := range inf.ofm {
		b.putLocked()
	}
	inf.ofm = nil
	for _, b := range inf.ifm {
		b.putLocked()
	}
	inf.ifm = nil

	if inf.net != nil {
		inf.net.putLocked()
		inf.net = nil
	}
	return true
}

// handleInferenceRsp applies a completion response to the waiting
// inference. Called by the dispatcher with the device lock held.
func (d *Device) handleInferenceRsp(msgID uint64, rsp *rpmsg.InferenceRsp) {
	msg, err := d.mbox.Find(msgID, rpmsg.TypeInferenceReq)
	if err != nil {
		d.log.WithError(err).WithField("msg_id", msgID).
			Warn("Id for inference msg not found")
		return
	}

	inf := msg.Owner.(*Inference)
	if inf.done {
		// Already failed by a mailbox broadcast; drop the duplicate
		return
	}

	// A cancelled inference stays aborted no matter what the
	// response says.
	if inf.state == StateAborted || inf.state == StateAborting {
		inf.state = StateAborted
	} else if rsp.Status == rpmsg.StatusOK && rsp.OfmCount <= rpmsg.BufferMax {
		inf.state = StateOK
	} else if rsp.Status == rpmsg.StatusRejected {
		inf.state = StateRejected
	} else if rsp.Status == rpmsg.StatusAborted {
		inf.state = StateAborted
	} else {
		inf.state = StateError
	}

	if inf.state == StateOK {
		for i := 0; i < PmuEventMax; i++ {
			inf.pmuEventConfig[i] = uint32(rsp.PmuEventConfig[i])
			inf.pmuEventCount[i] = rsp.PmuEventCount[i]
		}
		inf.cycleCounterEnable = rsp.CycleCounterEnable != 0
		inf.cycleCounterCount = rsp.CycleCounterCount
		inf.ofmSizes = append([]uint32(nil), rsp.OfmSize[:rsp.OfmCount]...)

		d.log.WithFields(map[string]any{
			"pmu_count":   inf.pmuEventCount,
			"cycle_count": inf.cycleCounterCount,
		}).Debug("PMU events")
	}

	if !inf.done {
		inf.done = true
		close(inf.doneCh)
	}
	inf.putLocked()
}
