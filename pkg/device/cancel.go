package device

import (
	"context"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

const cancelTimeout = 2 * time.Second

// cancelRequest is the short-lived cancel sub-protocol state. It holds
// a reference on the target inference for its whole lifetime.
type cancelRequest struct {
	inf   *Inference
	msg   mailbox.Msg
	done  *completion
	err   error
	state InferenceState
}

// Cancel asks the firmware to abort a running inference. The returned
// state is the cancel outcome (StateOK or StateError); the target
// inference ends up StateAborted either way once the firmware confirms.
// Cancelling an already finished inference returns StateError without
// touching the firmware.
func (inf *Inference) Cancel(ctx context.Context) (InferenceState, error) {
	d := inf.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if inf.done {
		return StateError, nil
	}

	// Latch ABORTING so a concurrent completion or failure broadcast
	// cannot report anything but aborted from here on.
	inf.getLocked()
	inf.state = StateAborting

	req := &cancelRequest{inf: inf, done: newCompletion(), state: StateError}
	req.msg.Owner = req
	req.msg.Fail = func(*mailbox.Msg) {
		if req.done.completed() {
			return
		}
		req.err = driver.NewError(driver.StatusFaulted, "cancel request failed")
		req.state = StateError
		req.done.complete()
	}

	defer inf.putLocked()

	if err := d.mbox.Register(&req.msg); err != nil {
		return StateError, err
	}
	defer d.mbox.Deregister(&req.msg)

	d.log.WithFields(map[string]any{
		"msg_id": req.msg.ID,
		"target": inf.msg.ID,
	}).Debug("Inference cancellation create")

	if err := d.mbox.SendCancelInference(ctx, &req.msg, inf.msg.ID); err != nil {
		return StateError, err
	}

	if err := d.waitLocked(ctx, req.done, cancelTimeout); err != nil {
		// waitLocked already reported the firmware hang on timeout
		return StateError, err
	}

	if req.err != nil {
		// The fail broadcast reached the cancel first; the firmware
		// is gone.
		d.reportCrash(req.err)
		return StateError, req.err
	}

	if inf.state != StateAborted {
		inf.state = StateAborted
	}

	return req.state, nil
}

// handleCancelInferenceRsp completes the cancel waiter. Called by the
// dispatcher with the device lock held.
func (d *Device) handleCancelInferenceRsp(msgID uint64, rsp *rpmsg.CancelInferenceRsp) {
	msg, err := d.mbox.Find(msgID, rpmsg.TypeCancelInferenceReq)
	if err != nil {
		d.log.WithError(err).WithField("msg_id", msgID).
			Warn("Id for cancel inference msg not found")
		return
	}

	req := msg.Owner.(*cancelRequest)
	if req.done.completed() {
		return
	}

	switch rsp.Status {
	case rpmsg.StatusOK:
		req.state = StateOK
	default:
		req.state = StateError
	}
	req.done.complete()
}
