package device

import (
	"context"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

const versionTimeout = 2 * time.Second

// versionRequest is the protocol version handshake state
type versionRequest struct {
	msg  mailbox.Msg
	done *completion
	err  error
}

// versionCheck queries the firmware protocol version and verifies it
// against the compile-time expectation. Patch differences are accepted.
// Call with the device lock held.
func (d *Device) versionCheck(ctx context.Context) error {
	req := &versionRequest{done: newCompletion()}
	req.msg.Owner = req
	req.msg.Fail = func(*mailbox.Msg) {
		if req.done.completed() {
			return
		}
		req.err = driver.NewError(driver.StatusFaulted, "version request failed")
		req.done.complete()
	}

	if err := d.mbox.Register(&req.msg); err != nil {
		return err
	}
	defer d.mbox.Deregister(&req.msg)

	if err := d.mbox.SendVersionRequest(ctx, &req.msg); err != nil {
		return err
	}

	if err := d.waitLocked(ctx, req.done, versionTimeout); err != nil {
		return err
	}
	return req.err
}

// handleVersionRsp completes the version handshake waiter. Called by
// the dispatcher with the device lock held.
func (d *Device) handleVersionRsp(msgID uint64, rsp *rpmsg.VersionRsp) {
	msg, err := d.mbox.Find(msgID, rpmsg.TypeVersionReq)
	if err != nil {
		d.log.WithError(err).WithField("msg_id", msgID).
			Warn("Id for version msg not found")
		return
	}

	req := msg.Owner.(*versionRequest)
	if req.done.completed() {
		return
	}

	if rsp.Major != rpmsg.VersionMajor || rsp.Minor != rpmsg.VersionMinor {
		d.log.Warnf("Protocol version mismatch. Expected %d.%d.X but got %d.%d.%d",
			rpmsg.VersionMajor, rpmsg.VersionMinor, rsp.Major, rsp.Minor, rsp.Patch)
		req.err = driver.NewError(driver.StatusProtocolError, "protocol version mismatch")
	}
	req.done.complete()
}
