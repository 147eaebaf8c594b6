package device

import (
	"context"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

const capabilitiesTimeout = 2 * time.Second

// Capabilities describes the hardware and firmware behind the endpoint
type Capabilities struct {
	VersionStatus    uint32
	VersionMajor     uint32
	VersionMinor     uint32
	ProductMajor     uint32
	ArchMajorRev     uint32
	ArchMinorRev     uint32
	ArchPatchRev     uint32
	DriverMajorRev   uint32
	DriverMinorRev   uint32
	DriverPatchRev   uint32
	MacsPerCC        uint32
	CmdStreamVersion uint32
	CustomDMA        bool
}

// capsRequest is the capabilities query state
type capsRequest struct {
	msg  mailbox.Msg
	done *completion
	err  error
	caps Capabilities
}

// capabilitiesRequest queries the firmware capabilities. Call with the
// device lock held.
func (d *Device) capabilitiesRequest(ctx context.Context) (Capabilities, error) {
	req := &capsRequest{done: newCompletion()}
	req.msg.Owner = req
	req.msg.Fail = func(*mailbox.Msg) {
		if req.done.completed() {
			return
		}
		req.err = driver.NewError(driver.StatusFaulted, "capabilities request failed")
		req.done.complete()
	}

	if err := d.mbox.Register(&req.msg); err != nil {
		return Capabilities{}, err
	}
	defer d.mbox.Deregister(&req.msg)

	if err := d.mbox.SendCapabilitiesRequest(ctx, &req.msg); err != nil {
		return Capabilities{}, err
	}

	if err := d.waitLocked(ctx, req.done, capabilitiesTimeout); err != nil {
		return Capabilities{}, err
	}
	if req.err != nil {
		return Capabilities{}, req.err
	}
	return req.caps, nil
}

// handleCapabilitiesRsp completes the capabilities waiter. Called by
// the dispatcher with the device lock held.
func (d *Device) handleCapabilitiesRsp(msgID uint64, rsp *rpmsg.CapabilitiesRsp) {
	msg, err := d.mbox.Find(msgID, rpmsg.TypeCapabilitiesReq)
	if err != nil {
		d.log.WithError(err).WithField("msg_id", msgID).
			Warn("Id for capabilities msg not found")
		return
	}

	req := msg.Owner.(*capsRequest)
	if req.done.completed() {
		return
	}

	req.caps = Capabilities{
		VersionStatus:    rsp.VersionStatus,
		VersionMajor:     rsp.VersionMajor,
		VersionMinor:     rsp.VersionMinor,
		ProductMajor:     rsp.ProductMajor,
		ArchMajorRev:     rsp.ArchMajorRev,
		ArchMinorRev:     rsp.ArchMinorRev,
		ArchPatchRev:     rsp.ArchPatchRev,
		DriverMajorRev:   rsp.DriverMajorRev,
		DriverMinorRev:   rsp.DriverMinorRev,
		DriverPatchRev:   rsp.DriverPatchRev,
		MacsPerCC:        rsp.MacsPerCC,
		CmdStreamVersion: rsp.CmdStreamVersion,
		CustomDMA:        rsp.CustomDMA != 0,
	}
	req.done.complete()
}
