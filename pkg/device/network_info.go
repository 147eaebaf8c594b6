package device

import (
	"context"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

const networkInfoTimeout = 3 * time.Second

// NetworkInfo describes a loaded model as reported by the firmware
type NetworkInfo struct {
	Desc     string
	IfmSizes []uint32
	OfmSizes []uint32
}

type networkInfoRequest struct {
	msg  mailbox.Msg
	done *completion
	err  error
	info NetworkInfo
}

// Info queries the firmware for the network's description and feature
// map geometry.
func (n *Network) Info(ctx context.Context) (*NetworkInfo, error) {
	d := n.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	req := &networkInfoRequest{done: newCompletion()}
	req.msg.Owner = req
	req.msg.Fail = func(*mailbox.Msg) {
		if req.done.completed() {
			return
		}
		req.err = driver.NewError(driver.StatusFaulted, "network info request failed")
		req.done.complete()
	}

	if err := d.mbox.Register(&req.msg); err != nil {
		return nil, err
	}
	defer d.mbox.Deregister(&req.msg)

	// Keep the network alive while the firmware may read its buffer
	n.getLocked()
	defer n.putLocked()

	if err := d.mbox.SendNetworkInfoRequest(ctx, &req.msg, n.descriptor()); err != nil {
		return nil, err
	}

	if err := d.waitLocked(ctx, req.done, networkInfoTimeout); err != nil {
		return nil, err
	}
	if req.err != nil {
		return nil, req.err
	}
	return &req.info, nil
}

// handleNetworkInfoRsp validates and completes the network info waiter.
// Called by the dispatcher with the device lock held.
func (d *Device) handleNetworkInfoRsp(msgID uint64, rsp *rpmsg.NetworkInfoRsp) {
	msg, err := d.mbox.Find(msgID, rpmsg.TypeNetworkInfoReq)
	if err != nil {
		d.log.WithError(err).WithField("msg_id", msgID).
			Warn("Id for network info msg not found")
		return
	}

	req := msg.Owner.(*networkInfoRequest)
	if req.done.completed() {
		return
	}
	defer req.done.complete()

	if rsp.Status != rpmsg.StatusOK {
		d.log.WithField("status", rsp.Status).Error("Failed to get information about the network")
		req.err = driver.NewError(driver.StatusBadFile, "network info rejected")
		return
	}

	if rsp.IfmCount > FdMax || rsp.OfmCount > FdMax {
		d.log.Errorf("Invalid number of IFMs/OFMs in network info: IFMs=%d OFMs=%d",
			rsp.IfmCount, rsp.OfmCount)
		req.err = driver.NewError(driver.StatusTooManyFiles, "network info feature map count")
		return
	}

	desc := rsp.Desc[:]
	term := -1
	for i, c := range desc {
		if c == 0 {
			term = i
			break
		}
	}
	if term < 0 {
		d.log.Error("Description in network info is not null-terminated")
		req.err = driver.NewError(driver.StatusMessageTooLong, "network info description")
		return
	}

	req.info = NetworkInfo{
		Desc:     string(desc[:term]),
		IfmSizes: append([]uint32(nil), rsp.IfmSize[:rsp.IfmCount]...),
		OfmSizes: append([]uint32(nil), rsp.OfmSize[:rsp.OfmCount]...),
	}
}
