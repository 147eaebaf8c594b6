package device

import (
	"context"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// Receive is the inbound packet entry point, driven by the transport as
// packets arrive. It validates the header, routes responses to their
// registered waiters and handles the asynchronous ping/pong and error
// messages. After dispatch one queued sender is woken, since the
// consumed packet may have freed a transmit slot.
func (d *Device) Receive(data []byte) error {
	hdr, err := rpmsg.DecodeHeader(data)
	if err != nil {
		return err
	}
	if hdr.Magic != rpmsg.Magic {
		d.log.Warnf("Msg: Error invalid message magic. magic=0x%08x", hdr.Magic)
		return driver.NewError(driver.StatusBadMessage, "invalid magic")
	}

	payload := data[rpmsg.HeaderSize:]

	d.mu.Lock()

	d.log.WithFields(map[string]any{
		"type":   hdr.Type,
		"msg_id": hdr.MsgID,
	}).Debug("Msg received")

	ret := d.dispatchLocked(hdr, payload)

	// The consumed inbound buffer may have freed a transmit slot
	d.mbox.WakeSender()

	d.mu.Unlock()

	return ret
}

func (d *Device) dispatchLocked(hdr rpmsg.Header, payload []byte) error {
	if size, ok := rpmsg.PayloadSize(hdr.Type); ok && len(payload) != size {
		d.log.Warnf("Msg: %s of incorrect size. size=%d, expected=%d",
			hdr.Type, len(payload), size)
		return driver.NewError(driver.StatusBadMessage, "payload size")
	}

	switch hdr.Type {
	case rpmsg.TypeErr:
		e, err := rpmsg.DecodeErr(payload)
		if err != nil {
			return err
		}
		d.log.Warnf("Msg: Error. type=%d, msg=%q", e.Type, e.Msg)
		d.reportCrash(driver.NewError(driver.StatusTransportFailed, "firmware error: "+e.Msg))

	case rpmsg.TypePing:
		d.log.Debug("Msg: Ping")
		return d.mbox.Pong(context.Background())

	case rpmsg.TypePong:
		d.log.Debug("Msg: Pong")

	case rpmsg.TypeInferenceRsp:
		rsp, err := rpmsg.DecodeInferenceRsp(payload)
		if err != nil {
			return err
		}
		d.handleInferenceRsp(hdr.MsgID, rsp)

	case rpmsg.TypeCancelInferenceRsp:
		rsp, err := rpmsg.DecodeCancelInferenceRsp(payload)
		if err != nil {
			return err
		}
		d.handleCancelInferenceRsp(hdr.MsgID, rsp)

	case rpmsg.TypeVersionRsp:
		rsp, err := rpmsg.DecodeVersionRsp(payload)
		if err != nil {
			return err
		}
		d.handleVersionRsp(hdr.MsgID, rsp)

	case rpmsg.TypeCapabilitiesRsp:
		rsp, err := rpmsg.DecodeCapabilitiesRsp(payload)
		if err != nil {
			return err
		}
		d.handleCapabilitiesRsp(hdr.MsgID, rsp)

	case rpmsg.TypeNetworkInfoRsp:
		rsp, err := rpmsg.DecodeNetworkInfoRsp(payload)
		if err != nil {
			return err
		}
		d.handleNetworkInfoRsp(hdr.MsgID, rsp)

	default:
		d.log.Warnf("Msg: Protocol error. type=%d", uint32(hdr.Type))
		return driver.NewError(driver.StatusProtocolError, "unexpected message type")
	}

	return nil
}
