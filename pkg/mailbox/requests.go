package mailbox

import (
	"context"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// Ping sends a PING packet. Pings carry no correlation id; the firmware
// answers with a PONG.
func (m *Mailbox) Ping(ctx context.Context) error {
	return m.SendLocked(ctx, rpmsg.EncodePing())
}

// Pong sends a PONG packet in answer to a received PING
func (m *Mailbox) Pong(ctx context.Context) error {
	return m.SendLocked(ctx, rpmsg.EncodePong())
}

// SendVersionRequest sends a VERSION_REQ for a registered message
func (m *Mailbox) SendVersionRequest(ctx context.Context, msg *Msg) error {
	msg.Type = rpmsg.TypeVersionReq
	return m.SendLocked(ctx, rpmsg.EncodeVersionReq(msg.ID))
}

// SendCapabilitiesRequest sends a CAPABILITIES_REQ for a registered message
func (m *Mailbox) SendCapabilitiesRequest(ctx context.Context, msg *Msg) error {
	msg.Type = rpmsg.TypeCapabilitiesReq
	return m.SendLocked(ctx, rpmsg.EncodeCapabilitiesReq(msg.ID))
}

// SendNetworkInfoRequest sends a NETWORK_INFO_REQ for a registered message
func (m *Mailbox) SendNetworkInfoRequest(ctx context.Context, msg *Msg, network rpmsg.NetworkBuffer) error {
	msg.Type = rpmsg.TypeNetworkInfoReq
	req := rpmsg.NetworkInfoReq{Network: network}
	return m.SendLocked(ctx, req.Encode(msg.ID))
}

// SendInferenceRequest sends an INFERENCE_REQ for a registered message.
// ifm and ofm carry the accelerator-visible buffer descriptors; events
// holds the PMU event configuration, zero-padded to the wire width.
func (m *Mailbox) SendInferenceRequest(ctx context.Context, msg *Msg,
	ifm, ofm []rpmsg.Buffer, network rpmsg.NetworkBuffer,
	events []uint32, cycleCounter bool) error {

	if len(ifm) > rpmsg.BufferMax || len(ofm) > rpmsg.BufferMax {
		return driver.NewError(driver.StatusInvalidArgument, "inference buffer count")
	}
	if len(events) > rpmsg.PmuMax {
		return driver.NewError(driver.StatusInvalidArgument, "pmu event count")
	}

	msg.Type = rpmsg.TypeInferenceReq

	req := rpmsg.InferenceReq{
		IfmCount: uint32(len(ifm)),
		OfmCount: uint32(len(ofm)),
		Network:  network,
	}
	copy(req.Ifm[:], ifm)
	copy(req.Ofm[:], ofm)
	for i, ev := range events {
		req.PmuEventConfig[i] = uint8(ev)
	}
	if cycleCounter {
		req.CycleCounterEnable = 1
	}

	return m.SendLocked(ctx, req.Encode(msg.ID))
}

// SendCancelInference sends a CANCEL_INFERENCE_REQ for a registered
// message, targeting the inference registered under inferenceID.
func (m *Mailbox) SendCancelInference(ctx context.Context, msg *Msg, inferenceID uint64) error {
	msg.Type = rpmsg.TypeCancelInferenceReq
	req := rpmsg.CancelInferenceReq{InferenceHandle: inferenceID}
	return m.SendLocked(ctx, req.Encode(msg.ID))
}
