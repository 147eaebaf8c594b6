package rpmsg

import (
	"encoding/binary"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
)

// HeaderSize is the encoded size of the common header
const HeaderSize = 16

// Encoded payload sizes. These match sizeof() of the firmware C structs,
// padding included, and incoming payloads must match exactly.
const (
	ErrSize                = 132
	InferenceReqSize       = 288
	InferenceRspSize       = 160
	VersionRspSize         = 4
	CapabilitiesRspSize    = 52
	NetworkInfoReqSize     = 12
	NetworkInfoRspSize     = 172
	CancelInferenceReqSize = 8
	CancelInferenceRspSize = 4
)

// PayloadSize returns the expected payload size for an inbound message
// type. ok is false for types the host never receives.
func PayloadSize(t Type) (size int, ok bool) {
	switch t {
	case TypeErr:
		return ErrSize, true
	case TypePing, TypePong:
		return 0, true
	case TypeInferenceRsp:
		return InferenceRspSize, true
	case TypeVersionRsp:
		return VersionRspSize, true
	case TypeCapabilitiesRsp:
		return CapabilitiesRspSize, true
	case TypeNetworkInfoRsp:
		return NetworkInfoRspSize, true
	case TypeCancelInferenceRsp:
		return CancelInferenceRspSize, true
	}
	return 0, false
}

func pack(t Type, msgID uint64, size int, enc func(b []byte)) []byte {
	buf := make([]byte, HeaderSize+size)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t))
	binary.LittleEndian.PutUint64(buf[8:16], msgID)
	if enc != nil {
		enc(buf[HeaderSize:])
	}
	return buf
}

// DecodeHeader decodes the common header. The payload follows at
// data[HeaderSize:].
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, driver.NewError(driver.StatusBadMessage, "truncated header")
	}
	return Header{
		Magic: binary.LittleEndian.Uint32(data[0:4]),
		Type:  Type(binary.LittleEndian.Uint32(data[4:8])),
		MsgID: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// EncodePing encodes a PING packet. Pings carry no correlation id.
func EncodePing() []byte {
	return pack(TypePing, 0, 0, nil)
}

// EncodePong encodes a PONG packet
func EncodePong() []byte {
	return pack(TypePong, 0, 0, nil)
}

// EncodeVersionReq encodes a VERSION_REQ packet
func EncodeVersionReq(msgID uint64) []byte {
	return pack(TypeVersionReq, msgID, 0, nil)
}

// EncodeCapabilitiesReq encodes a CAPABILITIES_REQ packet
func EncodeCapabilitiesReq(msgID uint64) []byte {
	return pack(TypeCapabilitiesReq, msgID, 0, nil)
}

func encodeBuffer(b []byte, buf Buffer) {
	binary.LittleEndian.PutUint32(b[0:4], buf.Ptr)
	binary.LittleEndian.PutUint32(b[4:8], buf.Size)
}

func decodeBuffer(b []byte) Buffer {
	return Buffer{
		Ptr:  binary.LittleEndian.Uint32(b[0:4]),
		Size: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// encodeNetworkBuffer writes the 12 byte network reference: kind at
// offset 0, the 8 byte union at offset 4.
func encodeNetworkBuffer(b []byte, n NetworkBuffer) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(n.Kind))
	if n.Kind == NetworkKindIndex {
		binary.LittleEndian.PutUint32(b[4:8], n.Index)
		binary.LittleEndian.PutUint32(b[8:12], 0)
	} else {
		encodeBuffer(b[4:12], n.Buffer)
	}
}

func decodeNetworkBuffer(b []byte) NetworkBuffer {
	n := NetworkBuffer{Kind: NetworkKind(binary.LittleEndian.Uint32(b[0:4]))}
	if n.Kind == NetworkKindIndex {
		n.Index = binary.LittleEndian.Uint32(b[4:8])
	} else {
		n.Buffer = decodeBuffer(b[4:12])
	}
	return n
}

// Encode encodes a full INFERENCE_REQ packet.
// Layout: ifm_count@0, ifm[16]@4, ofm_count@132, ofm[16]@136,
// network@264, pmu_event_config@276, cycle_counter_enable@284.
func (r *InferenceReq) Encode(msgID uint64) []byte {
	return pack(TypeInferenceReq, msgID, InferenceReqSize, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], r.IfmCount)
		for i := 0; i < BufferMax; i++ {
			encodeBuffer(b[4+i*8:], r.Ifm[i])
		}
		binary.LittleEndian.PutUint32(b[132:136], r.OfmCount)
		for i := 0; i < BufferMax; i++ {
			encodeBuffer(b[136+i*8:], r.Ofm[i])
		}
		encodeNetworkBuffer(b[264:276], r.Network)
		copy(b[276:284], r.PmuEventConfig[:])
		binary.LittleEndian.PutUint32(b[284:288], r.CycleCounterEnable)
	})
}

// DecodeInferenceReq decodes an INFERENCE_REQ payload
func DecodeInferenceReq(data []byte) (*InferenceReq, error) {
	if len(data) != InferenceReqSize {
		return nil, driver.NewError(driver.StatusBadMessage, "inference request size")
	}
	r := &InferenceReq{
		IfmCount: binary.LittleEndian.Uint32(data[0:4]),
		OfmCount: binary.LittleEndian.Uint32(data[132:136]),
	}
	for i := 0; i < BufferMax; i++ {
		r.Ifm[i] = decodeBuffer(data[4+i*8:])
		r.Ofm[i] = decodeBuffer(data[136+i*8:])
	}
	r.Network = decodeNetworkBuffer(data[264:276])
	copy(r.PmuEventConfig[:], data[276:284])
	r.CycleCounterEnable = binary.LittleEndian.Uint32(data[284:288])
	return r, nil
}

// Encode encodes a full INFERENCE_RSP packet.
// Layout: ofm_count@0, ofm_size[16]@4, status@68, pmu_event_config@72,
// pmu_event_count[8]@80, cycle_counter_enable@144, 4 pad bytes,
// cycle_counter_count@152.
func (r *InferenceRsp) Encode(msgID uint64) []byte {
	return pack(TypeInferenceRsp, msgID, InferenceRspSize, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], r.OfmCount)
		for i := 0; i < BufferMax; i++ {
			binary.LittleEndian.PutUint32(b[4+i*4:], r.OfmSize[i])
		}
		binary.LittleEndian.PutUint32(b[68:72], uint32(r.Status))
		copy(b[72:80], r.PmuEventConfig[:])
		for i := 0; i < PmuMax; i++ {
			binary.LittleEndian.PutUint64(b[80+i*8:], r.PmuEventCount[i])
		}
		binary.LittleEndian.PutUint32(b[144:148], r.CycleCounterEnable)
		binary.LittleEndian.PutUint64(b[152:160], r.CycleCounterCount)
	})
}

// DecodeInferenceRsp decodes an INFERENCE_RSP payload
func DecodeInferenceRsp(data []byte) (*InferenceRsp, error) {
	if len(data) != InferenceRspSize {
		return nil, driver.NewError(driver.StatusBadMessage, "inference response size")
	}
	r := &InferenceRsp{
		OfmCount: binary.LittleEndian.Uint32(data[0:4]),
		Status:   Status(binary.LittleEndian.Uint32(data[68:72])),
	}
	for i := 0; i < BufferMax; i++ {
		r.OfmSize[i] = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	copy(r.PmuEventConfig[:], data[72:80])
	for i := 0; i < PmuMax; i++ {
		r.PmuEventCount[i] = binary.LittleEndian.Uint64(data[80+i*8:])
	}
	r.CycleCounterEnable = binary.LittleEndian.Uint32(data[144:148])
	r.CycleCounterCount = binary.LittleEndian.Uint64(data[152:160])
	return r, nil
}

// Encode encodes a full VERSION_RSP packet
func (r *VersionRsp) Encode(msgID uint64) []byte {
	return pack(TypeVersionRsp, msgID, VersionRspSize, func(b []byte) {
		b[0] = r.Major
		b[1] = r.Minor
		b[2] = r.Patch
	})
}

// DecodeVersionRsp decodes a VERSION_RSP payload
func DecodeVersionRsp(data []byte) (*VersionRsp, error) {
	if len(data) != VersionRspSize {
		return nil, driver.NewError(driver.StatusBadMessage, "version response size")
	}
	return &VersionRsp{Major: data[0], Minor: data[1], Patch: data[2]}, nil
}

// Encode encodes a full CAPABILITIES_RSP packet
func (r *CapabilitiesRsp) Encode(msgID uint64) []byte {
	return pack(TypeCapabilitiesRsp, msgID, CapabilitiesRspSize, func(b []byte) {
		fields := [...]uint32{
			r.VersionStatus, r.VersionMinor, r.VersionMajor, r.ProductMajor,
			r.ArchPatchRev, r.ArchMinorRev, r.ArchMajorRev,
			r.DriverPatchRev, r.DriverMinorRev, r.DriverMajorRev,
			r.MacsPerCC, r.CmdStreamVersion, r.CustomDMA,
		}
		for i, f := range fields {
			binary.LittleEndian.PutUint32(b[i*4:], f)
		}
	})
}

// DecodeCapabilitiesRsp decodes a CAPABILITIES_RSP payload
func DecodeCapabilitiesRsp(data []byte) (*CapabilitiesRsp, error) {
	if len(data) != CapabilitiesRspSize {
		return nil, driver.NewError(driver.StatusBadMessage, "capabilities response size")
	}
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(data[i*4:]) }
	return &CapabilitiesRsp{
		VersionStatus:    u(0),
		VersionMinor:     u(1),
		VersionMajor:     u(2),
		ProductMajor:     u(3),
		ArchPatchRev:     u(4),
		ArchMinorRev:     u(5),
		ArchMajorRev:     u(6),
		DriverPatchRev:   u(7),
		DriverMinorRev:   u(8),
		DriverMajorRev:   u(9),
		MacsPerCC:        u(10),
		CmdStreamVersion: u(11),
		CustomDMA:        u(12),
	}, nil
}

// Encode encodes a full NETWORK_INFO_REQ packet
func (r *NetworkInfoReq) Encode(msgID uint64) []byte {
	return pack(TypeNetworkInfoReq, msgID, NetworkInfoReqSize, func(b []byte) {
		encodeNetworkBuffer(b, r.Network)
	})
}

// DecodeNetworkInfoReq decodes a NETWORK_INFO_REQ payload
func DecodeNetworkInfoReq(data []byte) (*NetworkInfoReq, error) {
	if len(data) != NetworkInfoReqSize {
		return nil, driver.NewError(driver.StatusBadMessage, "network info request size")
	}
	return &NetworkInfoReq{Network: decodeNetworkBuffer(data)}, nil
}

// Encode encodes a full NETWORK_INFO_RSP packet.
// Layout: desc@0, ifm_count@32, ifm_size[16]@36, ofm_count@100,
// ofm_size[16]@104, status@168.
func (r *NetworkInfoRsp) Encode(msgID uint64) []byte {
	return pack(TypeNetworkInfoRsp, msgID, NetworkInfoRspSize, func(b []byte) {
		copy(b[0:32], r.Desc[:])
		binary.LittleEndian.PutUint32(b[32:36], r.IfmCount)
		for i := 0; i < BufferMax; i++ {
			binary.LittleEndian.PutUint32(b[36+i*4:], r.IfmSize[i])
		}
		binary.LittleEndian.PutUint32(b[100:104], r.OfmCount)
		for i := 0; i < BufferMax; i++ {
			binary.LittleEndian.PutUint32(b[104+i*4:], r.OfmSize[i])
		}
		binary.LittleEndian.PutUint32(b[168:172], uint32(r.Status))
	})
}

// DecodeNetworkInfoRsp decodes a NETWORK_INFO_RSP payload
func DecodeNetworkInfoRsp(data []byte) (*NetworkInfoRsp, error) {
	if len(data) != NetworkInfoRspSize {
		return nil, driver.NewError(driver.StatusBadMessage, "network info response size")
	}
	r := &NetworkInfoRsp{
		IfmCount: binary.LittleEndian.Uint32(data[32:36]),
		OfmCount: binary.LittleEndian.Uint32(data[100:104]),
		Status:   Status(binary.LittleEndian.Uint32(data[168:172])),
	}
	copy(r.Desc[:], data[0:32])
	for i := 0; i < BufferMax; i++ {
		r.IfmSize[i] = binary.LittleEndian.Uint32(data[36+i*4:])
		r.OfmSize[i] = binary.LittleEndian.Uint32(data[104+i*4:])
	}
	return r, nil
}

// Encode encodes a full CANCEL_INFERENCE_REQ packet
func (r *CancelInferenceReq) Encode(msgID uint64) []byte {
	return pack(TypeCancelInferenceReq, msgID, CancelInferenceReqSize, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:8], r.InferenceHandle)
	})
}

// DecodeCancelInferenceReq decodes a CANCEL_INFERENCE_REQ payload
func DecodeCancelInferenceReq(data []byte) (*CancelInferenceReq, error) {
	if len(data) != CancelInferenceReqSize {
		return nil, driver.NewError(driver.StatusBadMessage, "cancel inference request size")
	}
	return &CancelInferenceReq{InferenceHandle: binary.LittleEndian.Uint64(data[0:8])}, nil
}

// Encode encodes a full CANCEL_INFERENCE_RSP packet
func (r *CancelInferenceRsp) Encode(msgID uint64) []byte {
	return pack(TypeCancelInferenceRsp, msgID, CancelInferenceRspSize, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], uint32(r.Status))
	})
}

// DecodeCancelInferenceRsp decodes a CANCEL_INFERENCE_RSP payload
func DecodeCancelInferenceRsp(data []byte) (*CancelInferenceRsp, error) {
	if len(data) != CancelInferenceRspSize {
		return nil, driver.NewError(driver.StatusBadMessage, "cancel inference response size")
	}
	return &CancelInferenceRsp{Status: Status(binary.LittleEndian.Uint32(data[0:4]))}, nil
}

// Encode encodes a full ERR packet
func (r *Err) Encode(msgID uint64) []byte {
	return pack(TypeErr, msgID, ErrSize, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:4], uint32(r.Type))
		copy(b[4:ErrSize-1], r.Msg)
	})
}

// DecodeErr decodes an ERR payload. The message is truncated at the
// first NUL; an unterminated message uses the full field.
func DecodeErr(data []byte) (*Err, error) {
	if len(data) != ErrSize {
		return nil, driver.NewError(driver.StatusBadMessage, "error message size")
	}
	msg := data[4:]
	n := len(msg)
	for i, c := range msg {
		if c == 0 {
			n = i
			break
		}
	}
	return &Err{
		Type: ErrType(binary.LittleEndian.Uint32(data[0:4])),
		Msg:  string(msg[:n]),
	}, nil
}
