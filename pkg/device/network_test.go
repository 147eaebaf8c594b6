package device

import (
	"bytes"
	"context"
	"testing"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

func TestCreateNetworkCopiesBytes(t *testing.T) {
	td := newTestDevice(t, nil)

	data := []byte{0xC0, 0xFF, 0xEE, 0x42}
	net, err := td.dev.CreateNetwork(data)
	if err != nil {
		t.Fatalf("CreateNetwork failed: %v", err)
	}
	defer net.Release()

	// The caller's slice is copied, not retained
	data[0] = 0
	td.dev.mu.Lock()
	got := append([]byte(nil), net.mem.CPU()...)
	td.dev.mu.Unlock()
	if !bytes.Equal(got, []byte{0xC0, 0xFF, 0xEE, 0x42}) {
		t.Errorf("network DMA contents = %x", got)
	}
}

func TestCreateNetworkEmpty(t *testing.T) {
	td := newTestDevice(t, nil)

	if _, err := td.dev.CreateNetwork(nil); !driver.IsStatus(err, driver.StatusInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestCreateBufferZeroSize(t *testing.T) {
	td := newTestDevice(t, nil)

	if _, err := td.dev.CreateBuffer(0); !driver.IsStatus(err, driver.StatusInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestBufferContentsShared(t *testing.T) {
	td := newTestDevice(t, nil)

	buf, err := td.dev.CreateBuffer(128)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer buf.Release()

	if buf.Size() != 128 {
		t.Errorf("Size() = %d, want 128", buf.Size())
	}

	view := buf.Bytes()
	view[0] = 0x5A
	if buf.Bytes()[0] != 0x5A {
		t.Error("mapped view is not live")
	}
}

func TestBufferClone(t *testing.T) {
	td := newTestDevice(t, nil)

	buf, err := td.dev.CreateBuffer(32)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}

	clone, err := buf.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	// The original release keeps the clone's reference alive
	buf.Release()
	if clone.Bytes() == nil {
		t.Fatal("buffer destroyed while a clone is held")
	}

	clone.Release()
	if clone.Bytes() != nil {
		t.Error("buffer survived its last release")
	}

	if _, err := buf.Clone(); !driver.IsStatus(err, driver.StatusFaulted) {
		t.Errorf("expected faulted cloning a destroyed buffer, got %v", err)
	}
}

// networkInfoFirmware answers network info requests with rsp
func networkInfoFirmware(rsp *rpmsg.NetworkInfoRsp) func(hdr rpmsg.Header, packet []byte) [][]byte {
	return func(hdr rpmsg.Header, packet []byte) [][]byte {
		if hdr.Type != rpmsg.TypeNetworkInfoReq {
			return nil
		}
		return [][]byte{rsp.Encode(hdr.MsgID)}
	}
}

func TestNetworkInfo(t *testing.T) {
	rsp := &rpmsg.NetworkInfoRsp{IfmCount: 2, OfmCount: 1, Status: rpmsg.StatusOK}
	copy(rsp.Desc[:], "mobilenet_v2")
	rsp.IfmSize[0] = 150528
	rsp.IfmSize[1] = 1024
	rsp.OfmSize[0] = 1001

	td := newTestDevice(t, networkInfoFirmware(rsp))

	net, _ := td.dev.CreateNetworkByIndex(0)
	defer net.Release()

	info, err := net.Info(context.Background())
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}

	if info.Desc != "mobilenet_v2" {
		t.Errorf("Desc = %q", info.Desc)
	}
	if len(info.IfmSizes) != 2 || info.IfmSizes[0] != 150528 || info.IfmSizes[1] != 1024 {
		t.Errorf("IfmSizes = %v", info.IfmSizes)
	}
	if len(info.OfmSizes) != 1 || info.OfmSizes[0] != 1001 {
		t.Errorf("OfmSizes = %v", info.OfmSizes)
	}
}

func TestNetworkInfoValidation(t *testing.T) {
	unterminated := rpmsg.NetworkInfoRsp{Status: rpmsg.StatusOK}
	for i := range unterminated.Desc {
		unterminated.Desc[i] = 'a'
	}

	tests := []struct {
		name string
		rsp  rpmsg.NetworkInfoRsp
		want driver.Status
	}{
		{
			name: "firmware rejects",
			rsp:  rpmsg.NetworkInfoRsp{Status: rpmsg.StatusError},
			want: driver.StatusBadFile,
		},
		{
			name: "too many feature maps",
			rsp:  rpmsg.NetworkInfoRsp{IfmCount: FdMax + 1, Status: rpmsg.StatusOK},
			want: driver.StatusTooManyFiles,
		},
		{
			name: "unterminated description",
			rsp:  unterminated,
			want: driver.StatusMessageTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := newTestDevice(t, networkInfoFirmware(&tt.rsp))

			net, _ := td.dev.CreateNetworkByIndex(0)
			defer net.Release()

			if _, err := net.Info(context.Background()); !driver.IsStatus(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNetworkDescriptorVariants(t *testing.T) {
	td := newTestDevice(t, nil)

	byIndex, _ := td.dev.CreateNetworkByIndex(5)
	defer byIndex.Release()
	byBuffer, err := td.dev.CreateNetwork([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("CreateNetwork failed: %v", err)
	}
	defer byBuffer.Release()

	td.dev.mu.Lock()
	defer td.dev.mu.Unlock()

	if d := byIndex.descriptor(); d.Kind != rpmsg.NetworkKindIndex || d.Index != 5 {
		t.Errorf("index descriptor = %+v", d)
	}
	if d := byBuffer.descriptor(); d.Kind != rpmsg.NetworkKindBuffer || d.Buffer.Size != 3 {
		t.Errorf("buffer descriptor = %+v", d)
	}
}
