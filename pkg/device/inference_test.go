package device

import (
	"context"
	"testing"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// inferenceFirmware answers inference requests with the canned
// response, or swallows them when rsp is nil.
func inferenceFirmware(t *testing.T, rsp *rpmsg.InferenceRsp) func(hdr rpmsg.Header, packet []byte) [][]byte {
	return func(hdr rpmsg.Header, packet []byte) [][]byte {
		if hdr.Type != rpmsg.TypeInferenceReq {
			return nil
		}
		if _, err := rpmsg.DecodeInferenceReq(packet[rpmsg.HeaderSize:]); err != nil {
			t.Errorf("malformed inference request: %v", err)
			return nil
		}
		if rsp == nil {
			return nil
		}
		return [][]byte{rsp.Encode(hdr.MsgID)}
	}
}

func createBuffers(t *testing.T, d *Device, sizes ...uint32) []*Buffer {
	t.Helper()
	bufs := make([]*Buffer, len(sizes))
	for i, size := range sizes {
		b, err := d.CreateBuffer(size)
		if err != nil {
			t.Fatalf("CreateBuffer(%d) failed: %v", size, err)
		}
		bufs[i] = b
	}
	return bufs
}

func TestInferenceHappyPath(t *testing.T) {
	rsp := &rpmsg.InferenceRsp{
		OfmCount:           1,
		Status:             rpmsg.StatusOK,
		PmuEventCount:      [rpmsg.PmuMax]uint64{10, 20, 30, 40},
		CycleCounterEnable: 1,
		CycleCounterCount:  12345,
	}
	rsp.OfmSize[0] = 256

	td := newTestDevice(t, inferenceFirmware(t, rsp))

	bufs := createBuffers(t, td.dev, 256, 256)
	net, err := td.dev.CreateNetworkByIndex(0)
	if err != nil {
		t.Fatalf("CreateNetworkByIndex failed: %v", err)
	}

	inf, err := net.CreateInference(context.Background(), InferenceArgs{
		Ifm: bufs[:1],
		Ofm: bufs[1:],
		Pmu: PmuConfig{CycleCounter: true},
	})
	if err != nil {
		t.Fatalf("CreateInference failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inf.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	result := inf.Status()
	if result.State != StateOK {
		t.Fatalf("State = %v, want Ok", result.State)
	}
	if result.PmuEventCount != [PmuEventMax]uint64{10, 20, 30, 40} {
		t.Errorf("PmuEventCount = %v", result.PmuEventCount)
	}
	if !result.CycleCounterEnable || result.CycleCounterCount != 12345 {
		t.Errorf("cycle counter = %v/%d", result.CycleCounterEnable, result.CycleCounterCount)
	}
	if len(result.OfmSizes) != 1 || result.OfmSizes[0] != 256 {
		t.Errorf("OfmSizes = %v", result.OfmSizes)
	}

	// Edge-triggered readiness: the done channel stays closed
	select {
	case <-inf.Done():
	default:
		t.Error("Done channel not closed after completion")
	}

	inf.Release()
	net.Release()
	for _, b := range bufs {
		b.Release()
	}
}

func TestInferenceStatusWhileRunning(t *testing.T) {
	td := newTestDevice(t, inferenceFirmware(t, nil))

	bufs := createBuffers(t, td.dev, 64, 64)
	net, _ := td.dev.CreateNetworkByIndex(1)

	inf, err := net.CreateInference(context.Background(), InferenceArgs{
		Ifm: bufs[:1],
		Ofm: bufs[1:],
		Pmu: PmuConfig{Events: [PmuEventMax]uint32{3, 0, 0, 0}},
	})
	if err != nil {
		t.Fatalf("CreateInference failed: %v", err)
	}
	defer inf.Release()

	result := inf.Status()
	if result.State != StateRunning {
		t.Errorf("State = %v, want Running", result.State)
	}
	if result.PmuEventConfig[0] != 3 {
		t.Errorf("PmuEventConfig = %v", result.PmuEventConfig)
	}
	if result.PmuEventCount != ([PmuEventMax]uint64{}) {
		t.Errorf("counts should be zero while running: %v", result.PmuEventCount)
	}

	select {
	case <-inf.Done():
		t.Error("Done channel closed while running")
	default:
	}
}

func TestInferenceRejected(t *testing.T) {
	rsp := &rpmsg.InferenceRsp{Status: rpmsg.StatusRejected}
	td := newTestDevice(t, inferenceFirmware(t, rsp))

	bufs := createBuffers(t, td.dev, 64, 64)
	net, _ := td.dev.CreateNetworkByIndex(0)

	inf, err := net.CreateInference(context.Background(), InferenceArgs{Ifm: bufs[:1], Ofm: bufs[1:]})
	if err != nil {
		t.Fatalf("CreateInference failed: %v", err)
	}
	defer inf.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inf.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if state := inf.Status().State; state != StateRejected {
		t.Errorf("State = %v, want Rejected", state)
	}
	// A rejected job is a normal outcome, not a firmware crash
	if td.crash.Count() != 0 {
		t.Errorf("crash reported for rejected inference")
	}
}

func TestInferenceTooManyBuffers(t *testing.T) {
	td := newTestDevice(t, inferenceFirmware(t, nil))

	bufs := createBuffers(t, td.dev, 64)
	net, _ := td.dev.CreateNetworkByIndex(0)

	ifm := make([]*Buffer, FdMax+1)
	for i := range ifm {
		ifm[i] = bufs[0]
	}

	before := td.ept.SentCount()
	_, err := net.CreateInference(context.Background(), InferenceArgs{Ifm: ifm, Ofm: bufs})
	if !driver.IsStatus(err, driver.StatusFaulted) {
		t.Fatalf("expected faulted, got %v", err)
	}

	// No packet went out and no reference was taken
	if td.ept.SentCount() != before {
		t.Error("request sent despite limit violation")
	}
	if bufs[0].refs != 1 {
		t.Errorf("buffer refs = %d, want 1", bufs[0].refs)
	}
	td.dev.mu.Lock()
	if td.dev.mbox.Pending() != 0 {
		t.Errorf("correlation id leaked: %d pending", td.dev.mbox.Pending())
	}
	td.dev.mu.Unlock()
}

func TestInferenceReleasedBufferRejected(t *testing.T) {
	td := newTestDevice(t, inferenceFirmware(t, nil))

	bufs := createBuffers(t, td.dev, 64, 64)
	net, _ := td.dev.CreateNetworkByIndex(0)

	bufs[0].Release()

	_, err := net.CreateInference(context.Background(), InferenceArgs{Ifm: bufs[:1], Ofm: bufs[1:]})
	if !driver.IsStatus(err, driver.StatusFaulted) {
		t.Fatalf("expected faulted, got %v", err)
	}
	// The healthy buffer keeps only its creator's reference
	if bufs[1].refs != 1 {
		t.Errorf("ofm buffer refs = %d, want 1", bufs[1].refs)
	}
}

func TestInferenceRefcountConservation(t *testing.T) {
	rsp := &rpmsg.InferenceRsp{OfmCount: 1, Status: rpmsg.StatusOK}
	rsp.OfmSize[0] = 64
	td := newTestDevice(t, inferenceFirmware(t, rsp))

	bufs := createBuffers(t, td.dev, 64, 64)
	net, err := td.dev.CreateNetwork([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("CreateNetwork failed: %v", err)
	}

	inf, err := net.CreateInference(context.Background(), InferenceArgs{Ifm: bufs[:1], Ofm: bufs[1:]})
	if err != nil {
		t.Fatalf("CreateInference failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inf.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if bufs[0].refs != 2 || bufs[1].refs != 2 {
		t.Errorf("buffer refs while inference alive: %d/%d, want 2/2",
			bufs[0].refs, bufs[1].refs)
	}

	inf.Release()

	if bufs[0].refs != 1 || bufs[1].refs != 1 {
		t.Errorf("buffer refs after inference release: %d/%d, want 1/1",
			bufs[0].refs, bufs[1].refs)
	}
	if net.refs != 1 {
		t.Errorf("network refs = %d, want 1", net.refs)
	}

	net.Release()
	for _, b := range bufs {
		b.Release()
	}
	if bufs[0].mem != nil || bufs[1].mem != nil || net.mem != nil {
		t.Error("DMA regions not released at quiescence")
	}
}
