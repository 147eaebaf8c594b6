package device

import (
	"context"
	"testing"
	"time"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

func startInference(t *testing.T, td *testDevice) (*Inference, []*Buffer, *Network) {
	t.Helper()

	bufs := createBuffers(t, td.dev, 64, 64)
	net, err := td.dev.CreateNetworkByIndex(0)
	if err != nil {
		t.Fatalf("CreateNetworkByIndex failed: %v", err)
	}

	inf, err := net.CreateInference(context.Background(), InferenceArgs{
		Ifm: bufs[:1],
		Ofm: bufs[1:],
	})
	if err != nil {
		t.Fatalf("CreateInference failed: %v", err)
	}
	return inf, bufs, net
}

func TestCancelFinishedInference(t *testing.T) {
	rsp := &rpmsg.InferenceRsp{Status: rpmsg.StatusOK}
	td := newTestDevice(t, inferenceFirmware(t, rsp))

	inf, _, _ := startInference(t, td)
	defer inf.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inf.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Cancelling a finished inference is a synchronous error status,
	// no packet is exchanged.
	before := td.ept.SentCount()
	state, err := inf.Cancel(context.Background())
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if state != StateError {
		t.Errorf("cancel state = %v, want Error", state)
	}
	if td.ept.SentCount() != before {
		t.Error("cancel of finished inference hit the wire")
	}
}

func TestCancelRacesCompletion(t *testing.T) {
	// Firmware swallows both the inference and the cancel; the test
	// plays its responses by hand.
	td := newTestDevice(t, func(rpmsg.Header, []byte) [][]byte { return nil })

	inf, _, _ := startInference(t, td)
	defer inf.Release()

	handshakeAndInfer := td.ept.SentCount()

	type cancelResult struct {
		state InferenceState
		err   error
	}
	done := make(chan cancelResult, 1)
	go func() {
		state, err := inf.Cancel(context.Background())
		done <- cancelResult{state, err}
	}()

	// Wait for the cancel request to hit the wire, then observe the
	// latched ABORTING state.
	waitSent(t, td.ept, handshakeAndInfer+1)
	if state := inf.Status().State; state != StateAborting {
		t.Fatalf("State = %v, want Aborting", state)
	}

	// The inference completes OK while the cancel is pending. The
	// latch must keep it aborted.
	infRsp := rpmsg.InferenceRsp{Status: rpmsg.StatusOK}
	td.ept.Deliver(infRsp.Encode(inf.msg.ID))

	if state := inf.Status().State; state != StateAborted {
		t.Fatalf("State = %v after racing completion, want Aborted", state)
	}

	// Now the cancel response lands and the cancel finishes OK
	cancelPacket := td.ept.LastSent()
	hdr, err := rpmsg.DecodeHeader(cancelPacket)
	if err != nil || hdr.Type != rpmsg.TypeCancelInferenceReq {
		t.Fatalf("last packet is not the cancel request: %v %v", hdr.Type, err)
	}
	cancelRsp := rpmsg.CancelInferenceRsp{Status: rpmsg.StatusOK}
	td.ept.Deliver(cancelRsp.Encode(hdr.MsgID))

	result := <-done
	if result.err != nil {
		t.Fatalf("Cancel failed: %v", result.err)
	}
	if result.state != StateOK {
		t.Errorf("cancel state = %v, want Ok", result.state)
	}
	if state := inf.Status().State; state != StateAborted {
		t.Errorf("final State = %v, want Aborted", state)
	}
	if td.crash.Count() != 0 {
		t.Errorf("unexpected crash report")
	}
}

func TestCancelTimeoutReportsCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("cancel timeout test waits out the full response timeout")
	}

	td := newTestDevice(t, func(rpmsg.Header, []byte) [][]byte { return nil })

	inf, bufs, net := startInference(t, td)

	state, err := inf.Cancel(context.Background())
	if !driver.IsStatus(err, driver.StatusTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if state != StateError {
		t.Errorf("cancel state = %v, want Error", state)
	}
	if td.crash.Count() != 1 {
		t.Errorf("crash reported %d times, want exactly 1", td.crash.Count())
	}

	// The crash leads to teardown; the fail broadcast aborts the
	// inference and every reference unwinds.
	td.dev.Close()

	if state := inf.Status().State; state != StateAborted {
		t.Errorf("State after fail broadcast = %v, want Aborted", state)
	}
	select {
	case <-inf.Done():
	default:
		t.Error("inference not done after fail broadcast")
	}

	inf.Release()
	net.Release()
	for _, b := range bufs {
		b.Release()
	}

	td.dev.mu.Lock()
	defer td.dev.mu.Unlock()
	if bufs[0].refs != 0 || bufs[1].refs != 0 || net.refs != 0 {
		t.Errorf("references leaked: %d/%d/%d", bufs[0].refs, bufs[1].refs, net.refs)
	}
}
