package model

import (
	"testing"

	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/kerr"
)

func TestAllocateFlowPendingCreatesLookupableFlow(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{}, 0, 0xdead, 42)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	if f.State != FlowPending {
		t.Fatalf("State = %v, want FlowPending", f.State)
	}
	if got, ok := dm.LookupFlowByPort(f.LocalPort); !ok || got != f {
		t.Fatalf("LookupFlowByPort(%d) = %v,%v; want %v,true", f.LocalPort, got, ok, f)
	}
	ports := dm.SnapshotFlowPorts(ip)
	if len(ports) != 1 || ports[0] != f.LocalPort {
		t.Fatalf("SnapshotFlowPorts = %v, want [%d]", ports, f.LocalPort)
	}
}

func TestAllocateFlowPendingOnZombieIPCPFails(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	if err := dm.DestroyIPCP(ip.ID); err != nil {
		t.Fatalf("DestroyIPCP: %v", err)
	}
	if _, err := dm.AllocateFlowPending(ip, &fakeApplOwner{id: "dev1"}, FlowSpec{}, 0, 0, 1); err == nil {
		t.Fatalf("AllocateFlowPending on a destroyed ipcp should fail")
	}
}

func TestDeallocatePendingFlowRemovesItInline(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	if err := dm.DeallocateFlow(f.LocalPort, f.UID); err != nil {
		t.Fatalf("DeallocateFlow: %v", err)
	}
	if _, ok := dm.LookupFlowByPort(f.LocalPort); ok {
		t.Fatalf("flow should be gone from the port table after deallocation")
	}
}

func TestDeallocateFlowRejectsStaleUID(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	if err := dm.DeallocateFlow(f.LocalPort, f.UID+1); err == nil {
		t.Fatalf("DeallocateFlow with a mismatched uid should fail, protecting against a port-id reuse race")
	}
	// the flow must still be present since the mismatched request was rejected
	if _, ok := dm.LookupFlowByPort(f.LocalPort); !ok {
		t.Fatalf("flow should remain after a rejected deallocation")
	}
}

func TestCompleteFlowAllocationInitializesDTP(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{InOrderDelivery: true}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	cfg := FlowConfig{WindowedFlowControl: true, InitialCredit: 64}
	dtpCfg := dtp.Config{InitialCredit: 64, MaxCWQLen: 8, MaxRTXQLen: 8}
	dm.CompleteFlowAllocation(f, 7, 8, cfg, dtpCfg, func([]byte) error { return nil }, func() {})

	if f.State != FlowAllocated {
		t.Fatalf("State = %v, want FlowAllocated", f.State)
	}
	if f.RemotePort != 7 || f.RemoteCEP != 8 {
		t.Fatalf("RemotePort/RemoteCEP = %d,%d; want 7,8", f.RemotePort, f.RemoteCEP)
	}
	if f.DTP == nil {
		t.Fatalf("DTP should be initialized after CompleteFlowAllocation")
	}
}

func TestDeallocateFlowWithQueuedDataIsParked(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	dtpCfg := dtp.Config{InitialCredit: 1, MaxCWQLen: 8, MaxRTXQLen: 8, RtxControl: true}
	dm.CompleteFlowAllocation(f, 1, 1, FlowConfig{RtxControl: true}, dtpCfg, func([]byte) error { return nil }, func() {})

	// Send one SDU with no ack yet expected, populating the retransmission
	// queue so the flow looks like it still has data in flight.
	if err := f.DTP.Send([]byte("hello")); err != nil {
		t.Fatalf("DTP.Send: %v", err)
	}
	if !f.HasQueuedData() {
		t.Skip("dtp implementation drained the rtx queue synchronously; nothing to park")
	}

	if err := dm.DeallocateFlow(f.LocalPort, f.UID); err != nil {
		t.Fatalf("DeallocateFlow: %v", err)
	}
	// A parked flow stays in the port table (marked DEALLOCATED) until
	// its grace period expires and the put-queue sweep finalizes it.
	got, ok := dm.LookupFlowByPort(f.LocalPort)
	if !ok || got != f {
		t.Fatalf("parked flow should remain in the port table during its grace period")
	}
	if f.State != FlowDeallocated {
		t.Fatalf("State = %v, want FlowDeallocated", f.State)
	}
	if !f.Flags.Has(FlagDelPostponed) {
		t.Fatalf("Flags should have FlagDelPostponed set once parked")
	}

	// A second flow_dealloc on the same (port, uid), still parked and
	// awaiting its grace timer, must be rejected rather than
	// double-finalizing it (spec.md §8's double flow_dealloc case).
	if err := dm.DeallocateFlow(f.LocalPort, f.UID); err == nil {
		t.Fatalf("a second DeallocateFlow on an already-parked flow should fail")
	} else if kind, _ := kerr.KindOf(err); kind != kerr.NotFound {
		t.Fatalf("error kind = %v, want NotFound", kind)
	}
}

func TestDestroyIPCPDoesNotDoubleFinalizeAParkedFlow(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(ip, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	dtpCfg := dtp.Config{InitialCredit: 1, MaxCWQLen: 8, MaxRTXQLen: 8, RtxControl: true}
	dm.CompleteFlowAllocation(f, 1, 1, FlowConfig{RtxControl: true}, dtpCfg, func([]byte) error { return nil }, func() {})
	if err := f.DTP.Send([]byte("hello")); err != nil {
		t.Fatalf("DTP.Send: %v", err)
	}
	if !f.HasQueuedData() {
		t.Skip("dtp implementation drained the rtx queue synchronously; nothing to park")
	}

	// Deallocate parks the flow (its queues are non-empty), leaving it
	// in flowByPort under dm.putQueue's grace timer.
	if err := dm.DeallocateFlow(f.LocalPort, f.UID); err != nil {
		t.Fatalf("DeallocateFlow: %v", err)
	}

	// Destroying the owning ipcp re-scans flowByPort and finds the same
	// still-parked flow; this must not panic with a negative refcount.
	if err := dm.DestroyIPCP(ip.ID); err != nil {
		t.Fatalf("DestroyIPCP: %v", err)
	}
}
