package model

import (
	"testing"

	"github.com/ipcpstack/corekernel/internal/dtp"
)

func TestPDUFTSetRequiresBoundUpper(t *testing.T) {
	dm := newTestDM(t)
	lower := mustCreateIPCP(t, dm, "lower")
	upper := mustCreateIPCP(t, dm, "upper")
	other := mustCreateIPCP(t, dm, "other")

	rc := &fakeApplOwner{id: "dev1"}
	f, err := dm.AllocateFlowPending(lower, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}

	// No upper bound yet: every PDUFTSet should be refused.
	if err := dm.PDUFTSet(lower, upper, 0x10, f); err == nil {
		t.Fatalf("PDUFTSet before any upper is bound should fail")
	}

	f.BindUpperIPCP(upper)

	if err := dm.PDUFTSet(lower, upper, 0x10, f); err != nil {
		t.Fatalf("PDUFTSet from the bound upper: %v", err)
	}
	got, ok := lower.PDUFT.Lookup(0x10)
	if !ok || got != f {
		t.Fatalf("PDUFT.Lookup(0x10) = %v,%v; want %v,true", got, ok, f)
	}

	if err := dm.PDUFTSet(lower, other, 0x11, f); err == nil {
		t.Fatalf("PDUFTSet from a non-bound upper should fail")
	}
}

func TestPDUFTDelAndFlush(t *testing.T) {
	dm := newTestDM(t)
	lower := mustCreateIPCP(t, dm, "lower")
	upper := mustCreateIPCP(t, dm, "upper")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(lower, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	f.BindUpperIPCP(upper)

	if err := dm.PDUFTSet(lower, upper, 0x1, f); err != nil {
		t.Fatalf("PDUFTSet: %v", err)
	}
	if err := dm.PDUFTSet(lower, upper, 0x2, f); err != nil {
		t.Fatalf("PDUFTSet: %v", err)
	}
	if err := dm.PDUFTDel(lower, upper, 0x1); err != nil {
		t.Fatalf("PDUFTDel: %v", err)
	}
	if _, ok := lower.PDUFT.Lookup(0x1); ok {
		t.Fatalf("addr 0x1 should have been deleted")
	}
	if err := dm.PDUFTFlush(lower, upper); err != nil {
		t.Fatalf("PDUFTFlush: %v", err)
	}
	if lower.PDUFT.Len() != 0 {
		t.Fatalf("PDUFT should be empty after Flush, got Len()=%d", lower.PDUFT.Len())
	}
}

func TestSetSchedConfig(t *testing.T) {
	dm := newTestDM(t)
	lower := mustCreateIPCP(t, dm, "lower")
	upper := mustCreateIPCP(t, dm, "upper")
	rc := &fakeApplOwner{id: "dev1"}

	f, err := dm.AllocateFlowPending(lower, rc, FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	f.BindUpperIPCP(upper)

	weights := map[uint8]int{0: 1, 1: 3}
	if err := dm.SetSchedConfig(lower, upper, true, weights); err != nil {
		t.Fatalf("SetSchedConfig: %v", err)
	}
	lower.Mu.Lock()
	wrr, w := lower.SchedWRR, lower.SchedWeights
	lower.Mu.Unlock()
	if !wrr {
		t.Fatalf("SchedWRR should be true")
	}
	if w[1] != 3 {
		t.Fatalf("SchedWeights[1] = %d, want 3", w[1])
	}
	lower.Mu.Lock()
	sched := lower.Scheduler
	lower.Mu.Unlock()
	if _, ok := sched.(*dtp.WRR); !ok {
		t.Fatalf("Scheduler = %T, want *dtp.WRR after enabling WRR", sched)
	}
}

func TestSetQoSCubesAndCheckQosSupported(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	cubes := []QoSCube{{ID: 1, Name: "gold", MaxDelayMs: 10}}
	if err := dm.SetQoSCubes(ip, cubes); err != nil {
		t.Fatalf("SetQoSCubes: %v", err)
	}
	ip.Mu.Lock()
	got := ip.QoSCubes
	ip.Mu.Unlock()
	if len(got) != 1 || got[0].Name != "gold" {
		t.Fatalf("QoSCubes = %v, want [gold]", got)
	}
	// No plug-in QosSupported hook installed: admission is unconditional.
	if err := dm.CheckQosSupported(ip, FlowSpec{}); err != nil {
		t.Fatalf("CheckQosSupported with no policy hook: %v", err)
	}
}
