package shims

import (
	"testing"
	"time"

	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/model"
)

type fakeOwner struct{ id string }

func (f *fakeOwner) PushNotify(uint32, []byte) error { return nil }
func (f *fakeOwner) ID() string                      { return f.id }

func newTestIPCP(t *testing.T) (*model.DataModel, *model.IPCP) {
	t.Helper()
	reg := model.NewRegistry()
	if err := reg.RegisterFactory(NewFactory()); err != nil {
		t.Fatalf("RegisterFactory: %v", err)
	}
	dm, err := reg.GetOrCreateDM("test", config.Default(), logger.Discard)
	if err != nil {
		t.Fatalf("GetOrCreateDM: %v", err)
	}
	ip, err := dm.CreateIPCP("lo0", "loopback-dif", LoopbackDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	return dm, ip
}

// TestLoopbackDeliversToOwnDTP exercises the sdu_write plug-in hook
// directly against a flow, mirroring how a normal IPCP's PDUFT-driven
// send path would invoke it.
func TestLoopbackDeliversToOwnDTP(t *testing.T) {
	dm, ip := newTestIPCP(t)
	f, err := dm.AllocateFlowPending(ip, &fakeOwner{id: "dev1"}, model.FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}

	dtpCfg := dtp.Config{MaxCWQLen: 4, MaxRTXQLen: 4}
	dm.CompleteFlowAllocation(f, f.LocalPort, f.LocalCEP, model.FlowConfig{}, dtpCfg,
		func(pdu []byte) error { return ip.Ops.SduWrite(ip, f, pdu) },
		func() {})

	if err := f.DTP.Send([]byte("ping")); err != nil {
		t.Fatalf("DTP.Send: %v", err)
	}

	select {
	case p := <-f.DeliverChan():
		if string(p) != "ping" {
			t.Fatalf("delivered payload = %q, want ping", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for loopback delivery")
	}
}

func TestLoopbackSduWriteWithoutDTPFails(t *testing.T) {
	_, ip := newTestIPCP(t)
	f := &model.Flow{}
	if err := ip.Ops.SduWrite(ip, f, []byte("x")); err == nil {
		t.Fatalf("SduWrite on a flow with no DTP engine should fail")
	}
}
