package ctrldev

import (
	"testing"
	"time"

	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/flow"
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/model"
	"github.com/ipcpstack/corekernel/internal/proto"
)

const testDIFType = "test-stub"

func stubOps() model.Ops {
	return model.Ops{
		Create:   func(*model.IPCP) (any, error) { return nil, nil },
		Destroy:  func(*model.IPCP) {},
		SduWrite: func(*model.IPCP, *model.Flow, []byte) error { return nil },
		SduRx:    func(*model.IPCP, *model.Flow, []byte) error { return nil },
	}
}

func newTestHarness(t *testing.T) (*model.DataModel, *Dispatcher) {
	t.Helper()
	return newTestHarnessWithConfig(t, config.Default())
}

func newTestHarnessWithConfig(t *testing.T, cfg config.Config) (*model.DataModel, *Dispatcher) {
	t.Helper()
	reg := model.NewRegistry()
	if err := reg.RegisterFactory(&model.Factory{
		DIFType: testDIFType,
		Ops:     stubOps(),
		Owner:   model.NewModuleRef(testDIFType),
	}); err != nil {
		t.Fatalf("RegisterFactory: %v", err)
	}
	dm, err := reg.GetOrCreateDM("test", cfg, logger.Discard)
	if err != nil {
		t.Fatalf("GetOrCreateDM: %v", err)
	}
	eng := flow.New(dm, cfg, logger.Discard)
	writeLower := func(ipcp *model.IPCP, f *model.Flow, pdu []byte) error {
		return ipcp.Ops.SduWrite(ipcp, f, pdu)
	}
	disp := NewDispatcher(dm, eng, writeLower)
	return dm, disp
}

func TestHandleIpcpCreateAndDestroy(t *testing.T) {
	dm, disp := newTestHarness(t)
	d := New(nil, config.Default(), true, logger.Discard)

	raw, err := proto.Encode(proto.TypeIpcpCreate, 1, proto.IpcpCreate{Name: "ipcp1", DIFName: "dif1", DIFType: testDIFType})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, body, err := proto.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp, err := disp.Dispatch(d, h, body)
	if err != nil {
		t.Fatalf("Dispatch IpcpCreate: %v", err)
	}
	_, respBody, err := proto.Decode(resp)
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	var createResp proto.IpcpCreateResp
	if err := proto.DecodeBody(respBody, &createResp); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if createResp.Err != "" {
		t.Fatalf("IpcpCreateResp.Err = %q, want empty", createResp.Err)
	}
	if createResp.ID != 0 {
		t.Fatalf("IpcpCreateResp.ID = %d, want 0 for the first ipcp in a fresh namespace", createResp.ID)
	}

	raw, err = proto.Encode(proto.TypeIpcpDestroy, 2, proto.IpcpDestroy{ID: createResp.ID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, body, err = proto.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := disp.Dispatch(d, h, body); err != nil {
		t.Fatalf("Dispatch IpcpDestroy: %v", err)
	}
	if _, ok := dm.LookupIPCPByID(createResp.ID); ok {
		t.Fatalf("ipcp %d still present after IpcpDestroy", createResp.ID)
	}
}

func TestPrivilegedOperationRejectedForNonAdmin(t *testing.T) {
	_, disp := newTestHarness(t)
	d := New(nil, config.Default(), false, logger.Discard)

	raw, _ := proto.Encode(proto.TypeIpcpCreate, 1, proto.IpcpCreate{Name: "ipcp1", DIFName: "dif1", DIFType: testDIFType})
	h, body, _ := proto.Decode(raw)
	_, err := disp.Dispatch(d, h, body)
	if err == nil {
		t.Fatalf("a non-admin device issuing IpcpCreate should be refused")
	}
	kind, ok := kerr.KindOf(err)
	if !ok || kind != kerr.Permission {
		t.Fatalf("error kind = %v, want Permission", kind)
	}
}

func TestApplRegisterAndFetchRoundTrip(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)
	disp.RegisterDevice(admin)
	defer disp.UnregisterDevice(admin)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeApplRegister, 2, proto.ApplRegister{IPCPID: ip.ID, Name: "app.a", Reg: true})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(admin, h, body); err != nil {
		t.Fatalf("Dispatch ApplRegister: %v", err)
	}

	fetchRaw, _ := proto.Encode(proto.TypeRegFetch, 3, proto.RegFetch{IPCPID: ip.ID})
	fh, fbody, _ := proto.Decode(fetchRaw)
	resp, err := disp.Dispatch(admin, fh, fbody)
	if err != nil {
		t.Fatalf("Dispatch RegFetch: %v", err)
	}
	_, rbody, _ := proto.Decode(resp)
	var fetchResp proto.RegFetchResp
	if err := proto.DecodeBody(rbody, &fetchResp); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if fetchResp.Name != "app.a" {
		t.Fatalf("RegFetchResp.Name = %q, want app.a", fetchResp.Name)
	}

	// The next fetch on the same ipcp id should report End.
	resp2, err := disp.Dispatch(admin, fh, fbody)
	if err != nil {
		t.Fatalf("Dispatch RegFetch (2nd): %v", err)
	}
	_, rbody2, _ := proto.Decode(resp2)
	var fetchResp2 proto.RegFetchResp
	if err := proto.DecodeBody(rbody2, &fetchResp2); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !fetchResp2.End {
		t.Fatalf("second RegFetch should report End=true")
	}
}

func TestApplMoveResolvesRegisteredDevice(t *testing.T) {
	dm, disp := newTestHarness(t)
	owner1 := New(dm, config.Default(), true, logger.Discard)
	owner2 := New(dm, config.Default(), true, logger.Discard)
	disp.RegisterDevice(owner1)
	disp.RegisterDevice(owner2)
	defer disp.UnregisterDevice(owner1)
	defer disp.UnregisterDevice(owner2)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	if _, err := dm.RegisterAppl(ip, "app.a", owner1, 0, model.RegComplete); err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeApplMove, 4, proto.ApplMove{IPCPID: ip.ID, Name: "app.a", NewOwnerID: owner2.ID()})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(owner1, h, body); err != nil {
		t.Fatalf("Dispatch ApplMove: %v", err)
	}

	a, ok := dm.LookupAppl(ip, "app.a")
	if !ok {
		t.Fatalf("app.a should still be registered after ApplMove")
	}
	if a.Owner != owner2 {
		t.Fatalf("Owner after ApplMove = %v, want owner2", a.Owner)
	}
}

func TestHandleFaReqSelectsIPCPByDIFNameNotIPCPName(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)

	// The ipcp is named "nx", distinct from the dif it joins, "d1" —
	// FaReq must resolve through DIF membership, not by treating
	// dif_name as an ipcp name.
	if _, err := dm.CreateIPCP("nx", "d1", testDIFType); err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeFaReq, 1, proto.FaReq{
		DIFName:    "d1",
		LocalAppl:  "alice",
		RemoteAppl: "bob",
	})
	h, body, _ := proto.Decode(raw)
	_, err := disp.Dispatch(admin, h, body)
	if err == nil {
		t.Fatalf("FaReq against an ipcp with no flow_allocate_req hook and no uipcp should fail")
	}
	// The failure must be the "no uipcp" NotImpl from past the DIF
	// lookup, not the "no ipcp for dif" NotFound the lookup itself
	// would raise if it were still resolving by ipcp name.
	if kind, _ := kerr.KindOf(err); kind != kerr.NotImpl {
		t.Fatalf("error kind = %v, want NotImpl (got past DIF resolution); a NotFound here means FaReq is still resolving by ipcp name", kind)
	}
}

func TestHandleIpcpConfigAndConfigGetWithoutHookAreNotImpl(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeIpcpConfig, 1, proto.IpcpConfig{ID: ip.ID, Key: "k", Value: "v"})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(admin, h, body); err == nil {
		t.Fatalf("IpcpConfig against a dif type with no Config hook should fail")
	} else if kind, _ := kerr.KindOf(err); kind != kerr.NotImpl {
		t.Fatalf("error kind = %v, want NotImpl", kind)
	}

	getRaw, _ := proto.Encode(proto.TypeIpcpConfigGet, 2, proto.IpcpConfigGet{ID: ip.ID, Key: "k"})
	gh, gbody, _ := proto.Decode(getRaw)
	resp, err := disp.Dispatch(admin, gh, gbody)
	if err != nil {
		t.Fatalf("Dispatch IpcpConfigGet: %v", err)
	}
	_, rbody, _ := proto.Decode(resp)
	var getResp proto.IpcpConfigGetResp
	if err := proto.DecodeBody(rbody, &getResp); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if getResp.Err == "" {
		t.Fatalf("IpcpConfigGetResp.Err should be set when the dif type has no ConfigGet hook")
	}
}

func TestHandleUipcpWaitTimesOutWithoutAttachment(t *testing.T) {
	cfg := config.Default()
	cfg.UipcpWaitTimeout = 10 * time.Millisecond
	dm, disp := newTestHarnessWithConfig(t, cfg)
	admin := New(dm, cfg, true, logger.Discard)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeUipcpWait, 1, proto.UipcpWait{ID: ip.ID})
	h, body, _ := proto.Decode(raw)
	start := time.Now()
	_, err = disp.Dispatch(admin, h, body)
	if err == nil {
		t.Fatalf("UipcpWait on an ipcp with no attached uipcp should time out")
	}
	if kind, _ := kerr.KindOf(err); kind != kerr.Interrupted {
		t.Fatalf("error kind = %v, want Interrupted", kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("UipcpWait took %v, want well under the default 30s timeout", elapsed)
	}
}

func TestHandleUipcpWaitReturnsOnceAttached(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)
	uipcp := New(dm, config.Default(), true, logger.Discard)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	if err := dm.SetUipcp(ip.ID, uipcp); err != nil {
		t.Fatalf("SetUipcp: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeUipcpWait, 1, proto.UipcpWait{ID: ip.ID})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(admin, h, body); err != nil {
		t.Fatalf("UipcpWait should return immediately once a uipcp is already attached: %v", err)
	}
}

func TestHandleStatsReflectsLiveCounts(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	if _, err := dm.RegisterAppl(ip, "app.a", admin, 0, model.RegComplete); err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeStats, 1, proto.Stats{ID: ip.ID})
	h, body, _ := proto.Decode(raw)
	resp, err := disp.Dispatch(admin, h, body)
	if err != nil {
		t.Fatalf("Dispatch Stats: %v", err)
	}
	_, rbody, _ := proto.Decode(resp)
	var statsResp proto.StatsResp
	if err := proto.DecodeBody(rbody, &statsResp); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if statsResp.Err != "" {
		t.Fatalf("StatsResp.Err = %q, want empty", statsResp.Err)
	}
	if statsResp.Applications != 1 {
		t.Fatalf("StatsResp.Applications = %d, want 1", statsResp.Applications)
	}
}

func TestHandleSchedPfifoRequiresBoundUpper(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)

	lower, err := dm.CreateIPCP("lower", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	upper, err := dm.CreateIPCP("upper", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeIpcpSchedPfifo, 1, proto.IpcpSchedPfifo{IPCPID: lower.ID})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(admin, h, body); err == nil {
		t.Fatalf("IpcpSchedPfifo on an ipcp with no bound upper should fail")
	}

	f, err := dm.AllocateFlowPending(lower, admin, model.FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	f.BindUpperIPCP(upper)

	if _, err := disp.Dispatch(admin, h, body); err != nil {
		t.Fatalf("IpcpSchedPfifo once an upper is bound: %v", err)
	}
	lower.Mu.Lock()
	wrr := lower.SchedWRR
	lower.Mu.Unlock()
	if wrr {
		t.Fatalf("SchedWRR should be false after IpcpSchedPfifo")
	}
}

func TestHandleFlowCfgUpdateAppliesToRunningDTP(t *testing.T) {
	dm, disp := newTestHarness(t)
	admin := New(dm, config.Default(), true, logger.Discard)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	f, err := dm.AllocateFlowPending(ip, admin, model.FlowSpec{}, 0, 0, 1)
	if err != nil {
		t.Fatalf("AllocateFlowPending: %v", err)
	}
	dtpCfg := dtp.Config{InitialCredit: 32, MaxCWQLen: 8, MaxRTXQLen: 8}
	dm.CompleteFlowAllocation(f, 7, 8, model.FlowConfig{}, dtpCfg, func([]byte) error { return nil }, func() {})

	raw, _ := proto.Encode(proto.TypeFlowCfgUpdate, 1, proto.FlowCfgUpdate{
		Port:                f.LocalPort,
		WindowedFlowControl: true,
		RtxControl:          true,
		InitialCredit:       128,
	})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(admin, h, body); err != nil {
		t.Fatalf("Dispatch FlowCfgUpdate: %v", err)
	}
	f.Mu.Lock()
	cfg := f.Cfg
	f.Mu.Unlock()
	if !cfg.WindowedFlowControl || !cfg.RtxControl || cfg.InitialCredit != 128 {
		t.Fatalf("Flow.Cfg after FlowCfgUpdate = %+v, want windowed+rtx+credit 128", cfg)
	}
}

func TestApplMoveUnknownDeviceFails(t *testing.T) {
	dm, disp := newTestHarness(t)
	owner1 := New(dm, config.Default(), true, logger.Discard)
	disp.RegisterDevice(owner1)
	defer disp.UnregisterDevice(owner1)

	ip, err := dm.CreateIPCP("ipcp1", "dif1", testDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP: %v", err)
	}
	if _, err := dm.RegisterAppl(ip, "app.a", owner1, 0, model.RegComplete); err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}

	raw, _ := proto.Encode(proto.TypeApplMove, 4, proto.ApplMove{IPCPID: ip.ID, Name: "app.a", NewOwnerID: "does-not-exist"})
	h, body, _ := proto.Decode(raw)
	if _, err := disp.Dispatch(owner1, h, body); err == nil {
		t.Fatalf("ApplMove to an unregistered device id should fail")
	}
}
