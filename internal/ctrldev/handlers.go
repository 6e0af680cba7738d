package ctrldev

import (
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/model"
	"github.com/ipcpstack/corekernel/internal/proto"
)

func specFromWire(s proto.FlowSpec) model.FlowSpec {
	return model.FlowSpec{
		MaxDelayMs:      s.MaxDelayMs,
		MaxLossPct:      s.MaxLossPct,
		MaxJitterMs:     s.MaxJitterMs,
		InOrderDelivery: s.InOrderDelivery,
		PartialDelivery: s.PartialDelivery,
		OrderedDelivery: s.OrderedDelivery,
	}
}

// negotiateConfig derives a FlowConfig from the requested FlowSpec
// (spec.md §4.6's DTCP-ish negotiation): in-order delivery implies
// windowed flow control, and the (unimplemented-policy) retransmission
// control tracks it unless the application asked for best-effort partial
// delivery only.
func negotiateConfig(spec model.FlowSpec) model.FlowConfig {
	return model.FlowConfig{
		WindowedFlowControl: spec.InOrderDelivery || spec.OrderedDelivery,
		RtxControl:          spec.InOrderDelivery && !spec.PartialDelivery,
		InitialCredit:       64,
	}
}

func (disp *Dispatcher) handleIpcpCreate(h proto.Header, body []byte) ([]byte, error) {
	var req proto.IpcpCreate
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	ip, err := disp.dm.CreateIPCP(req.Name, req.DIFName, req.DIFType)
	if err != nil {
		return proto.Encode(proto.TypeIpcpCreateResp, h.EventID, proto.IpcpCreateResp{Err: err.Error()})
	}
	return proto.Encode(proto.TypeIpcpCreateResp, h.EventID, proto.IpcpCreateResp{ID: ip.ID})
}

func (disp *Dispatcher) handleIpcpDestroy(h proto.Header, body []byte) ([]byte, error) {
	var req proto.IpcpDestroy
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	return nil, disp.dm.DestroyIPCP(req.ID)
}

func (disp *Dispatcher) handleApplRegister(d *ControlDevice, h proto.Header, body []byte) ([]byte, error) {
	var req proto.ApplRegister
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	if !req.Reg {
		err := disp.dm.UnregisterAppl(ip, req.Name)
		return proto.Encode(proto.TypeApplRegisterResp, h.EventID, proto.ApplRegisterResp{Name: req.Name, OK: err == nil, Err: errString(err)})
	}
	state := model.RegComplete
	if ip.Uipcp != nil {
		state = model.RegPending
	}
	_, err := disp.dm.RegisterAppl(ip, req.Name, d, h.EventID, state)
	return proto.Encode(proto.TypeApplRegisterResp, h.EventID, proto.ApplRegisterResp{Name: req.Name, OK: err == nil, Err: errString(err)})
}

func (disp *Dispatcher) handleApplMove(body []byte) error {
	var req proto.ApplMove
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	if _, ok := disp.dm.LookupAppl(ip, req.Name); !ok {
		return kerr.New(kerr.NotFound, "application %q not registered", req.Name)
	}
	newOwner, ok := disp.lookupDevice(req.NewOwnerID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such control device %q to move %q to", req.NewOwnerID, req.Name)
	}
	return disp.dm.MoveAppl(ip, req.Name, newOwner)
}

func (disp *Dispatcher) handleFaReq(d *ControlDevice, h proto.Header, body []byte) ([]byte, error) {
	var req proto.FaReq
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	ip, ok := disp.dm.LookupIPCPByDIF(req.DIFName)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "no ipcp for dif %q", req.DIFName)
	}
	// eng.Request already invoked ip.Ops.FlowAllocateReq, if the plug-in
	// has one (the kernel-shim case, spec.md §4.5). A "normal" IPCP with
	// no such hook instead delegates the handshake to its attached
	// uipcp, reflected here.
	_, err := disp.eng.Request(ip, d, specFromWire(req.Spec), req.QosID, req.RemoteAddr, h.EventID)
	if err != nil {
		return nil, err
	}
	if ip.Ops.FlowAllocateReq == nil {
		if ip.Uipcp == nil {
			return nil, kerr.New(kerr.NotImpl, "ipcp %d has no flow_allocate_req and no uipcp", ip.ID)
		}
		payload, encErr := proto.Encode(proto.TypeFaReq, h.EventID, req)
		if encErr != nil {
			return nil, encErr
		}
		return nil, ip.Uipcp.PushReflected(uint32(proto.TypeFaReq), payload)
	}
	return nil, nil
}

func (disp *Dispatcher) handleFaReqArrived(h proto.Header, body []byte) ([]byte, error) {
	var req proto.FaReqArrived
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	// Field reuse: FaReqArrived.Port here carries the arriving lower
	// IPCP's id when sent kernel-side (the wire body's Port field is
	// populated by the caller on the way out, not meaningful inbound).
	ip, ok := disp.dm.LookupIPCPByID(req.Port)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "no such ipcp %d", req.Port)
	}
	f, appl, err := disp.eng.Arrived(ip, req.ApplNames, req.RemotePort, req.RemoteCEP, req.RemoteAddr, specFromWire(req.Spec), 0)
	if err != nil {
		return nil, err
	}
	notify := proto.FaReqArrived{
		Port: f.LocalPort, ApplNames: req.ApplNames, DIFName: req.DIFName,
		RemotePort: req.RemotePort, RemoteCEP: req.RemoteCEP, RemoteAddr: req.RemoteAddr, Spec: req.Spec,
	}
	payload, err := proto.Encode(proto.TypeFaReqArrived, appl.EventID, notify)
	if err != nil {
		return nil, err
	}
	return nil, appl.Owner.PushNotify(uint32(proto.TypeFaReqArrived), payload)
}

func (disp *Dispatcher) handleFaResp(h proto.Header, body []byte) error {
	var req proto.FaResp
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	f, ok := disp.dm.LookupFlowByPort(req.Port)
	if !ok || f.UID != req.UID {
		return kerr.New(kerr.NotFound, "no such flow: port=%d uid=%d", req.Port, req.UID)
	}
	cfg := negotiateConfig(f.Spec)
	writeLower := func(pdu []byte) error { return disp.writeLower(f.LowerIPCP, f, pdu) }
	if err := disp.eng.Respond(f, req.EventID, req.Accept, nil, cfg, writeLower); err != nil {
		return err
	}
	if !req.Accept {
		return nil
	}
	f.Mu.Lock()
	rc := f.UpperRC
	f.Mu.Unlock()
	if rc == nil {
		return nil
	}
	notify := proto.FaRespArrived{Port: f.LocalPort, UID: f.UID, Accept: true, RemotePort: f.RemotePort, RemoteCEP: f.RemoteCEP}
	payload, err := proto.Encode(proto.TypeFaRespArrived, 0, notify)
	if err != nil {
		return err
	}
	return rc.PushNotify(uint32(proto.TypeFaRespArrived), payload)
}

func (disp *Dispatcher) handleFaRespArrived(body []byte) error {
	var req proto.FaRespArrived
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	f, ok := disp.dm.LookupFlowByPort(req.Port)
	if !ok || f.UID != req.UID {
		return kerr.New(kerr.NotFound, "no such flow: port=%d uid=%d", req.Port, req.UID)
	}
	cfg := negotiateConfig(f.Spec)
	writeLower := func(pdu []byte) error { return disp.writeLower(f.LowerIPCP, f, pdu) }
	return disp.eng.RespondArrived(f, req.Accept, req.RemotePort, req.RemoteCEP, cfg, writeLower)
}

func (disp *Dispatcher) handleFlowDealloc(body []byte) error {
	var req proto.FlowDealloc
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	return disp.eng.Deallocate(req.Port, req.UID)
}

func (disp *Dispatcher) handleFlowStatsReq(h proto.Header, body []byte) ([]byte, error) {
	var req proto.FlowStatsReq
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	f, ok := disp.dm.LookupFlowByPort(req.Port)
	if !ok {
		return proto.Encode(proto.TypeFlowStatsResp, h.EventID, proto.FlowStatsResp{Port: req.Port, Err: "not found"})
	}
	if f.DTP == nil {
		return proto.Encode(proto.TypeFlowStatsResp, h.EventID, proto.FlowStatsResp{Port: req.Port})
	}
	snap := f.DTP.Stats.Snapshot()
	return proto.Encode(proto.TypeFlowStatsResp, h.EventID, proto.FlowStatsResp{
		Port: req.Port, TxPDUs: snap.TxPDUs, RxPDUs: snap.RxPDUs, TxBytes: snap.TxBytes, RxBytes: snap.RxBytes,
	})
}

func (disp *Dispatcher) handlePduftSet(body []byte) error {
	var req proto.IpcpPduftSet
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	f, ok := disp.dm.LookupFlowByPort(req.Port)
	if !ok {
		return kerr.New(kerr.NotFound, "no such flow at port %d", req.Port)
	}
	var requester *model.IPCP
	if id := ip.BoundUpperID(); id != 0 {
		requester, _ = disp.dm.LookupIPCPByID(id)
	}
	return disp.dm.PDUFTSet(ip, requester, req.Addr, f)
}

func (disp *Dispatcher) handlePduftDel(body []byte) error {
	var req proto.IpcpPduftDel
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	var requester *model.IPCP
	if id := ip.BoundUpperID(); id != 0 {
		requester, _ = disp.dm.LookupIPCPByID(id)
	}
	return disp.dm.PDUFTDel(ip, requester, req.Addr)
}

func (disp *Dispatcher) handlePduftFlush(body []byte) error {
	var req proto.IpcpPduftFlush
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	var requester *model.IPCP
	if id := ip.BoundUpperID(); id != 0 {
		requester, _ = disp.dm.LookupIPCPByID(id)
	}
	return disp.dm.PDUFTFlush(ip, requester)
}

func (disp *Dispatcher) handleUipcpSet(d *ControlDevice, body []byte) error {
	var req proto.UipcpSet
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	if req.ID == 0 {
		return disp.dm.SetUipcp(req.ID, nil)
	}
	return disp.dm.SetUipcp(req.ID, d)
}

func (disp *Dispatcher) handleQosSupported(body []byte) error {
	var req proto.IpcpQosSupported
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	return disp.dm.CheckQosSupported(ip, specFromWire(req.Spec))
}

func (disp *Dispatcher) handleSchedWrr(body []byte) error {
	var req proto.IpcpSchedWrr
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	var requester *model.IPCP
	if id := ip.BoundUpperID(); id != 0 {
		requester, _ = disp.dm.LookupIPCPByID(id)
	}
	return disp.dm.SetSchedConfig(ip, requester, true, req.Weights)
}

func (disp *Dispatcher) handleSchedPfifo(body []byte) error {
	var req proto.IpcpSchedPfifo
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
	}
	var requester *model.IPCP
	if id := ip.BoundUpperID(); id != 0 {
		requester, _ = disp.dm.LookupIPCPByID(id)
	}
	return disp.dm.SetSchedConfig(ip, requester, false, nil)
}

func (disp *Dispatcher) handleIpcpConfig(body []byte) error {
	var req proto.IpcpConfig
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.ID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.ID)
	}
	if ip.Ops.Config == nil {
		return kerr.New(kerr.NotImpl, "ipcp %d's dif type has no config hook", req.ID)
	}
	return ip.Ops.Config(ip, req.Key, req.Value)
}

func (disp *Dispatcher) handleIpcpConfigGet(h proto.Header, body []byte) ([]byte, error) {
	var req proto.IpcpConfigGet
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.ID)
	if !ok {
		return proto.Encode(proto.TypeIpcpConfigGetResp, h.EventID, proto.IpcpConfigGetResp{Err: kerr.New(kerr.NotFound, "no such ipcp %d", req.ID).Error()})
	}
	if ip.Ops.ConfigGet == nil {
		return proto.Encode(proto.TypeIpcpConfigGetResp, h.EventID, proto.IpcpConfigGetResp{Err: kerr.New(kerr.NotImpl, "ipcp %d's dif type has no config hook", req.ID).Error()})
	}
	value, err := ip.Ops.ConfigGet(ip, req.Key)
	if err != nil {
		return proto.Encode(proto.TypeIpcpConfigGetResp, h.EventID, proto.IpcpConfigGetResp{Err: err.Error()})
	}
	return proto.Encode(proto.TypeIpcpConfigGetResp, h.EventID, proto.IpcpConfigGetResp{Value: value})
}

// handleUipcpWait implements the uipcp_wait suspension point (spec.md
// §5 "Coroutine-like control flow"): it blocks the calling connection's
// dispatch goroutine until a user-space IPCP attaches to the named ipcp,
// or the configured timeout elapses.
func (disp *Dispatcher) handleUipcpWait(body []byte) error {
	var req proto.UipcpWait
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.ID)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", req.ID)
	}
	_, err := ip.WaitForUipcp(disp.dm.Config().UipcpWaitTimeout)
	return err
}

// handleStats implements the Stats message: a snapshot of the live
// object counts and queue depths for one ipcp plus its namespace-wide
// put-queue length (SPEC_FULL §2's ambient observability additions).
func (disp *Dispatcher) handleStats(h proto.Header, body []byte) ([]byte, error) {
	var req proto.Stats
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	ip, ok := disp.dm.LookupIPCPByID(req.ID)
	if !ok {
		return proto.Encode(proto.TypeStatsResp, h.EventID, proto.StatsResp{Err: kerr.New(kerr.NotFound, "no such ipcp %d", req.ID).Error()})
	}
	s := disp.dm.StatsFor(ip)
	return proto.Encode(proto.TypeStatsResp, h.EventID, proto.StatsResp{
		IPCPID:       s.IPCPID,
		Applications: s.Applications,
		PDUFTEntries: s.PDUFTEntries,
		Flows:        s.Flows,
		PutQueueLen:  s.PutQueueLen,
	})
}

func (disp *Dispatcher) handleFlowCfgUpdate(body []byte) error {
	var req proto.FlowCfgUpdate
	if err := proto.DecodeBody(body, &req); err != nil {
		return err
	}
	f, ok := disp.dm.LookupFlowByPort(req.Port)
	if !ok {
		return kerr.New(kerr.NotFound, "no such flow on port %d", req.Port)
	}
	return disp.dm.UpdateFlowConfig(f, model.FlowConfig{
		WindowedFlowControl: req.WindowedFlowControl,
		RtxControl:          req.RtxControl,
		InitialCredit:       req.InitialCredit,
	})
}

func (disp *Dispatcher) handleFlowFetch(d *ControlDevice, h proto.Header, body []byte) ([]byte, error) {
	var req proto.FlowFetch
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	d.mu.Lock()
	cur := d.flowFetch
	if cur == nil || cur.ipcpID != req.IPCPID {
		ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
		if !ok {
			d.mu.Unlock()
			return nil, kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
		}
		cur = &fetchCursor{ipcpID: req.IPCPID, items: disp.dm.SnapshotFlowPorts(ip)}
		d.flowFetch = cur
	}
	if len(cur.items) == 0 {
		d.flowFetch = nil
		d.mu.Unlock()
		return proto.Encode(proto.TypeFlowFetchResp, h.EventID, proto.FlowFetchResp{End: true})
	}
	port := cur.items[0]
	cur.items = cur.items[1:]
	d.mu.Unlock()

	f, ok := disp.dm.LookupFlowByPort(port)
	if !ok {
		return proto.Encode(proto.TypeFlowFetchResp, h.EventID, proto.FlowFetchResp{End: false})
	}
	return proto.Encode(proto.TypeFlowFetchResp, h.EventID, proto.FlowFetchResp{Port: f.LocalPort, UID: f.UID, State: int(f.State)})
}

func (disp *Dispatcher) handleRegFetch(d *ControlDevice, h proto.Header, body []byte) ([]byte, error) {
	var req proto.RegFetch
	if err := proto.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	d.mu.Lock()
	cur := d.regFetch
	if cur == nil || cur.ipcpID != req.IPCPID {
		ip, ok := disp.dm.LookupIPCPByID(req.IPCPID)
		if !ok {
			d.mu.Unlock()
			return nil, kerr.New(kerr.NotFound, "no such ipcp %d", req.IPCPID)
		}
		cur = &fetchCursor{ipcpID: req.IPCPID, names: disp.dm.SnapshotApplNames(ip)}
		d.regFetch = cur
	}
	if len(cur.names) == 0 {
		d.regFetch = nil
		d.mu.Unlock()
		return proto.Encode(proto.TypeRegFetchResp, h.EventID, proto.RegFetchResp{End: true})
	}
	name := cur.names[0]
	cur.names = cur.names[1:]
	d.mu.Unlock()
	return proto.Encode(proto.TypeRegFetchResp, h.EventID, proto.RegFetchResp{Name: name})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
