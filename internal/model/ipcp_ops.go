package model

import "github.com/ipcpstack/corekernel/internal/kerr"

// CreateIPCP implements the ipcp-create control operation (spec.md §3,
// §6). It allocates an id, creates or joins the named DIF, takes a
// strong reference on the factory's owning module, and invokes the
// plug-in's Create hook.
func (dm *DataModel) CreateIPCP(name, difName, difType string) (*IPCP, error) {
	// Reserve the name under the same critical section as the
	// uniqueness check, so two concurrent creates of the same name
	// can't both pass the check before either inserts. The reservation
	// (a nil map entry) is released on every error path below and
	// overwritten with the real *IPCP on success.
	dm.ipcpMu.Lock()
	if _, exists := dm.ipcpByName[name]; exists {
		dm.ipcpMu.Unlock()
		return nil, kerr.New(kerr.InvalidArg, "ipcp name %q already in use", name)
	}
	dm.ipcpByName[name] = nil
	dm.ipcpMu.Unlock()

	factory, ok := dm.registry.lookupFactory(difType)
	if !ok {
		dm.unreserveIPCPName(name)
		return nil, kerr.New(kerr.NotFound, "no factory registered for dif type %q", difType)
	}

	id, err := dm.allocIPCPID()
	if err != nil {
		dm.unreserveIPCPName(name)
		return nil, err
	}

	dif := dm.getOrCreateDIF(difName, difType)
	factory.Owner.Ref()

	ip := newIPCP(id, name, dif, factory, factory.Ops)

	priv, err := factory.Ops.Create(ip)
	if err != nil {
		dm.unreserveIPCPName(name)
		dm.releaseIPCPID(id)
		dm.releaseDIF(dif)
		if factory.Owner.Unref() {
			// Owner had no other IPCPs; nothing further to release here
			// since ModuleRef carries no destructor of its own.
		}
		return nil, err
	}
	ip.Priv = priv

	dm.ipcpMu.Lock()
	dm.ipcpByID[id] = ip
	dm.ipcpByName[name] = ip
	dm.ipcpMu.Unlock()

	dm.Metrics.IPCPs.Inc()
	dm.broadcastUpdate(IpcpUpdate{Kind: UpdateAdd, ID: id, Name: name, DIFName: difName, DIFType: difType})
	return ip, nil
}

// unreserveIPCPName undoes the name reservation CreateIPCP takes before
// doing any of its fallible work, but only if the entry is still the
// nil placeholder (never a live IPCP another call may have installed).
func (dm *DataModel) unreserveIPCPName(name string) {
	dm.ipcpMu.Lock()
	if ip, exists := dm.ipcpByName[name]; exists && ip == nil {
		delete(dm.ipcpByName, name)
	}
	dm.ipcpMu.Unlock()
}

// LookupIPCPByID returns the live IPCP with the given id.
func (dm *DataModel) LookupIPCPByID(id int) (*IPCP, bool) {
	dm.ipcpMu.Lock()
	defer dm.ipcpMu.Unlock()
	ip, ok := dm.ipcpByID[id]
	return ip, ok
}

// LookupIPCPByName returns the live IPCP with the given name. A name
// reserved by an in-flight CreateIPCP (but not yet installed) reports
// not-found rather than a nil *IPCP.
func (dm *DataModel) LookupIPCPByName(name string) (*IPCP, bool) {
	dm.ipcpMu.Lock()
	defer dm.ipcpMu.Unlock()
	ip, ok := dm.ipcpByName[name]
	if ip == nil {
		return nil, false
	}
	return ip, ok
}

// LookupIPCPByDIF returns a live member IPCP of the named DIF (spec.md
// §4.5 fa_req step 1: "select IPCP by DIF name"). Any non-zombie member
// serves, since IPCPs of the same DIF are cooperating peer instances of
// the same DIF type — the DIF itself carries no ordering among them.
func (dm *DataModel) LookupIPCPByDIF(difName string) (*IPCP, bool) {
	dm.ipcpMu.Lock()
	var candidates []*IPCP
	for _, ip := range dm.ipcpByID {
		if ip.DIF != nil && ip.DIF.Name == difName {
			candidates = append(candidates, ip)
		}
	}
	dm.ipcpMu.Unlock()

	for _, ip := range candidates {
		if !ip.IsZombie() {
			return ip, true
		}
	}
	return nil, false
}

// DestroyIPCP implements the ipcp-destroy control operation (spec.md §3).
// The IPCP is marked zombie first so no new flow or PDUFT entry can
// attach to it, its registered applications are stolen and torn down,
// its bound flows are shut down, its PDUFT is flushed, and finally its
// last reference is dropped, invoking the plug-in destructor exactly
// once.
func (dm *DataModel) DestroyIPCP(id int) error {
	dm.ipcpMu.Lock()
	ip, ok := dm.ipcpByID[id]
	if !ok {
		dm.ipcpMu.Unlock()
		return kerr.New(kerr.NotFound, "no such ipcp %d", id)
	}
	delete(dm.ipcpByID, id)
	delete(dm.ipcpByName, ip.Name)
	dm.ipcpMu.Unlock()

	ip.Mu.Lock()
	ip.Zombie = true
	ip.Mu.Unlock()

	for _, a := range ip.stealApps() {
		dm.deferred.enqueueAppl(a)
	}

	dm.flowMu.RLock()
	var toTeardown []*Flow
	for _, f := range dm.flowByPort {
		if f.LowerIPCP == ip {
			toTeardown = append(toTeardown, f)
		}
	}
	dm.flowMu.RUnlock()
	for _, f := range toTeardown {
		dm.DeallocateFlow(f.LocalPort, f.UID)
	}

	ip.PDUFT.Flush()

	dm.releaseDIF(ip.DIF)
	dm.Metrics.IPCPs.Dec()
	dm.broadcastUpdate(IpcpUpdate{Kind: UpdateDel, ID: id, Name: ip.Name})

	if ip.Unref() {
		destroyIPCPZero(ip)
	}
	dm.releaseIPCPID(id)
	return nil
}

// destroyIPCPZero runs the plug-in destructor and then releases the
// factory's owning module reference, in that order — spec.md §4.1:
// "never release the module before its code has finished running."
func destroyIPCPZero(ip *IPCP) {
	ip.Ops.Destroy(ip)
	ip.Factory.Owner.Unref()
}

// UpdateIPCPAddress sets an IPCP's network address and broadcasts an
// update, per spec.md §4.4 (address is one of the fields whose change
// triggers a broadcast).
func (dm *DataModel) UpdateIPCPAddress(id int, addr uint64) error {
	ip, ok := dm.LookupIPCPByID(id)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", id)
	}
	ip.Mu.Lock()
	ip.Address = addr
	difName, difType := "", ""
	if ip.DIF != nil {
		difName, difType = ip.DIF.Name, ip.DIF.Type
	}
	ip.Mu.Unlock()
	dm.broadcastUpdate(IpcpUpdate{Kind: UpdateChange, ID: id, Name: ip.Name, DIFName: difName, DIFType: difType, Address: addr})
	return nil
}

// SetUipcp attaches uipcp as ip's user-space peer, or detaches it (nil)
// and broadcasts an uipcp-detached update (spec.md §4.4).
func (dm *DataModel) SetUipcp(id int, uipcp UipcpPeer) error {
	ip, ok := dm.LookupIPCPByID(id)
	if !ok {
		return kerr.New(kerr.NotFound, "no such ipcp %d", id)
	}
	ip.Mu.Lock()
	ip.Uipcp = uipcp
	ip.Mu.Unlock()
	ip.uipcpCond.Broadcast()
	if uipcp == nil {
		dm.broadcastUpdate(IpcpUpdate{Kind: UpdateChange, ID: id, Name: ip.Name})
	}
	return nil
}
