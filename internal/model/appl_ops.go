package model

import "github.com/ipcpstack/corekernel/internal/kerr"

// RegisterAppl implements ApplRegister (spec.md §6). state is
// RegPending when the IPCP delegates confirmation to a uipcp, RegComplete
// when the IPCP (or the core itself, absent a uipcp) can confirm inline.
func (dm *DataModel) RegisterAppl(ipcp *IPCP, name string, owner ApplOwner, eventID uint32, state RegState) (*RegisteredAppl, error) {
	if ipcp.IsZombie() {
		return nil, kerr.New(kerr.NotFound, "ipcp %d is being destroyed", ipcp.ID)
	}
	if _, exists := ipcp.lookupAppl(name); exists {
		return nil, kerr.New(kerr.InvalidArg, "application %q already registered on ipcp %d", name, ipcp.ID)
	}
	a := newRegisteredAppl(name, ipcp, owner, eventID, state)
	ipcp.addAppl(a)
	dm.Metrics.Applications.Inc()
	return a, nil
}

// UnregisterAppl implements ApplRegister{reg:false}: it drops the
// application's reference; the actual table removal always happens in
// process context via the application-removal worker (spec.md §4.3),
// since some IPCP types need the per-IPCP mutex from a context that
// might otherwise be soft-IRQ.
func (dm *DataModel) UnregisterAppl(ipcp *IPCP, name string) error {
	a, ok := ipcp.removeAppl(name)
	if !ok {
		return kerr.New(kerr.NotFound, "application %q not registered on ipcp %d", name, ipcp.ID)
	}
	if a.Unref() {
		dm.deferred.enqueueAppl(a)
	}
	return nil
}

// LookupAppl finds a registered application by name on ipcp.
func (dm *DataModel) LookupAppl(ipcp *IPCP, name string) (*RegisteredAppl, bool) {
	return ipcp.lookupAppl(name)
}

// SnapshotApplNames returns the names of every application currently
// registered on ip, for the RegFetch paginated enumeration (spec.md
// §4.4).
func (dm *DataModel) SnapshotApplNames(ip *IPCP) []string {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	out := make([]string, 0, len(ip.apps))
	for name := range ip.apps {
		out = append(out, name)
	}
	return out
}

// MoveAppl reparents a registration to a new owning control device
// without a full unregister/register cycle (SPEC_FULL §4 "ApplMove",
// supplementing the distilled spec from original_source's rl_appl_move).
func (dm *DataModel) MoveAppl(ipcp *IPCP, name string, newOwner ApplOwner) error {
	a, ok := ipcp.lookupAppl(name)
	if !ok {
		return kerr.New(kerr.NotFound, "application %q not registered on ipcp %d", name, ipcp.ID)
	}
	a.Owner = newOwner
	return nil
}

// finishApplRemoval runs on the application-removal worker: it performs
// any in-kernel IPCP deregistration callback and finalizes bookkeeping.
// Always runs in process context (spec.md §4.3).
func finishApplRemoval(dm *DataModel, a *RegisteredAppl) {
	if a.IPCP.Ops.ApplRegister != nil {
		a.IPCP.Ops.ApplRegister(a.IPCP, a.Name, false)
	}
	dm.Metrics.Applications.Dec()
}
