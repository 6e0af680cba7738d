package model

import "github.com/ipcpstack/corekernel/internal/kerr"

func (dm *DataModel) allocIPCPID() (int, error) {
	dm.ipcpMu.Lock()
	defer dm.ipcpMu.Unlock()
	id, ok := dm.ipcpIDs.Alloc()
	if !ok {
		return 0, kerr.New(kerr.NoSpace, "ipcp id space exhausted")
	}
	return id, nil
}

func (dm *DataModel) releaseIPCPID(id int) {
	dm.ipcpMu.Lock()
	dm.ipcpIDs.Clear(id)
	dm.ipcpMu.Unlock()
}

func (dm *DataModel) allocPortID() (int, error) {
	dm.flowMu.Lock()
	defer dm.flowMu.Unlock()
	id, ok := dm.portIDs.Alloc()
	if !ok {
		return 0, kerr.New(kerr.NoSpace, "port id space exhausted")
	}
	return id, nil
}

func (dm *DataModel) releasePortID(id int) {
	dm.flowMu.Lock()
	dm.portIDs.Clear(id)
	dm.flowMu.Unlock()
}

func (dm *DataModel) allocCEPID() (int, error) {
	dm.flowMu.Lock()
	defer dm.flowMu.Unlock()
	id, ok := dm.cepIDs.Alloc()
	if !ok {
		return 0, kerr.New(kerr.NoSpace, "cep id space exhausted")
	}
	return id, nil
}

func (dm *DataModel) releaseCEPID(id int) {
	dm.flowMu.Lock()
	dm.cepIDs.Clear(id)
	dm.flowMu.Unlock()
}

// getOrCreateDIF returns the named DIF, creating it (spec.md §3: "Created
// on first IPCP that names it") if absent.
func (dm *DataModel) getOrCreateDIF(name, difType string) *DIF {
	dm.difMu.Lock()
	defer dm.difMu.Unlock()
	if d, ok := dm.difs[name]; ok {
		d.Ref()
		return d
	}
	d := newDIF(name, difType)
	dm.difs[name] = d
	return d
}

// releaseDIF drops one reference; when it reaches zero the DIF is
// removed from the table (spec.md §3: "destroyed when last IPCP leaves").
func (dm *DataModel) releaseDIF(d *DIF) {
	dm.difMu.Lock()
	defer dm.difMu.Unlock()
	if d.Unref() {
		delete(dm.difs, d.Name)
	}
}
