package model

import (
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"

	"github.com/ipcpstack/corekernel/internal/bitset"
	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/metrics"
)

// DataModel is the per-namespace container of spec.md §3: it owns every
// IPCP, flow, DIF, registered application, id bitmap, table, lock, and
// deferred-work queue for one network namespace. Each successful
// registry.go GetOrCreateDM call takes one reference, dropped with
// DataModel.Release. Neither CreateIPCP nor ctrldev.New takes a reference
// of its own, so IPCPs and open control devices do not keep the DM alive.
type DataModel struct {
	RefCounted

	ns       string
	registry *Registry
	cfg      config.Config
	logf     logger.Logf
	Metrics  *metrics.Collector

	// Lock order, per spec.md §4.1: DIF < IPCP < flow < per-IPCP
	// registered-applications (IPCP.Mu) < per-device upqueue (owned by
	// ctrldev, not taken here).
	difMu sync.Mutex
	difs  map[string]*DIF

	ipcpMu     sync.Mutex
	ipcpByID   map[int]*IPCP
	ipcpByName map[string]*IPCP
	ipcpIDs    *bitset.Bitmap

	flowMu     sync.RWMutex
	flowByPort map[int]*Flow
	flowByCEP  map[int]*Flow
	portIDs    *bitset.Bitmap
	cepIDs     *bitset.Bitmap
	putQueue   []*Flow // sorted by Expires ascending; see putqueue.go

	flowUID int64 // atomic monotonic counter (spec.md §4.2)

	devMu       sync.Mutex
	subscribers map[UpdateSink]struct{}

	deferred *deferredWorkers

	putTimer *putQueueTimer
}

func newDataModel(ns string, reg *Registry, cfg config.Config, logf logger.Logf) *DataModel {
	if logf == nil {
		logf = logger.Discard
	}
	dm := &DataModel{
		ns:          ns,
		registry:    reg,
		cfg:         cfg,
		logf:        logger.WithPrefix(logf, "dm["+ns+"]: "),
		difs:        make(map[string]*DIF),
		ipcpByID:    make(map[int]*IPCP),
		ipcpByName:  make(map[string]*IPCP),
		ipcpIDs:     bitset.New(cfg.MaxIPCPs),
		flowByPort:  make(map[int]*Flow),
		flowByCEP:   make(map[int]*Flow),
		portIDs:     bitset.New(cfg.MaxPorts),
		cepIDs:      bitset.New(cfg.MaxCEPs),
		subscribers: make(map[UpdateSink]struct{}),
	}
	dm.Metrics = metrics.New(ns)
	dm.deferred = newDeferredWorkers(dm)
	dm.putTimer = newPutQueueTimer(dm)
	return dm
}

// Namespace returns the DM's namespace identifier.
func (dm *DataModel) Namespace() string { return dm.ns }

// Config returns the DM's tunables.
func (dm *DataModel) Config() config.Config { return dm.cfg }

func (dm *DataModel) Logf() logger.Logf { return dm.logf }

// nextFlowUID returns the next monotonic flow uid (spec.md §4.2).
func (dm *DataModel) nextFlowUID() int64 {
	return atomic.AddInt64(&dm.flowUID, 1)
}

// Release drops the caller's reference. When the refcount reaches zero,
// the DM stops its workers and timer and removes itself from the global
// registry (spec.md §3: "A namespace's DM may be released only when all
// its hash tables, queues, and workers are quiescent.").
func (dm *DataModel) Release() {
	if !dm.Unref() {
		return
	}
	dm.putTimer.stop()
	dm.deferred.stopAndWait()
	dm.registry.releaseDM(dm.ns)
}

// Subscribe registers sink to receive IpcpUpdate broadcasts, emitting an
// ADD for every existing IPCP first (spec.md §4.4 "On first subscription,
// an ADD message is emitted per existing IPCP.").
func (dm *DataModel) Subscribe(sink UpdateSink) {
	dm.devMu.Lock()
	dm.subscribers[sink] = struct{}{}
	dm.devMu.Unlock()

	dm.ipcpMu.Lock()
	existing := make([]*IPCP, 0, len(dm.ipcpByID))
	for _, ip := range dm.ipcpByID {
		existing = append(existing, ip)
	}
	dm.ipcpMu.Unlock()

	for _, ip := range existing {
		ip.Mu.Lock()
		u := IpcpUpdate{Kind: UpdateAdd, ID: ip.ID, Name: ip.Name, Address: ip.Address}
		if ip.DIF != nil {
			u.DIFName = ip.DIF.Name
			u.DIFType = ip.DIF.Type
		}
		ip.Mu.Unlock()
		sink.PushUpdate(u)
	}
}

// Unsubscribe removes sink from the broadcast list.
func (dm *DataModel) Unsubscribe(sink UpdateSink) {
	dm.devMu.Lock()
	delete(dm.subscribers, sink)
	dm.devMu.Unlock()
}

// broadcastUpdate fans an IpcpUpdate out to every subscribed control
// device (spec.md §4.4). It is called with the IPCP-table lock already
// released, matching the "causal order" ordering guarantee of spec.md §5:
// broadcasts are performed once the triggering state change is already
// committed.
func (dm *DataModel) broadcastUpdate(u IpcpUpdate) {
	dm.devMu.Lock()
	sinks := make([]UpdateSink, 0, len(dm.subscribers))
	for s := range dm.subscribers {
		sinks = append(sinks, s)
	}
	dm.devMu.Unlock()
	for _, s := range sinks {
		s.PushUpdate(u)
	}
}

// deferredWorkers implements the two deferred-work paths of spec.md
// §4.3: an application-removal worker and a flow-removal worker, each a
// single background goroutine draining a channel, managed by a
// taskgroup.Group so DataModel teardown can wait for both to go idle.
type deferredWorkers struct {
	dm *DataModel

	applCh chan *RegisteredAppl
	flowCh chan *Flow

	g taskgroup.Group
}

func newDeferredWorkers(dm *DataModel) *deferredWorkers {
	w := &deferredWorkers{
		dm:     dm,
		applCh: make(chan *RegisteredAppl, 256),
		flowCh: make(chan *Flow, 256),
	}
	w.g.Go(w.runApplWorker)
	w.g.Go(w.runFlowWorker)
	return w
}

func (w *deferredWorkers) enqueueAppl(a *RegisteredAppl) {
	w.applCh <- a
}

func (w *deferredWorkers) enqueueFlow(f *Flow) {
	w.flowCh <- f
}

func (w *deferredWorkers) runApplWorker() error {
	for a := range w.applCh {
		finishApplRemoval(w.dm, a)
	}
	return nil
}

func (w *deferredWorkers) runFlowWorker() error {
	for f := range w.flowCh {
		finishFlowRemoval(w.dm, f)
	}
	return nil
}

func (w *deferredWorkers) stopAndWait() {
	close(w.applCh)
	close(w.flowCh)
	w.g.Wait()
}
