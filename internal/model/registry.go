package model

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/logger"
)

// Registry is the process-wide global state of spec.md §4.1: the factory
// list and the namespace→DataModel map. It is initialized at module load
// and torn down at unload; a single mutex protects it and it must never
// outlive any IPCP or DataModel (SPEC_FULL §2.2/§3 DESIGN notes).
type Registry struct {
	mu        sync.Mutex
	factories map[string]*Factory
	dms       map[string]*DataModel

	sf singleflight.Group // dedupes concurrent first-open DM creation per namespace
}

// Global is the single process-wide registry.
var Global = NewRegistry()

// NewRegistry returns an empty registry. Exposed for tests that want an
// isolated registry instead of sharing the package-level Global.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Factory),
		dms:       make(map[string]*DataModel),
	}
}

// RegisterFactory adds a named factory to the registry. It is an error to
// register the same DIF type twice.
func (r *Registry) RegisterFactory(f *Factory) error {
	if err := f.Ops.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.DIFType]; exists {
		return kerr.New(kerr.Busy, "factory %q already registered", f.DIFType)
	}
	r.factories[f.DIFType] = f
	return nil
}

// UnregisterFactory removes a factory. Callers must ensure no live IPCP
// still references it.
func (r *Registry) UnregisterFactory(difType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, difType)
}

func (r *Registry) lookupFactory(difType string) (*Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[difType]
	return f, ok
}

// GetOrCreateDM returns the DataModel for namespace ns, creating it (and
// taking the creating caller's reference) on first access. Concurrent
// first-opens for the same namespace are deduplicated via singleflight,
// per spec.md §3: "created on first open of a control device in a
// namespace."
func (r *Registry) GetOrCreateDM(ns string, cfg config.Config, logf logger.Logf) (*DataModel, error) {
	// singleflight collapses concurrent first-opens into one constructor
	// call, but every caller — leader and followers alike — still needs
	// its own reference, so Ref() happens once per call outside Do, not
	// inside the deduplicated closure.
	v, err, _ := r.sf.Do(ns, func() (any, error) {
		r.mu.Lock()
		if dm, ok := r.dms[ns]; ok {
			r.mu.Unlock()
			return dm, nil
		}
		r.mu.Unlock()

		dm := newDataModel(ns, r, cfg, logf)

		r.mu.Lock()
		r.dms[ns] = dm
		r.mu.Unlock()
		return dm, nil
	})
	if err != nil {
		return nil, err
	}
	dm := v.(*DataModel)
	dm.Ref()
	return dm, nil
}

// releaseDM drops dm from the namespace map once its refcount has hit
// zero and it has gone quiescent (called from DataModel.Release).
func (r *Registry) releaseDM(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dms, ns)
}
