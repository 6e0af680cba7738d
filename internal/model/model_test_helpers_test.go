package model

import (
	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/logger"
)

// stubDIFType names the DIF type registered with stubOps, a minimal Ops
// vtable satisfying Ops.Validate, used by every test in this package so
// none of them need internal/shims (which
// imports model, and would create an import cycle from an internal test
// file).
const stubDIFType = "test-stub"

func stubOps() Ops {
	return Ops{
		Create:  func(*IPCP) (any, error) { return nil, nil },
		Destroy: func(*IPCP) {},
		SduWrite: func(*IPCP, *Flow, []byte) error {
			return nil
		},
		SduRx: func(*IPCP, *Flow, []byte) error { return nil },
	}
}

// newTestDM returns a fresh DataModel backed by its own Registry (never
// the package-level Global), with the stub DIF type already registered,
// so tests never collide over namespace or factory names.
func newTestDM(t interface{ Fatalf(string, ...any) }) *DataModel {
	reg := NewRegistry()
	if err := reg.RegisterFactory(&Factory{
		DIFType: stubDIFType,
		Ops:     stubOps(),
		Owner:   NewModuleRef(stubDIFType),
	}); err != nil {
		t.Fatalf("RegisterFactory: %v", err)
	}
	cfg := config.Default()
	dm, err := reg.GetOrCreateDM("test", cfg, logger.Discard)
	if err != nil {
		t.Fatalf("GetOrCreateDM: %v", err)
	}
	return dm
}
