// Package shims provides minimal, self-contained DIF-type plug-ins
// (spec.md §6's "IPCP plug-in interface") usable in tests and as a
// reference for a real shim implementation. loopback is grounded on
// original_source's shim-loopback: an IPCP that delivers every SDU
// straight back to the destination flow within the same process,
// without ever touching a real network device.
package shims

import (
	"sync"

	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/model"
)

// LoopbackDIFType is the DIF type name a loopback IPCP registers under.
const LoopbackDIFType = "shim-loopback"

// loopbackState is the plug-in-private state returned by Create and
// stashed on IPCP.Priv.
type loopbackState struct {
	mu sync.Mutex
}

// NewFactory returns a Factory implementing the loopback shim, ready to
// pass to Registry.RegisterFactory.
func NewFactory() *model.Factory {
	return &model.Factory{
		DIFType: LoopbackDIFType,
		Owner:   model.NewModuleRef("shim-loopback"),
		Ops: model.Ops{
			Create:  loopbackCreate,
			Destroy: loopbackDestroy,

			SduWrite: loopbackSduWrite,
			SduRx:    loopbackSduRx,

			ApplRegister: func(*model.IPCP, string, bool) error { return nil },
		},
	}
}

func loopbackCreate(ipcp *model.IPCP) (any, error) {
	return &loopbackState{}, nil
}

func loopbackDestroy(ipcp *model.IPCP) {}

// loopbackSduWrite is the DIF type's sdu_write: it hands the SDU
// straight to the flow's own DTP receive path, simulating a
// zero-latency, zero-loss physical medium back to the same endpoint
// (spec.md §4.6's "loop back when the flow targets the same IPCP").
func loopbackSduWrite(ipcp *model.IPCP, f *model.Flow, sdu []byte) error {
	if f.DTP == nil {
		return kerr.New(kerr.InvalidArg, "shim-loopback: flow %d has no DTP engine", f.LocalPort)
	}
	return f.DTP.Receive(append([]byte(nil), sdu...))
}

func loopbackSduRx(ipcp *model.IPCP, f *model.Flow, sdu []byte) error {
	if f.DTP == nil {
		return kerr.New(kerr.InvalidArg, "shim-loopback: flow %d has no DTP engine", f.LocalPort)
	}
	return f.DTP.Receive(sdu)
}
