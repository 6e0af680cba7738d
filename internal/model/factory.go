package model

import "github.com/ipcpstack/corekernel/internal/kerr"

// Ops is the DIF-type plug-in vtable (spec.md §6 "IPCP plug-in
// interface"): the set of function pointers a concrete DIF type (normal,
// shim-udp4, shim-tcp4, shim-eth, ...) supplies. Fields left nil are
// optional per spec.md; calling a nil required field is an invariant
// violation and panics, per spec.md §9's error-propagation note.
type Ops struct {
	Create  func(ipcp *IPCP) (any, error)
	Destroy func(ipcp *IPCP)

	SduWrite func(ipcp *IPCP, flow *Flow, sdu []byte) error
	SduRx    func(ipcp *IPCP, flow *Flow, sdu []byte) error

	FlowInit         func(ipcp *IPCP, flow *Flow) error
	FlowAllocateReq  func(ipcp *IPCP, flow *Flow) error
	FlowAllocateResp func(ipcp *IPCP, flow *Flow, response uint8) error
	FlowDeallocated  func(ipcp *IPCP, flow *Flow)
	FlowCfgUpdate    func(ipcp *IPCP, flow *Flow, cfg FlowConfig) error

	ApplRegister func(ipcp *IPCP, name string, reg bool) error

	Config    func(ipcp *IPCP, key, value string) error
	ConfigGet func(ipcp *IPCP, key string) (string, error)

	QosSupported func(ipcp *IPCP, spec FlowSpec) error

	PduftSet        func(ipcp *IPCP, addr uint64, flow *Flow) error
	PduftDel        func(ipcp *IPCP, addr uint64) error
	PduftFlush      func(ipcp *IPCP) error
	PduftFlushFlow  func(ipcp *IPCP, flow *Flow) error
	SchedConfig     func(ipcp *IPCP, wrr bool, weights map[uint8]int) error
}

// Factory is a named, process-wide constructor+vtable pair for one DIF
// type (spec.md §2 item 7). Owner is held with a strong reference for the
// lifetime of every IPCP the factory creates; the owner is released only
// after the IPCP's destructor has run (spec.md §4.1: "never release the
// module before its code has finished running").
type Factory struct {
	DIFType string
	Ops     Ops

	// Owner is a reference-counted handle representing the code module
	// providing Ops (a real kernel would take a struct module reference
	// here; in this core it is a simple refcounted marker so the
	// ordering invariant is exercised and testable).
	Owner *ModuleRef
}

// ModuleRef stands in for a kernel "struct module" reference: a
// refcounted handle a Factory holds strongly, and every IPCP created by
// that factory holds an additional reference for its own lifetime.
type ModuleRef struct {
	RefCounted
	Name string
}

// NewModuleRef returns a ModuleRef with an initial refcount of 1, held by
// the Factory itself.
func NewModuleRef(name string) *ModuleRef {
	m := &ModuleRef{Name: name}
	m.Ref()
	return m
}

// Validate returns an InvalidArg error if Ops is missing a field the core always calls
// unconditionally (Create, Destroy, SduWrite, SduRx); these are not
// "optional" the way FlowInit etc. are (spec.md §6 lists them separately).
func (o Ops) Validate() error {
	if o.Create == nil || o.Destroy == nil || o.SduWrite == nil || o.SduRx == nil {
		return kerr.New(kerr.InvalidArg, "factory: Ops missing a required vtable entry")
	}
	return nil
}
