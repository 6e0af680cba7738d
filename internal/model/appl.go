package model

// RegisteredAppl is one (name, IPCP, control device) registration
// (spec.md §3). PENDING when registration requires uipcp confirmation;
// COMPLETE otherwise. Removal always happens in process context (spec.md
// §4.3), via the application-removal worker.
type RegisteredAppl struct {
	RefCounted

	Name    string
	IPCP    *IPCP
	Owner   ApplOwner
	EventID uint32
	State   RegState
}

// ApplOwner is the control device that owns a registration. Modeled as
// an interface (rather than importing internal/ctrldev) so model has no
// dependency on the control-device package.
type ApplOwner interface {
	PushNotify(msgType uint32, payload []byte) error
	ID() string
}

func newRegisteredAppl(name string, ipcp *IPCP, owner ApplOwner, eventID uint32, state RegState) *RegisteredAppl {
	a := &RegisteredAppl{Name: name, IPCP: ipcp, Owner: owner, EventID: eventID, State: state}
	a.Ref()
	return a
}
