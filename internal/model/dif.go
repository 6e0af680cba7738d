package model

// DIF is a named Distributed IPC Facility: a collection of cooperating
// IPCPs of one DIF type (spec.md §3). It is created on the first IPCP
// that names it and destroyed when the last IPCP leaves it.
type DIF struct {
	RefCounted

	Name       string
	Type       string
	MaxPDUSize int
	MaxPDULife int // milliseconds

	QoSCubes []QoSCube
}

func newDIF(name, difType string) *DIF {
	d := &DIF{Name: name, Type: difType, MaxPDUSize: 8992, MaxPDULife: 60000}
	d.Ref()
	return d
}
