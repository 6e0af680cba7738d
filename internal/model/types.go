package model

// FlowState is the lifecycle state of a Flow (spec.md §3).
type FlowState int

const (
	FlowPending FlowState = iota
	FlowAllocated
	FlowDeallocated
)

func (s FlowState) String() string {
	switch s {
	case FlowPending:
		return "PENDING"
	case FlowAllocated:
		return "ALLOCATED"
	case FlowDeallocated:
		return "DEALLOCATED"
	default:
		return "UNKNOWN"
	}
}

// FlowFlags are the bitwise flags spec.md §3 lists on Flow: PENDING,
// ALLOCATED, DEALLOCATED, INITIATOR, NEVER_BOUND, DEL_POSTPONED. The
// PENDING/ALLOCATED/DEALLOCATED trio is also captured by FlowState; the
// flags additionally record INITIATOR/NEVER_BOUND/DEL_POSTPONED which
// are not simple lifecycle states.
type FlowFlags uint8

const (
	FlagInitiator FlowFlags = 1 << iota
	FlagNeverBound
	FlagDelPostponed
)

func (f FlowFlags) Has(bit FlowFlags) bool { return f&bit != 0 }

// FlowSpec is the QoS the application asked for at allocation time.
type FlowSpec struct {
	MaxDelayMs      uint32
	MaxLossPct      uint8
	MaxJitterMs     uint32
	InOrderDelivery bool
	PartialDelivery bool
	OrderedDelivery bool
}

// FlowConfig is the negotiated DTCP-ish configuration derived from
// FlowSpec: whether windowed flow control and retransmission control are
// active, and the credit/queue sizing (spec.md §4.6).
type FlowConfig struct {
	WindowedFlowControl bool
	RtxControl          bool
	InitialCredit       uint64
}

// QoSCube is a statically advertised QoS class an IPCP supports
// (SPEC_FULL §4 "QoS-cube advertisement", supplementing IpcpQosSupported).
type QoSCube struct {
	ID              uint8
	Name            string
	MaxDelayMs      uint32
	MaxLossPct      uint8
	MaxJitterMs     uint32
	InOrderDelivery bool
	PartialDelivery bool
}

// RegState is the lifecycle state of a RegisteredAppl (spec.md §3).
type RegState int

const (
	RegPending RegState = iota
	RegComplete
)
