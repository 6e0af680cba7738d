package proto

// Body structs for every message type spec.md §6 requires. Field names
// mirror the request-body vocabulary of the referenced sections rather
// than any transport-neutral naming scheme, since these are exactly the
// records exchanged on the wire.

type IpcpCreate struct {
	Name    string
	DIFName string
	DIFType string
}

type IpcpCreateResp struct {
	ID  int
	Err string `cbor:",omitempty"`
}

type IpcpDestroy struct {
	ID int
}

type IpcpConfig struct {
	ID    int
	Key   string
	Value string
}

type IpcpConfigGet struct {
	ID  int
	Key string
}

type IpcpConfigGetResp struct {
	Value string
	Err   string `cbor:",omitempty"`
}

type UipcpSet struct {
	ID int // 0 detaches
}

type UipcpWait struct {
	ID int
}

type Stats struct {
	ID int
}

type StatsResp struct {
	IPCPID       int
	Applications int
	PDUFTEntries int
	Flows        int
	PutQueueLen  int
	Err          string `cbor:",omitempty"`
}

type ApplRegister struct {
	IPCPID int
	Name   string
	Reg    bool // false = unregister
}

type ApplRegisterResp struct {
	Name string
	OK   bool
	Err  string `cbor:",omitempty"`
}

type ApplMove struct {
	IPCPID     int
	Name       string
	NewOwnerID string
}

type FaReq struct {
	DIFName    string
	LocalAppl  string
	RemoteAppl string
	RemoteAddr uint64
	Spec       FlowSpec
	QosID      uint8
}

type FlowSpec struct {
	MaxDelayMs      uint32
	MaxLossPct      uint8
	MaxJitterMs     uint32
	InOrderDelivery bool
	PartialDelivery bool
	OrderedDelivery bool
}

type FaResp struct {
	Port     int
	UID      int64
	Accept   bool
	EventID  uint32
}

type FaReqArrived struct {
	Port       int
	ApplNames  string
	DIFName    string
	RemotePort int
	RemoteCEP  int
	RemoteAddr uint64
	Spec       FlowSpec
}

type FaRespArrived struct {
	Port       int
	UID        int64
	Accept     bool
	RemotePort int
	RemoteCEP  int
}

type FlowDealloc struct {
	Port int
	UID  int64
}

type FlowStatsReq struct {
	Port int
}

type FlowStatsResp struct {
	Port      int
	TxPDUs    uint64
	RxPDUs    uint64
	TxBytes   uint64
	RxBytes   uint64
	RTTNanos  int64
	Err       string `cbor:",omitempty"`
}

type FlowCfgUpdate struct {
	Port                int
	WindowedFlowControl bool
	RtxControl          bool
	InitialCredit       uint64
}

type IpcpPduftSet struct {
	IPCPID int
	Addr   uint64
	Port   int // local port of the flow to forward through
}

type IpcpPduftDel struct {
	IPCPID int
	Addr   uint64
}

type IpcpPduftFlush struct {
	IPCPID int
}

type FlowFetch struct {
	IPCPID int
	Cursor int // not read by the handler; pagination state is kept per control device
}

type FlowFetchResp struct {
	Port    int
	UID     int64
	State   int
	End     bool // true on the terminal "end" marker entry
	Cursor  int
}

type RegFetch struct {
	IPCPID int
	Cursor int
}

type RegFetchResp struct {
	Name   string
	End    bool
	Cursor int
}

type IpcpUpdate struct {
	Kind    int
	ID      int
	Name    string
	DIFName string
	DIFType string
	Address uint64
}

type IpcpQosSupported struct {
	IPCPID int
	Spec   FlowSpec
}

type IpcpSchedWrr struct {
	IPCPID  int
	Weights map[uint8]int
}

type IpcpSchedPfifo struct {
	IPCPID int
}

type ErrorResp struct {
	Kind    string
	Message string
}
