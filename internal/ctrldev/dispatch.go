package ctrldev

import (
	"sync"

	"github.com/ipcpstack/corekernel/internal/flow"
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/model"
	"github.com/ipcpstack/corekernel/internal/proto"
)

// Dispatcher routes framed control-device writes to their handlers
// (spec.md §4.4 "the dispatcher then calls the handler associated with
// msg_type"). One Dispatcher is shared by every ControlDevice opened
// against the same DataModel, since handlers only ever touch dm/engine
// state, never per-device state beyond the *ControlDevice passed in.
type Dispatcher struct {
	dm  *model.DataModel
	eng *flow.Engine

	writeLower func(lowerIPCP *model.IPCP, f *model.Flow, pdu []byte) error

	devMu sync.Mutex
	devs  map[string]*ControlDevice
}

// NewDispatcher builds a Dispatcher for dm. writeLower hands a framed
// PDU to a lower IPCP's plug-in sdu_write (spec.md §4.6's "hand off to
// the lower IPCP's sdu_write").
func NewDispatcher(dm *model.DataModel, eng *flow.Engine, writeLower func(*model.IPCP, *model.Flow, []byte) error) *Dispatcher {
	return &Dispatcher{dm: dm, eng: eng, writeLower: writeLower, devs: make(map[string]*ControlDevice)}
}

// RegisterDevice makes d resolvable by its ID for cross-device operations
// such as ApplMove, whose wire request names the target owner by the ID
// the target device reported when it registered the application. It
// should be called once a device is opened and undone via
// UnregisterDevice on close.
func (disp *Dispatcher) RegisterDevice(d *ControlDevice) {
	disp.devMu.Lock()
	disp.devs[d.ID()] = d
	disp.devMu.Unlock()
}

// UnregisterDevice drops d from the resolvable-device set.
func (disp *Dispatcher) UnregisterDevice(d *ControlDevice) {
	disp.devMu.Lock()
	delete(disp.devs, d.ID())
	disp.devMu.Unlock()
}

func (disp *Dispatcher) lookupDevice(id string) (*ControlDevice, bool) {
	disp.devMu.Lock()
	defer disp.devMu.Unlock()
	d, ok := disp.devs[id]
	return d, ok
}

var privileged = map[proto.Type]bool{
	proto.TypeIpcpCreate:      true,
	proto.TypeIpcpDestroy:     true,
	proto.TypeIpcpConfig:      true,
	proto.TypeIpcpPduftSet:    true,
	proto.TypeIpcpPduftDel:    true,
	proto.TypeIpcpPduftFlush:  true,
	proto.TypeUipcpSet:        true,
	proto.TypeFlowDealloc:     true,
	proto.TypeFaRespArrived:   true,
	proto.TypeIpcpSchedWrr:    true,
	proto.TypeIpcpSchedPfifo:  true,
	proto.TypeFlowCfgUpdate:   true,
}

// Dispatch decodes one framed message and runs its handler, encoding
// and returning the response (if any) to append to d's upqueue. A
// non-privileged device attempting a privileged operation gets
// Permission (spec.md §4.4).
func (disp *Dispatcher) Dispatch(d *ControlDevice, h proto.Header, body []byte) ([]byte, error) {
	if privileged[h.Type] && !d.admin {
		return nil, kerr.New(kerr.Permission, "ctrldev: %s requires the administrative capability", h.Type)
	}
	switch h.Type {
	case proto.TypeIpcpCreate:
		return disp.handleIpcpCreate(h, body)
	case proto.TypeIpcpDestroy:
		return disp.handleIpcpDestroy(h, body)
	case proto.TypeApplRegister:
		return disp.handleApplRegister(d, h, body)
	case proto.TypeApplMove:
		return nil, disp.handleApplMove(body)
	case proto.TypeFaReq:
		return disp.handleFaReq(d, h, body)
	case proto.TypeFaReqArrived:
		return disp.handleFaReqArrived(h, body)
	case proto.TypeFaResp:
		return nil, disp.handleFaResp(h, body)
	case proto.TypeFaRespArrived:
		return nil, disp.handleFaRespArrived(body)
	case proto.TypeFlowDealloc:
		return nil, disp.handleFlowDealloc(body)
	case proto.TypeFlowStatsReq:
		return disp.handleFlowStatsReq(h, body)
	case proto.TypeIpcpPduftSet:
		return nil, disp.handlePduftSet(body)
	case proto.TypeIpcpPduftDel:
		return nil, disp.handlePduftDel(body)
	case proto.TypeIpcpPduftFlush:
		return nil, disp.handlePduftFlush(body)
	case proto.TypeFlowFetch:
		return disp.handleFlowFetch(d, h, body)
	case proto.TypeRegFetch:
		return disp.handleRegFetch(d, h, body)
	case proto.TypeUipcpSet:
		return nil, disp.handleUipcpSet(d, body)
	case proto.TypeIpcpQosSupported:
		return nil, disp.handleQosSupported(body)
	case proto.TypeIpcpSchedWrr:
		return nil, disp.handleSchedWrr(body)
	case proto.TypeIpcpSchedPfifo:
		return nil, disp.handleSchedPfifo(body)
	case proto.TypeIpcpConfig:
		return nil, disp.handleIpcpConfig(body)
	case proto.TypeIpcpConfigGet:
		return disp.handleIpcpConfigGet(h, body)
	case proto.TypeUipcpWait:
		return nil, disp.handleUipcpWait(body)
	case proto.TypeStats:
		return disp.handleStats(h, body)
	case proto.TypeFlowCfgUpdate:
		return nil, disp.handleFlowCfgUpdate(body)
	default:
		return nil, kerr.New(kerr.NotImpl, "ctrldev: unhandled message type %s", h.Type)
	}
}

func errResp(t proto.Type, eventID uint32, err error) []byte {
	kind, _ := kerr.KindOf(err)
	msg, _ := proto.Encode(t, eventID, proto.ErrorResp{Kind: kind.String(), Message: err.Error()})
	return msg
}
