package ctrldev

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/model"
	"github.com/ipcpstack/corekernel/internal/proto"
)

// FetchCursor bundles the two paginated FETCH enumerations a device may
// have in progress (spec.md §4.4: "the per-device queue between requests
// is preserved to allow paginated consumption").
type fetchCursor struct {
	ipcpID int
	items  []int    // remaining local ports (FlowFetch)
	names  []string // remaining application names (RegFetch)
}

// ControlDevice is one opened instance of the control device (spec.md
// §4.4/§6). Each open is independent: its own upqueue, its own
// subscription flag, its own admin capability, its own in-flight FETCH
// cursors.
type ControlDevice struct {
	id  uuid.UUID
	dm  *model.DataModel
	cfg config.Config
	logf logger.Logf

	admin bool // holder of the administrative capability (spec.md §4.4)

	upq *upqueue

	mu         sync.Mutex
	subscribed bool
	flowFetch  *fetchCursor
	regFetch   *fetchCursor
}

// New opens a control device against dm. admin grants the administrative
// capability required for IPCP create/destroy, PDUFT mutation, uipcp
// set, flow dealloc, and reflected flow-allocation responses (spec.md
// §4.4).
func New(dm *model.DataModel, cfg config.Config, admin bool, logf logger.Logf) *ControlDevice {
	if logf == nil {
		logf = logger.Discard
	}
	d := &ControlDevice{
		id:    uuid.New(),
		dm:    dm,
		cfg:   cfg,
		admin: admin,
	}
	d.logf = logger.WithPrefix(logf, "ctrldev["+d.id.String()[:8]+"]: ")
	d.upq = newUpqueue(cfg.UpqueueByteBudget, func() { dm.Metrics.UpqueueDroppedTotal.Inc() })
	return d
}

// ID satisfies model.ApplOwner. The uuid string is used for log
// correlation, as the key of the Dispatcher's device registry, and on the
// wire as ApplMove.NewOwnerID naming the target device.
func (d *ControlDevice) ID() string { return d.id.String() }

// Close unsubscribes this device from IPCP-update broadcasts. It does not
// unregister applications or deallocate flows the device owns; those are
// released only through the normal unregister/dealloc requests.
func (d *ControlDevice) Close() {
	d.dm.Unsubscribe(d)
}

// PushUpdate implements model.UpdateSink: it frames the broadcast and
// appends it to this device's upqueue, dropping (with a metrics bump)
// rather than blocking, since broadcasts happen on the caller's calling
// goroutine (potentially the IPCP-table-mutating one) and never sleep.
func (d *ControlDevice) PushUpdate(u model.IpcpUpdate) {
	body := proto.IpcpUpdate{
		Kind: int(u.Kind), ID: u.ID, Name: u.Name,
		DIFName: u.DIFName, DIFType: u.DIFType, Address: u.Address,
	}
	msg, err := proto.Encode(proto.TypeIpcpUpdate, 0, body)
	if err != nil {
		d.logf("encode IpcpUpdate: %v", err)
		return
	}
	if err := d.upq.append(msg, false, 0); err != nil {
		d.logf("drop IpcpUpdate: %v", err)
	}
}

// PushReflected implements model.UipcpPeer: it delivers a
// kernel-shim-originated flow-allocation message to the user-space
// daemon attached as this IPCP's uipcp (spec.md §4.5 "reflect the
// request onto the IPCP's uipcp upqueue").
func (d *ControlDevice) PushReflected(msgType uint32, payload []byte) error {
	return d.upq.append(payload, true, d.cfg.UpqueueAppendTimeout)
}

// PushNotify implements model.ApplOwner: it delivers an application
// notification (FaReqArrived, ApplRegisterResp, ...) to the control
// device that owns the registration.
func (d *ControlDevice) PushNotify(msgType uint32, payload []byte) error {
	return d.upq.append(payload, true, d.cfg.UpqueueAppendTimeout)
}

// Read pops one framed message into buf (spec.md §4.4).
func (d *ControlDevice) Read(buf []byte) (int, error) {
	return d.upq.read(buf)
}

// ReadBlocking waits up to timeout (0 = forever) for a message to become
// available, then pops it.
func (d *ControlDevice) ReadBlocking(buf []byte, timeout time.Duration) (int, error) {
	d.upq.waitReadable(timeout)
	return d.upq.read(buf)
}

// PollReadable reports POLLIN readiness (spec.md §4.4: "always writable;
// readable when the queue is non-empty").
func (d *ControlDevice) PollReadable() bool {
	return d.upq.readable()
}

// HandleWrite implements the control device's write() path (spec.md
// §4.4): raw holds exactly one message, decoded here into the staging
// buffer's logical header+body and handed to disp. Any response the
// handler produces is appended to this device's own upqueue rather than
// returned synchronously, since the control device is a byte stream with
// independent read/write directions.
func (d *ControlDevice) HandleWrite(disp *Dispatcher, raw []byte) error {
	h, body, err := proto.Decode(raw)
	if err != nil {
		return err
	}
	if h.Type == typeChangeFlagsIPCPS {
		var subscribe bool
		if err := proto.DecodeBody(body, &subscribe); err != nil {
			return err
		}
		d.ChangeFlagsIPCPS(subscribe)
		return nil
	}
	resp, err := disp.Dispatch(d, h, body)
	if err != nil {
		if msg := errResp(h.Type, h.EventID, err); msg != nil {
			if appendErr := d.upq.append(msg, true, d.cfg.UpqueueAppendTimeout); appendErr != nil {
				return appendErr
			}
		}
		return err
	}
	if resp == nil {
		return nil
	}
	return d.upq.append(resp, true, d.cfg.UpqueueAppendTimeout)
}

// typeChangeFlagsIPCPS is a pseudo message type reserved for the
// ioctl(ChangeFlags, SUBSCRIBE_IPCPS) path (spec.md §4.4), handled
// locally by HandleWrite rather than routed through Dispatcher since it
// mutates only this device's own subscription flag.
const typeChangeFlagsIPCPS proto.Type = 0xFFFF

// ChangeFlagsIPCPS implements ioctl(ChangeFlags, SUBSCRIBE_IPCPS)
// (spec.md §4.4). Enabling triggers dm.Subscribe, which itself emits one
// ADD per existing IPCP.
func (d *ControlDevice) ChangeFlagsIPCPS(subscribe bool) {
	d.mu.Lock()
	already := d.subscribed
	d.subscribed = subscribe
	d.mu.Unlock()
	if subscribe && !already {
		d.dm.Subscribe(d)
	} else if !subscribe && already {
		d.dm.Unsubscribe(d)
	}
}
