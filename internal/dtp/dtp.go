package dtp

import (
	"sync"
	"time"

	"github.com/ipcpstack/corekernel/internal/kerr"
)

// Config is the per-flow DTP configuration derived from the flow's
// negotiated flow spec (spec.md §4.6).
type Config struct {
	DstAddr, SrcAddr uint64
	DstCEP, SrcCEP   uint16
	QosID            uint8

	// WindowedFlowControl enables the send-side closed-window queue and
	// the receive-side window advertisement.
	WindowedFlowControl bool
	// RtxControl enables the retransmission queue. The source's
	// retransmission and reordering policy is marked TODO (spec.md §9);
	// this implementation only maintains the queue: each transmitted DT
	// PDU is copied onto it and the oldest entry is dropped once
	// MaxRTXQLen is reached. Nothing retransmits from it or purges it on
	// ack; it is cleared only when the sender inactivity timer fires.
	RtxControl bool

	InitialCredit uint64
	MaxCWQLen     int
	MaxRTXQLen    int

	SenderInactivity   time.Duration
	ReceiverInactivity time.Duration
}

// Callbacks are the side-effecting operations DTP needs from its owning
// flow, injected at construction so the state machine itself stays free
// of any dependency on the data model (mirrors the "IPCP vtable" style of
// spec.md §9: a set of function pointers rather than an interface
// hierarchy).
type Callbacks struct {
	// WriteLower hands a fully-framed PDU (PCI + payload) to the lower
	// flow's sdu_write, or loops it back locally when src==dst.
	WriteLower func(pdu []byte) error
	// Deliver hands a received SDU payload up to the application/flow
	// user.
	Deliver func(payload []byte)
	// NotifyInactive is called when the sender inactivity timer fires.
	NotifyInactive func()
	// OnDrop is called once per PDU dropped in the send or receive path
	// (closed-window queue full, unrecognized PDU type), letting the
	// owning flow feed a per-CPU metrics shard without DTP itself
	// depending on a metrics package.
	OnDrop func()
}

type rtxEntry struct {
	seq uint64
	pdu []byte
}

// Stats are the per-flow counters supplementing FlowStatsReq (SPEC_FULL §4).
type Stats struct {
	mu         sync.Mutex
	TxPDUs     uint64
	RxPDUs     uint64
	TxBytes    uint64
	RxBytes    uint64
	Duplicates uint64
	Dropped    uint64
}

func (s *Stats) addTx(n int) {
	s.mu.Lock()
	s.TxPDUs++
	s.TxBytes += uint64(n)
	s.mu.Unlock()
}

func (s *Stats) addRx(n int) {
	s.mu.Lock()
	s.RxPDUs++
	s.RxBytes += uint64(n)
	s.mu.Unlock()
}

func (s *Stats) addDup() {
	s.mu.Lock()
	s.Duplicates++
	s.mu.Unlock()
}

func (s *Stats) addDrop() {
	s.mu.Lock()
	s.Dropped++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{TxPDUs: s.TxPDUs, RxPDUs: s.RxPDUs, TxBytes: s.TxBytes, RxBytes: s.RxBytes, Duplicates: s.Duplicates, Dropped: s.Dropped}
}

// State is the per-flow DTP sender/receiver state machine.
type State struct {
	cfg Config
	cb  Callbacks

	mu sync.Mutex

	drf                bool
	nextSeqNumToSend   uint64
	sndLWE, sndRWE     uint64
	lastSeqNumSent     int64 // -1 sentinel: none sent yet
	rcvLWE, rcvRWE     uint64
	maxSeqNumRcvd      int64 // -1 sentinel: none received yet
	nextSndCtlSeq      uint64
	lastCtrlSeqNumRcvd uint64

	cwq   [][]byte
	rtxq  []rtxEntry
	dirty bool // set once the flow has sent or received at least one PDU

	sndTimer *time.Timer
	rcvTimer *time.Timer

	Stats Stats
}

// New constructs a DTP state machine initialized per rina_normal_flow_init
// in the original source: DRF set, sequence numbers at zero, no PDU seen
// yet.
func New(cfg Config, cb Callbacks) *State {
	if cfg.MaxCWQLen <= 0 {
		cfg.MaxCWQLen = 64
	}
	if cfg.MaxRTXQLen <= 0 {
		cfg.MaxRTXQLen = 256
	}
	s := &State{
		cfg:            cfg,
		cb:             cb,
		drf:            true,
		sndRWE:         cfg.InitialCredit,
		rcvRWE:         cfg.InitialCredit,
		lastSeqNumSent: -1,
		maxSeqNumRcvd:  -1,
	}
	return s
}

// Close stops the inactivity timers. Safe to call multiple times.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sndTimer != nil {
		s.sndTimer.Stop()
	}
	if s.rcvTimer != nil {
		s.rcvTimer.Stop()
	}
}

// CWQLen and RTXQLen report queue depths, used by the put-queue to decide
// whether a deallocated-but-not-yet-freed flow needs the postponement
// grace period of spec.md §4.3.
func (s *State) CWQLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cwq)
}

func (s *State) RTXQLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rtxq)
}

// UpdateConfig applies a live reconfiguration of windowed flow control,
// retransmission control, and initial credit (spec.md §6's
// FlowCfgUpdate message). PDUs already queued or in flight are
// unaffected; only the policy applied to subsequent sends/receives
// changes.
func (s *State) UpdateConfig(windowed, rtx bool, initialCredit uint64) {
	s.mu.Lock()
	s.cfg.WindowedFlowControl = windowed
	s.cfg.RtxControl = rtx
	s.cfg.InitialCredit = initialCredit
	if initialCredit > s.sndRWE {
		s.sndRWE = initialCredit
	}
	if initialCredit > s.rcvRWE {
		s.rcvRWE = initialCredit
	}
	s.mu.Unlock()
}

// Send frames payload as a DT PDU and either transmits it immediately or
// enqueues it on the CWQ if the send window is closed (spec.md §4.6
// "Send path").
func (s *State) Send(payload []byte) error {
	s.mu.Lock()
	pci := PCI{
		DstAddr: s.cfg.DstAddr,
		SrcAddr: s.cfg.SrcAddr,
		QosID:   s.cfg.QosID,
		DstCEP:  s.cfg.DstCEP,
		SrcCEP:  s.cfg.SrcCEP,
		PDUType: PDUTypeDT,
		SeqNum:  s.nextSeqNumToSend,
	}
	if s.drf {
		pci.Flags |= FlagDRF
		s.drf = false
	}
	seq := s.nextSeqNumToSend
	s.nextSeqNumToSend++
	pdu := append(pci.Encode(), payload...)
	s.dirty = true

	if s.cfg.WindowedFlowControl && seq > s.sndRWE {
		if len(s.cwq) >= s.cfg.MaxCWQLen {
			s.mu.Unlock()
			s.Stats.addDrop()
			s.notifyDrop()
			return kerr.New(kerr.NoSpace, "dtp: closed window queue full")
		}
		s.cwq = append(s.cwq, pdu)
		s.mu.Unlock()
		return nil
	}
	s.sndLWE = seq
	s.lastSeqNumSent = int64(seq)
	if s.cfg.RtxControl {
		s.pushRTX(seq, pdu)
	}
	s.armSenderTimerLocked()
	s.mu.Unlock()

	s.Stats.addTx(len(pdu))
	return s.cb.WriteLower(pdu)
}

func (s *State) pushRTX(seq uint64, pdu []byte) {
	if len(s.rtxq) >= s.cfg.MaxRTXQLen {
		s.rtxq = s.rtxq[1:]
	}
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	s.rtxq = append(s.rtxq, rtxEntry{seq: seq, pdu: cp})
}

// classification is the result of comparing an incoming DT PDU's sequence
// number against the receiver's state.
type classification int

const (
	classDuplicate classification = iota
	classGapFill
	classInOrder
	classOutOfOrder
)

func (s *State) classifyLocked(seq uint64) classification {
	switch {
	case seq < s.rcvLWE:
		return classDuplicate
	case seq >= s.rcvLWE && int64(seq) <= s.maxSeqNumRcvd:
		return classGapFill
	case int64(seq) == s.maxSeqNumRcvd+1:
		return classInOrder
	default:
		return classOutOfOrder
	}
}

// Receive processes one incoming PDU addressed to this flow (spec.md
// §4.6 "Receive path"). The caller has already matched the PDU's
// destination CEP to this flow and stripped nothing; Receive strips the
// PCI itself.
func (s *State) Receive(raw []byte) error {
	pci, payload, err := DecodePCI(raw)
	if err != nil {
		return err
	}

	switch pci.PDUType {
	case PDUTypeMGMT:
		s.Stats.addRx(len(raw))
		s.cb.Deliver(payload)
		return nil
	case PDUTypeFC:
		return s.receiveFC(pci, payload)
	case PDUTypeDT:
		return s.receiveDT(pci, payload, len(raw))
	default:
		s.Stats.addDrop()
		s.notifyDrop()
		return nil
	}
}

func (s *State) notifyDrop() {
	if s.cb.OnDrop != nil {
		s.cb.OnDrop()
	}
}

func (s *State) receiveDT(pci PCI, payload []byte, rawLen int) error {
	s.mu.Lock()
	s.cancelReceiverTimerLocked()

	if pci.HasDRF() {
		// A new data run starts; no reassembly buffer is kept, so there is
		// nothing to flush on the receive side.
		s.rcvLWE = pci.SeqNum + 1
		s.maxSeqNumRcvd = int64(pci.SeqNum)
		s.dirty = true
		s.armReceiverTimerLocked()
		s.mu.Unlock()
		s.Stats.addRx(rawLen)
		s.cb.Deliver(payload)
		return s.maybeSendFCLocked()
	}

	class := s.classifyLocked(pci.SeqNum)
	deliver := false
	switch class {
	case classDuplicate:
		s.Stats.addDup()
	case classGapFill:
		s.rcvLWE = pci.SeqNum + 1
		deliver = true
	case classInOrder:
		s.maxSeqNumRcvd = int64(pci.SeqNum)
		s.rcvLWE = pci.SeqNum + 1
		deliver = true
	case classOutOfOrder:
		s.maxSeqNumRcvd = int64(pci.SeqNum)
		s.rcvLWE = pci.SeqNum + 1
		deliver = true
	}
	s.dirty = true
	s.armReceiverTimerLocked()
	s.mu.Unlock()

	if !deliver {
		return nil
	}
	s.Stats.addRx(rawLen)
	s.cb.Deliver(payload)
	return s.maybeSendFCLocked()
}

// maybeSendFCLocked emits a control-only FC PDU carrying the receiver's
// window state when RX flow control is enabled without retransmission
// control (spec.md §4.6). Despite the name, the caller must not hold
// s.mu: it takes s.mu itself to read the window fields.
func (s *State) maybeSendFCLocked() error {
	if !s.cfg.WindowedFlowControl || s.cfg.RtxControl {
		return nil
	}
	s.mu.Lock()
	s.nextSndCtlSeq++
	fc := PCI{
		DstAddr: s.cfg.DstAddr,
		SrcAddr: s.cfg.SrcAddr,
		QosID:   s.cfg.QosID,
		DstCEP:  s.cfg.DstCEP,
		SrcCEP:  s.cfg.SrcCEP,
		PDUType: PDUTypeFC,
		SeqNum:  s.nextSndCtlSeq,
	}
	body := encodeFCBody(fcBody{
		LastCtrlSeqNumRcvd: s.lastCtrlSeqNumRcvd,
		NewRWE:             s.rcvRWE,
		NewLWE:             s.rcvLWE,
		MyRWE:              s.sndRWE,
		MyLWE:              s.sndLWE,
	})
	s.mu.Unlock()
	pdu := append(fc.Encode(), body...)
	return s.cb.WriteLower(pdu)
}

func (s *State) receiveFC(pci PCI, raw []byte) error {
	body, err := decodeFCBody(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastCtrlSeqNumRcvd = pci.SeqNum
	if body.NewRWE > s.sndRWE {
		s.sndRWE = body.NewRWE
	}
	ready := s.drainCWQLocked()
	s.mu.Unlock()
	for _, pdu := range ready {
		s.Stats.addTx(len(pdu))
		if err := s.cb.WriteLower(pdu); err != nil {
			return err
		}
	}
	return nil
}

// drainCWQLocked pops CWQ entries that now fit the advertised window and
// returns them for transmission by the caller (which must not hold the
// lock while calling WriteLower). Must be called with s.mu held.
func (s *State) drainCWQLocked() [][]byte {
	var ready [][]byte
	remaining := s.cwq[:0:0]
	for _, pdu := range s.cwq {
		pci, _, err := DecodePCI(pdu)
		if err == nil && pci.SeqNum <= s.sndRWE {
			s.sndLWE = pci.SeqNum
			s.lastSeqNumSent = int64(pci.SeqNum)
			if s.cfg.RtxControl {
				s.pushRTX(pci.SeqNum, pdu)
			}
			ready = append(ready, pdu)
			continue
		}
		remaining = append(remaining, pdu)
	}
	s.cwq = remaining
	if len(ready) > 0 {
		s.armSenderTimerLocked()
	}
	return ready
}

func (s *State) armSenderTimerLocked() {
	if s.cfg.SenderInactivity <= 0 {
		return
	}
	if s.sndTimer == nil {
		s.sndTimer = time.AfterFunc(s.cfg.SenderInactivity, s.fireSenderInactivity)
		return
	}
	s.sndTimer.Reset(s.cfg.SenderInactivity)
}

func (s *State) cancelReceiverTimerLocked() {
	if s.rcvTimer != nil {
		s.rcvTimer.Stop()
	}
}

func (s *State) armReceiverTimerLocked() {
	if s.cfg.ReceiverInactivity <= 0 {
		return
	}
	if s.rcvTimer == nil {
		s.rcvTimer = time.AfterFunc(s.cfg.ReceiverInactivity, func() {})
		return
	}
	s.rcvTimer.Reset(s.cfg.ReceiverInactivity)
}

// fireSenderInactivity implements the sender-inactivity-timer fire
// behavior of spec.md §4.6: it resets DRF and the send sequence,
// discards the CWQ and RTXQ, emits an FC PDU and a zero-length DT PDU
// with DRF set, and calls NotifyInactive. It keeps no inactive mark of
// its own and frees nothing held by the flow.
func (s *State) fireSenderInactivity() {
	s.mu.Lock()
	s.drf = true
	s.nextSeqNumToSend = 0
	s.sndLWE = 0
	s.cwq = nil
	s.rtxq = nil
	ack := PCI{
		DstAddr: s.cfg.DstAddr,
		SrcAddr: s.cfg.SrcAddr,
		DstCEP:  s.cfg.DstCEP,
		SrcCEP:  s.cfg.SrcCEP,
		PDUType: PDUTypeFC,
		SeqNum:  s.nextSndCtlSeq,
	}
	zero := PCI{
		DstAddr: s.cfg.DstAddr,
		SrcAddr: s.cfg.SrcAddr,
		DstCEP:  s.cfg.DstCEP,
		SrcCEP:  s.cfg.SrcCEP,
		PDUType: PDUTypeDT,
		Flags:   FlagDRF,
		SeqNum:  0,
	}
	s.drf = false
	s.mu.Unlock()

	_ = s.cb.WriteLower(ack.Encode())
	_ = s.cb.WriteLower(zero.Encode())
	if s.cb.NotifyInactive != nil {
		s.cb.NotifyInactive()
	}
}
