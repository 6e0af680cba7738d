// Package proto defines the control device wire format (spec.md §6): a
// fixed binary header — length, message type, event id — followed by a
// CBOR-encoded type-specific body (SPEC_FULL §3, grounded on the
// teacher's tka package's use of github.com/fxamacker/cbor/v2 for
// self-describing, versionable record encoding).
package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ipcpstack/corekernel/internal/kerr"
)

// Type identifies a control device message, per spec.md §6's numbered
// message table.
type Type uint16

const (
	TypeIpcpCreate Type = 1 + iota
	TypeIpcpCreateResp
	TypeIpcpDestroy
	TypeIpcpConfig
	TypeIpcpConfigGet
	TypeIpcpConfigGetResp
	TypeUipcpSet
	TypeUipcpWait
	TypeStats
	TypeStatsResp

	TypeApplRegister
	TypeApplRegisterResp
	TypeApplMove

	TypeFaReq
	TypeFaResp
	TypeFaReqArrived
	TypeFaRespArrived
	TypeFlowDealloc
	TypeFlowStatsReq
	TypeFlowStatsResp
	TypeFlowCfgUpdate

	TypeIpcpPduftSet
	TypeIpcpPduftDel
	TypeIpcpPduftFlush

	TypeFlowFetch
	TypeFlowFetchResp
	TypeRegFetch
	TypeRegFetchResp

	TypeIpcpUpdate

	TypeIpcpQosSupported
	TypeIpcpSchedWrr
	TypeIpcpSchedPfifo

	TypeErrorResp
)

// headerSize is the fixed prefix: length(u32) + type(u16) + event_id(u32).
const headerSize = 4 + 2 + 4

// MaxBodySize bounds a single decoded body; callers should also enforce
// config.Config.MaxMessageSize against the wire length before decoding.
const MaxBodySize = 1 << 20

// Header is the fixed prefix of every control device message.
type Header struct {
	Length  uint32 // length of the body that follows, in bytes
	Type    Type
	EventID uint32
}

// Encode serializes header and body (CBOR-encoded) into one framed
// message ready to append to an upqueue or write to the device.
func Encode(t Type, eventID uint32, body any) ([]byte, error) {
	payload, err := cbor.Marshal(body)
	if err != nil {
		return nil, kerr.Wrap(kerr.InvalidArg, err, "proto: encode body")
	}
	if len(payload) > MaxBodySize {
		return nil, kerr.New(kerr.NoSpace, "proto: body too large (%d bytes)", len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(t))
	binary.BigEndian.PutUint32(buf[6:10], eventID)
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Decode parses the fixed header from the front of raw, returning the
// header and the remaining body bytes (still CBOR-encoded — callers
// decode into the type-specific struct with DecodeBody once they know
// which one applies).
func Decode(raw []byte) (Header, []byte, error) {
	if len(raw) < headerSize {
		return Header{}, nil, kerr.New(kerr.InvalidArg, "proto: short header (%d bytes)", len(raw))
	}
	h := Header{
		Length:  binary.BigEndian.Uint32(raw[0:4]),
		Type:    Type(binary.BigEndian.Uint16(raw[4:6])),
		EventID: binary.BigEndian.Uint32(raw[6:10]),
	}
	if h.Length > MaxBodySize {
		return Header{}, nil, kerr.New(kerr.NoSpace, "proto: declared body length %d exceeds max", h.Length)
	}
	body := raw[headerSize:]
	if uint32(len(body)) < h.Length {
		return Header{}, nil, kerr.New(kerr.InvalidArg, "proto: truncated body: want %d have %d", h.Length, len(body))
	}
	return h, body[:h.Length], nil
}

// DecodeBody CBOR-decodes body into dst, which must be a pointer.
func DecodeBody(body []byte, dst any) error {
	if err := cbor.Unmarshal(body, dst); err != nil {
		return kerr.Wrap(kerr.InvalidArg, err, "proto: decode body")
	}
	return nil
}

// String renders a Type for logging.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

var typeNames = map[Type]string{
	TypeIpcpCreate:        "IpcpCreate",
	TypeIpcpCreateResp:    "IpcpCreateResp",
	TypeIpcpDestroy:       "IpcpDestroy",
	TypeIpcpConfig:        "IpcpConfig",
	TypeIpcpConfigGet:     "IpcpConfigGet",
	TypeIpcpConfigGetResp: "IpcpConfigGetResp",
	TypeUipcpSet:          "UipcpSet",
	TypeUipcpWait:         "UipcpWait",
	TypeStats:             "Stats",
	TypeStatsResp:         "StatsResp",
	TypeApplRegister:      "ApplRegister",
	TypeApplRegisterResp:  "ApplRegisterResp",
	TypeApplMove:          "ApplMove",
	TypeFaReq:             "FaReq",
	TypeFaResp:            "FaResp",
	TypeFaReqArrived:      "FaReqArrived",
	TypeFaRespArrived:     "FaRespArrived",
	TypeFlowDealloc:       "FlowDealloc",
	TypeFlowStatsReq:      "FlowStatsReq",
	TypeFlowStatsResp:     "FlowStatsResp",
	TypeFlowCfgUpdate:     "FlowCfgUpdate",
	TypeIpcpPduftSet:      "IpcpPduftSet",
	TypeIpcpPduftDel:      "IpcpPduftDel",
	TypeIpcpPduftFlush:    "IpcpPduftFlush",
	TypeFlowFetch:         "FlowFetch",
	TypeFlowFetchResp:     "FlowFetchResp",
	TypeRegFetch:          "RegFetch",
	TypeRegFetchResp:      "RegFetchResp",
	TypeIpcpUpdate:        "IpcpUpdate",
	TypeIpcpQosSupported:  "IpcpQosSupported",
	TypeIpcpSchedWrr:      "IpcpSchedWrr",
	TypeIpcpSchedPfifo:    "IpcpSchedPfifo",
	TypeErrorResp:         "ErrorResp",
}
