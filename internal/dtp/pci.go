// Package dtp implements the per-flow Data Transfer Protocol engine of
// spec.md §4.6: sequencing, windowed flow control, the closed-window and
// retransmission queues, duplicate/gap classification on receive, and the
// two inactivity timers.
package dtp

import (
	"encoding/binary"
	"fmt"
)

// PDU types, values fixed by the wire contract (spec.md §6).
const (
	PDUTypeDT   uint16 = 0x8001
	PDUTypeMGMT uint16 = 0xC040
	PDUTypeFC   uint16 = 0xC001
)

// FlagDRF is the Data Run Flag bit within PCI.Flags (spec.md §4.6: "DRF
// bit = pdu_flags & 1").
const FlagDRF uint8 = 1

// PCI is the Protocol Control Information header prefixed to every PDU
// exchanged between normal IPCPs (spec.md §6):
//
//	{dst_addr: u64, src_addr: u64, conn_id: {qos_id: u8, dst_cep: u16,
//	 src_cep: u16}, pdu_type: u16, pdu_flags: u8, seqnum: u64}
type PCI struct {
	DstAddr uint64
	SrcAddr uint64
	QosID   uint8
	DstCEP  uint16
	SrcCEP  uint16
	PDUType uint16
	Flags   uint8
	SeqNum  uint64
}

// encodedSize is the true wire size of a PCI header.
const encodedSize = 8 + 8 + 1 + 2 + 2 + 2 + 1 + 8

// Encode serializes p into a newly allocated byte slice, big-endian, in
// field order.
func (p PCI) Encode() []byte {
	b := make([]byte, encodedSize)
	off := 0
	binary.BigEndian.PutUint64(b[off:], p.DstAddr)
	off += 8
	binary.BigEndian.PutUint64(b[off:], p.SrcAddr)
	off += 8
	b[off] = p.QosID
	off++
	binary.BigEndian.PutUint16(b[off:], p.DstCEP)
	off += 2
	binary.BigEndian.PutUint16(b[off:], p.SrcCEP)
	off += 2
	binary.BigEndian.PutUint16(b[off:], p.PDUType)
	off += 2
	b[off] = p.Flags
	off++
	binary.BigEndian.PutUint64(b[off:], p.SeqNum)
	return b
}

// DecodePCI parses a PCI header from the front of b, returning the header
// and the remaining payload bytes.
func DecodePCI(b []byte) (PCI, []byte, error) {
	if len(b) < encodedSize {
		return PCI{}, nil, fmt.Errorf("dtp: short PDU: %d bytes, want at least %d", len(b), encodedSize)
	}
	var p PCI
	off := 0
	p.DstAddr = binary.BigEndian.Uint64(b[off:])
	off += 8
	p.SrcAddr = binary.BigEndian.Uint64(b[off:])
	off += 8
	p.QosID = b[off]
	off++
	p.DstCEP = binary.BigEndian.Uint16(b[off:])
	off += 2
	p.SrcCEP = binary.BigEndian.Uint16(b[off:])
	off += 2
	p.PDUType = binary.BigEndian.Uint16(b[off:])
	off += 2
	p.Flags = b[off]
	off++
	p.SeqNum = binary.BigEndian.Uint64(b[off:])
	off += 8
	return p, b[off:], nil
}

// HasDRF reports whether the DRF bit is set.
func (p PCI) HasDRF() bool { return p.Flags&FlagDRF != 0 }
