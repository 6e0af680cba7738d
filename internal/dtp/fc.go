package dtp

import (
	"encoding/binary"
	"fmt"
)

// fcBody is the control-only PDU body carried by an FC PDU, per spec.md
// §4.6: "{last_ctrl_seq_num_rcvd, new_rwe, new_lwe, my_rwe, my_lwe}".
type fcBody struct {
	LastCtrlSeqNumRcvd uint64
	NewRWE             uint64
	NewLWE             uint64
	MyRWE              uint64
	MyLWE              uint64
}

const fcBodySize = 8 * 5

func encodeFCBody(b fcBody) []byte {
	buf := make([]byte, fcBodySize)
	binary.BigEndian.PutUint64(buf[0:], b.LastCtrlSeqNumRcvd)
	binary.BigEndian.PutUint64(buf[8:], b.NewRWE)
	binary.BigEndian.PutUint64(buf[16:], b.NewLWE)
	binary.BigEndian.PutUint64(buf[24:], b.MyRWE)
	binary.BigEndian.PutUint64(buf[32:], b.MyLWE)
	return buf
}

func decodeFCBody(b []byte) (fcBody, error) {
	if len(b) < fcBodySize {
		return fcBody{}, fmt.Errorf("dtp: short FC body: %d bytes, want %d", len(b), fcBodySize)
	}
	return fcBody{
		LastCtrlSeqNumRcvd: binary.BigEndian.Uint64(b[0:]),
		NewRWE:             binary.BigEndian.Uint64(b[8:]),
		NewLWE:             binary.BigEndian.Uint64(b[16:]),
		MyRWE:              binary.BigEndian.Uint64(b[24:]),
		MyLWE:              binary.BigEndian.Uint64(b[32:]),
	}, nil
}
