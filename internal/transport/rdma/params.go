package rdma

import (
	"encoding/binary"
	"fmt"
)

// ConnectionParamsSize is the encoded size of ConnectionParams.
const ConnectionParamsSize = 4 + 4 + 4 + 4 + 8

// ConnectionParams is the record one peer sends the other to connect its
// queue pair. The field order of the encoding is the protocol version.
type ConnectionParams struct {
	LID   uint32
	QPN   uint32
	PSN   uint32
	RKey  uint32
	VAddr uint64
}

// Encode returns the big-endian wire form.
func (p ConnectionParams) Encode() []byte {
	buf := make([]byte, ConnectionParamsSize)

	binary.BigEndian.PutUint32(buf[0:], p.LID)
	binary.BigEndian.PutUint32(buf[4:], p.QPN)
	binary.BigEndian.PutUint32(buf[8:], p.PSN)
	binary.BigEndian.PutUint32(buf[12:], p.RKey)
	binary.BigEndian.PutUint64(buf[16:], p.VAddr)

	return buf
}

// DecodeConnectionParams decodes the wire form. Short input is the caller's
// channel failing to deliver a whole record; missing bytes read as zero.
func DecodeConnectionParams(buf []byte) ConnectionParams {
	var full [ConnectionParamsSize]byte

	copy(full[:], buf)

	return ConnectionParams{
		LID:   binary.BigEndian.Uint32(full[0:]),
		QPN:   binary.BigEndian.Uint32(full[4:]),
		PSN:   binary.BigEndian.Uint32(full[8:]),
		RKey:  binary.BigEndian.Uint32(full[12:]),
		VAddr: binary.BigEndian.Uint64(full[16:]),
	}
}

func (p ConnectionParams) String() string {
	return fmt.Sprintf("lid=%04x qpn=%06x psn=%06x rkey=%08x vaddr=%010x", p.LID, p.QPN, p.PSN, p.RKey, p.VAddr)
}
