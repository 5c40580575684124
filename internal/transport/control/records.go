package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/piwi3910/rdmaperf/internal/stats"
)

// Protocol version carried in every request. Peers must agree on major and
// minor.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionInc   = 0
)

// StrSize is the fixed width of string fields in a request.
const StrSize = 64

const (
	requestVersionSize = 3 * 2
	requestDataSize    = 2 + 11*4 + 3*StrSize
	countersSize       = 3 * 8
	// StatSize is the encoded size of a stats.Stat.
	StatSize = 3*4 + 2*stats.TimeN*8 + 4*countersSize
	confField = 128
	// ConfSize is the encoded size of a Conf.
	ConfSize = 4 * confField
)

// Request tells the server which test to run and with what parameters.
type Request struct {
	RunID      string
	ID         string
	Rate       string
	Timeout    time.Duration
	Time       time.Duration
	VerMaj     uint16
	VerMin     uint16
	VerInc     uint16
	Index      uint16
	Affinity   uint32
	RdAtomic   uint32
	MsgSize    uint32
	MTUSize    uint32
	NoMsgs     uint32
	AccessRecv bool
	PollMode   bool

	// ServiceLevel and SrcPathBits go into the address vector.
	ServiceLevel uint32
	SrcPathBits  uint32
}

// encoder appends big-endian fields.
type encoder struct {
	buf []byte
}

func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *encoder) str(s string, width int) {
	field := make([]byte, width)
	copy(field[:width-1], s)
	e.buf = append(e.buf, field...)
}

func (e *encoder) flag(b bool) {
	if b {
		e.u32(1)
	} else {
		e.u32(0)
	}
}

// decoder consumes big-endian fields. The caller checks the length first.
type decoder struct {
	buf []byte
}

func (d *decoder) u16() uint16 {
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]

	return v
}

func (d *decoder) u32() uint32 {
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]

	return v
}

func (d *decoder) u64() uint64 {
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]

	return v
}

func (d *decoder) str(width int) string {
	field := d.buf[:width]
	d.buf = d.buf[width:]

	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}

	return string(field)
}

// DurationResolution is the granularity of durations in a request.
const DurationResolution = time.Millisecond

// RoundDuration rounds a positive duration up to DurationResolution so it
// does not reach the peer as zero.
func RoundDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}

	return (d + DurationResolution - 1) / DurationResolution * DurationResolution
}

// CheckDuration rejects durations a request cannot carry.
func CheckDuration(name string, d time.Duration) error {
	switch {
	case d < 0:
		return fmt.Errorf("%s cannot be negative", name)
	case d > 0 && d < DurationResolution:
		return fmt.Errorf("%s %s must be at least %s", name, d, DurationResolution)
	}

	return nil
}

func millis(d time.Duration) uint32 {
	return uint32(RoundDuration(d) / time.Millisecond) //nolint:gosec // G115: test durations fit in 32 bits of ms
}

// EncodeVersion returns the version header that precedes a request.
func (r *Request) EncodeVersion() []byte {
	e := encoder{buf: make([]byte, 0, requestVersionSize)}
	e.u16(r.VerMaj)
	e.u16(r.VerMin)
	e.u16(r.VerInc)

	return e.buf
}

// EncodeData returns the request body.
func (r *Request) EncodeData() []byte {
	e := encoder{buf: make([]byte, 0, requestDataSize)}
	e.u16(r.Index)
	e.flag(r.AccessRecv)
	e.u32(r.Affinity)
	e.flag(r.PollMode)
	e.u32(r.RdAtomic)
	e.u32(millis(r.Timeout))
	e.u32(r.MsgSize)
	e.u32(r.MTUSize)
	e.u32(r.NoMsgs)
	e.u32(millis(r.Time))
	e.u32(r.ServiceLevel)
	e.u32(r.SrcPathBits)
	e.str(r.ID, StrSize)
	e.str(r.Rate, StrSize)
	e.str(r.RunID, StrSize)

	return e.buf
}

func (r *Request) decodeVersion(buf []byte) {
	d := decoder{buf: buf}
	r.VerMaj = d.u16()
	r.VerMin = d.u16()
	r.VerInc = d.u16()
}

func (r *Request) decodeData(buf []byte) {
	d := decoder{buf: buf}
	r.Index = d.u16()
	r.AccessRecv = d.u32() != 0
	r.Affinity = d.u32()
	r.PollMode = d.u32() != 0
	r.RdAtomic = d.u32()
	r.Timeout = time.Duration(d.u32()) * time.Millisecond
	r.MsgSize = d.u32()
	r.MTUSize = d.u32()
	r.NoMsgs = d.u32()
	r.Time = time.Duration(d.u32()) * time.Millisecond
	r.ServiceLevel = d.u32()
	r.SrcPathBits = d.u32()
	r.ID = d.str(StrSize)
	r.Rate = d.str(StrSize)
	r.RunID = d.str(StrSize)
}

// Validate reports string fields too long for the wire. The encoder keeps
// StrSize-1 bytes of each plus a terminating NUL.
func (r *Request) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"id", r.ID},
		{"static_rate", r.Rate},
		{"run_id", r.RunID},
	} {
		if len(f.val) >= StrSize {
			return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFieldTooLong, f.name, len(f.val), StrSize-1)
		}
	}

	return nil
}

// SendRequest stamps the local protocol version on r and sends it.
func (c *Conn) SendRequest(r *Request) error {
	err := r.Validate()
	if err != nil {
		return err
	}

	r.VerMaj, r.VerMin, r.VerInc = VersionMajor, VersionMinor, VersionInc

	err = c.SendMessage("request version", r.EncodeVersion())
	if err != nil {
		return err
	}

	return c.SendMessage("request data", r.EncodeData())
}

// RecvRequest reads a request. A version mismatch is reported before the
// body is read; an index at or beyond numTests is rejected.
func (c *Conn) RecvRequest(numTests int) (*Request, error) {
	buf, err := c.RecvMessage("request version", requestVersionSize)
	if err != nil {
		return nil, err
	}

	r := &Request{}
	r.decodeVersion(buf)

	err = CheckVersion(r.VerMaj, r.VerMin, r.VerInc)
	if err != nil {
		return r, err
	}

	buf, err = c.RecvMessage("request data", requestDataSize)
	if err != nil {
		return nil, err
	}

	r.decodeData(buf)

	if int(r.Index) >= numTests {
		return r, fmt.Errorf("%w: %d", ErrBadRequestIndex, r.Index)
	}

	return r, nil
}

// CheckVersion compares a client's version against this build and names the
// side that needs upgrading.
func CheckVersion(maj, minor, inc uint16) error {
	if maj == VersionMajor && minor == VersionMinor {
		return nil
	}

	low := "server"
	loMaj, loMin, loInc := uint16(VersionMajor), uint16(VersionMinor), uint16(VersionInc)
	hiMaj, hiMin, hiInc := maj, minor, inc

	if loMaj > hiMaj || (loMaj == hiMaj && loMin > hiMin) {
		low = "client"
		loMaj, loMin, loInc, hiMaj, hiMin, hiInc = hiMaj, hiMin, hiInc, loMaj, loMin, loInc
	}

	return fmt.Errorf("%w: upgrade rdmaperf on %s from %d.%d.%d to %d.%d.%d",
		ErrVersionMismatch, low, loMaj, loMin, loInc, hiMaj, hiMin, hiInc)
}

func encodeCounters(e *encoder, c stats.Counters) {
	e.u64(c.Bytes)
	e.u64(c.Msgs)
	e.u64(c.Errs)
}

func decodeCounters(d *decoder) stats.Counters {
	return stats.Counters{Bytes: d.u64(), Msgs: d.u64(), Errs: d.u64()}
}

// EncodeStat returns the wire form of s.
func EncodeStat(s *stats.Stat) []byte {
	e := encoder{buf: make([]byte, 0, StatSize)}
	e.u32(s.NoCPUs)
	e.u32(uint32(s.NoTicks)) //nolint:gosec // G115: ticks per second fit in 32 bits
	e.u32(s.MaxCQEs)

	for _, v := range s.TimeStart {
		e.u64(v)
	}

	for _, v := range s.TimeEnd {
		e.u64(v)
	}

	encodeCounters(&e, s.S)
	encodeCounters(&e, s.R)
	encodeCounters(&e, s.RemS)
	encodeCounters(&e, s.RemR)

	return e.buf
}

// DecodeStat parses a record produced by EncodeStat.
func DecodeStat(buf []byte) (*stats.Stat, error) {
	if len(buf) != StatSize {
		return nil, fmt.Errorf("%w: stat record of %d bytes", ErrShortMessage, len(buf))
	}

	d := decoder{buf: buf}
	s := &stats.Stat{
		NoCPUs:  d.u32(),
		NoTicks: uint64(d.u32()),
		MaxCQEs: d.u32(),
	}

	for i := range s.TimeStart {
		s.TimeStart[i] = d.u64()
	}

	for i := range s.TimeEnd {
		s.TimeEnd[i] = d.u64()
	}

	s.S = decodeCounters(&d)
	s.R = decodeCounters(&d)
	s.RemS = decodeCounters(&d)
	s.RemR = decodeCounters(&d)

	return s, nil
}

// ExchangeResults trades the final stats after a run. The server sends its
// stats and waits for the client to confirm it is out of its loop; the
// client returns the server's stats.
func (c *Conn) ExchangeResults(client bool, local *stats.Stat) (*stats.Stat, error) {
	if !client {
		err := c.SendMessage("results", EncodeStat(local))
		if err != nil {
			return nil, err
		}

		return nil, c.RecvSync("synchronization after test")
	}

	buf, err := c.RecvMessage("results", StatSize)
	if err != nil {
		return nil, err
	}

	remote, err := DecodeStat(buf)
	if err != nil {
		return nil, err
	}

	return remote, c.SendSync("synchronization after test")
}

// Conf describes a node for the conf test.
type Conf struct {
	Node    string `json:"node" yaml:"node"`
	CPU     string `json:"cpu" yaml:"cpu"`
	OS      string `json:"os" yaml:"os"`
	Version string `json:"version" yaml:"version"`
}

// LongFields names the fields Encode will truncate.
func (cf Conf) LongFields() []string {
	var long []string

	for _, f := range []struct{ name, val string }{
		{"node", cf.Node},
		{"cpu", cf.CPU},
		{"os", cf.OS},
		{"version", cf.Version},
	} {
		if len(f.val) >= confField {
			long = append(long, f.name)
		}
	}

	return long
}

// Encode returns the fixed width wire form. Long fields are truncated; see
// LongFields.
func (cf Conf) Encode() []byte {
	e := encoder{buf: make([]byte, 0, ConfSize)}
	e.str(cf.Node, confField)
	e.str(cf.CPU, confField)
	e.str(cf.OS, confField)
	e.str(cf.Version, confField)

	return e.buf
}

// DecodeConf parses a record produced by Conf.Encode.
func DecodeConf(buf []byte) (Conf, error) {
	if len(buf) != ConfSize {
		return Conf{}, fmt.Errorf("%w: configuration record of %d bytes", ErrShortMessage, len(buf))
	}

	d := decoder{buf: buf}

	return Conf{
		Node:    d.str(confField),
		CPU:     d.str(confField),
		OS:      d.str(confField),
		Version: d.str(confField),
	}, nil
}
