package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/stats"
)

// Queue and message sizing used by the benchmark loops.
const (
	NCQE = 1024
	K2   = 2 * 1024
	K64  = 64 * 1024
)

// ErrConfiguration reports bad user supplied parameters. It is raised before
// any device resource is allocated.
var ErrConfiguration = errors.New("configuration error")

// ParamExchanger carries small fixed-size records between the two peers.
type ParamExchanger interface {
	SendMessage(label string, payload []byte) error
	RecvMessage(label string, size int) ([]byte, error)
}

// DeviceConfig selects the device, port and queue shape of one test.
type DeviceConfig struct {
	Logger    zerolog.Logger
	Kind      TransportKind
	Stat      *stats.Stat
	ID        string // device[:port]; empty selects the first device
	Rate      string
	MTU       int
	MsgSize   int
	RdAtomic  int
	MaxSendWR int
	MaxRecvWR int
	PollMode  bool

	// RegionSize is the registered buffer size; zero means MsgSize.
	RegionSize int

	SL          int
	SrcPathBits int
}

// Device is the resource set for one test: device context, completion
// channel, protection domain, one memory region, one completion queue, one
// queue pair and, for datagram transports, an address handle.
type Device struct {
	backend VerbsBackend
	kind    TransportKind
	stat    *stats.Stat
	buffer  *Buffer
	mr      *VerbsMRInfo
	log     zerolog.Logger

	wc  []VerbsWorkCompletion
	out []Completion

	Local  ConnectionParams
	Remote ConnectionParams

	dev     VerbsContext
	channel VerbsCompChannel
	pd      VerbsPD
	cq      VerbsCQ
	qp      VerbsQP
	ah      VerbsAH

	mtu         MTU
	rate        Rate
	port        uint8
	sl          uint8
	srcPathBits uint8
	msgSize     int
	maxInline   int
	pollMode    bool

	// RdAtomic is the outstanding RDMA read/atomic depth resolved at open.
	// PeerRdAtomic is the peer's, learned in Negotiate.
	RdAtomic     int
	PeerRdAtomic int
}

// ParseMTU maps an MTU in bytes onto its enumeration.
func ParseMTU(size int) (MTU, error) {
	switch size {
	case 256:
		return MTU256, nil
	case 512:
		return MTU512, nil
	case 1024:
		return MTU1024, nil
	case 2048:
		return MTU2048, nil
	case 4096:
		return MTU4096, nil
	default:
		return 0, fmt.Errorf("%w: bad MTU: %d; must be 256/512/1K/2K/4K", ErrConfiguration, size)
	}
}

// ParseDeviceID splits "device[:port]". The port defaults to 1.
func ParseDeviceID(id string) (string, int, error) {
	name, portStr, found := strings.Cut(id, ":")
	if !found {
		return name, 1, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 {
		return "", 0, fmt.Errorf("%w: bad IB port: %s; must be at least 1", ErrConfiguration, portStr)
	}

	return name, port, nil
}

// Open builds a device up to the INIT state. On failure everything already
// built is released before the error is returned.
func Open(backend VerbsBackend, cfg DeviceConfig) (*Device, error) {
	mtu, err := ParseMTU(cfg.MTU)
	if err != nil {
		return nil, err
	}

	name, port, err := ParseDeviceID(cfg.ID)
	if err != nil {
		return nil, err
	}

	rate, err := LookupRate(cfg.Rate)
	if err != nil {
		return nil, err
	}

	if cfg.Kind == nil {
		return nil, fmt.Errorf("%w: no transport selected", ErrConfiguration)
	}

	if cfg.SL < 0 || cfg.SL > MaxServiceLevel {
		return nil, fmt.Errorf("%w: bad service level: %d; must be 0-%d", ErrConfiguration, cfg.SL, MaxServiceLevel)
	}

	if cfg.SrcPathBits < 0 || cfg.SrcPathBits > MaxSrcPathBits {
		return nil, fmt.Errorf("%w: bad src_path_bits: %d; must be 0-%d",
			ErrConfiguration, cfg.SrcPathBits, MaxSrcPathBits)
	}

	stat := cfg.Stat
	if stat == nil {
		stat = &stats.Stat{}
	}

	d := &Device{
		backend:  backend,
		kind:     cfg.Kind,
		stat:     stat,
		log:      cfg.Logger,
		mtu:      mtu,
		rate:     rate,
		port:     uint8(port), //nolint:gosec // G115: HCA ports are single digit
		msgSize:  cfg.MsgSize,
		pollMode: cfg.PollMode,

		sl:          uint8(cfg.SL),          //nolint:gosec // G115: range checked above
		srcPathBits: uint8(cfg.SrcPathBits), //nolint:gosec // G115: range checked above
	}

	err = d.open(name, cfg)
	if err != nil {
		closeErr := d.Close()
		if closeErr != nil {
			d.log.Warn().Err(closeErr).Msg("Teardown after failed open reported errors")
		}

		return nil, err
	}

	return d, nil
}

func (d *Device) open(name string, cfg DeviceConfig) error {
	// Resolve device
	devices, err := d.backend.GetDeviceList()
	if err != nil {
		return fmt.Errorf("failed to find any InfiniBand devices: %w", err)
	}

	if len(devices) == 0 {
		return fmt.Errorf("failed to find any InfiniBand devices: %w", ErrDeviceNotFound)
	}

	if name == "" {
		name = devices[0].Name
	}

	d.dev, err = d.backend.OpenDevice(name)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", name, err)
	}

	portAttr, err := d.backend.QueryPort(d.dev, int(d.port))
	if err != nil {
		return fmt.Errorf("query port %d failed: %w", d.port, err)
	}

	devAttr, err := d.backend.QueryDevice(d.dev)
	if err != nil {
		return fmt.Errorf("query device failed: %w", err)
	}

	d.RdAtomic = cfg.RdAtomic

	switch {
	case cfg.RdAtomic == 0:
		d.RdAtomic = devAttr.MaxQPRdAtom
	case cfg.RdAtomic > devAttr.MaxQPRdAtom:
		d.log.Error().
			Int("device_max", devAttr.MaxQPRdAtom).
			Int("requested", cfg.RdAtomic).
			Msgf("device only supports %d (< %d) RDMA reads or atomics", devAttr.MaxQPRdAtom, cfg.RdAtomic)
	}

	// Create completion channel
	d.channel, err = d.backend.CreateCompChannel(d.dev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompChannelCreation, err)
	}

	// Allocate protection domain
	d.pd, err = d.backend.AllocPD(d.dev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPDCreation, err)
	}

	// Register message buffer
	size := cfg.RegionSize
	if size == 0 {
		size = d.msgSize
	}

	err = d.registerRegion(size)
	if err != nil {
		return err
	}

	// Create completion queue
	cqe := cfg.MaxSendWR + cfg.MaxRecvWR
	if cqe < 1 {
		cqe = 1
	}

	d.cq, err = d.backend.CreateCQ(d.dev, cqe, d.channel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCQCreation, err)
	}

	// Create queue pair
	d.qp, err = d.backend.CreateQP(d.pd, &VerbsQPInitAttr{
		SendCQ: d.cq,
		RecvCQ: d.cq,
		QPType: d.kind.QPType(),
		Cap: VerbsQPCap{
			MaxSendWR:  uint32(cfg.MaxSendWR), //nolint:gosec // G115: queue depths are small
			MaxRecvWR:  uint32(cfg.MaxRecvWR), //nolint:gosec // G115: queue depths are small
			MaxSendSge: 1,
			MaxRecvSge: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQPCreation, err)
	}

	// Transition QP to Init
	attr, mask := d.kind.InitAttrs(d.port)

	err = d.backend.ModifyQP(d.qp, attr, mask)
	if err != nil {
		return fmt.Errorf("failed to modify QP to INIT state: %w", err)
	}

	metrics.RecordQPTransition(d.kind.Name(), QPStateInit.String())

	qpAttr, err := d.backend.QueryQP(d.qp)
	if err != nil {
		return fmt.Errorf("query QP failed: %w", err)
	}

	d.maxInline = int(qpAttr.Cap.MaxInlineData)
	d.Local = ConnectionParams{
		LID: uint32(portAttr.LID),
		QPN: qpAttr.QPN,
		PSN: rand.Uint32() & 0xffffff, //nolint:gosec // G404: PSNs need no cryptographic randomness
	}

	return nil
}

// registerRegion allocates and registers a buffer of size bytes plus the
// transport's receive header reservation.
func (d *Device) registerRegion(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: negative region size %d", ErrConfiguration, size)
	}

	buf, err := AllocBuffer(size + d.kind.HeaderReserve())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMRCreation, err)
	}

	access := MRAccessLocalWrite | MRAccessRemoteRead | MRAccessRemoteWrite | MRAccessRemoteAtomic

	mr, err := d.backend.RegMR(d.pd, buf.Bytes(), access)
	if err != nil {
		_ = buf.Free()
		return fmt.Errorf("failed to allocate memory region: %w", err)
	}

	d.buffer = buf
	d.mr = mr

	return nil
}

func (d *Device) releaseRegion() error {
	var err error

	if d.mr != nil {
		err = multierr.Append(err, d.backend.DeregMR(d.mr.Handle))
		d.mr = nil
	}

	if d.buffer != nil {
		err = multierr.Append(err, d.buffer.Free())
		d.buffer = nil
	}

	return err
}

// AllocateRegion advertises a message region of size bytes (zero means the
// message size) for remote access. The region registered at open is reused
// when it already has that size; otherwise it is replaced.
func (d *Device) AllocateRegion(size int) error {
	if size == 0 {
		size = d.msgSize
	}

	want := max(size+d.kind.HeaderReserve(), 1)

	if d.buffer == nil || d.buffer.Len() != want {
		err := d.releaseRegion()
		if err != nil {
			return fmt.Errorf("failed to release memory region: %w", err)
		}

		err = d.registerRegion(size)
		if err != nil {
			return err
		}
	}

	d.Local.RKey = d.mr.RKey
	d.Local.VAddr = d.mr.Addr

	return nil
}

// Negotiate exchanges connection parameters with the peer and moves the
// queue pair through RTR to RTS. The client speaks first.
func (d *Device) Negotiate(ex ParamExchanger, client bool) error {
	var err error

	if client {
		err = d.sendParams(ex)
		if err == nil {
			err = d.recvParams(ex)
		}
	} else {
		err = d.recvParams(ex)
		if err == nil {
			err = d.sendParams(ex)
		}
	}

	if err != nil {
		return err
	}

	path := PathConfig{
		MTU:          d.mtu,
		Port:         d.port,
		Rate:         d.rate,
		RdAtomic:     uint8(d.RdAtomic),     //nolint:gosec // G115: device limits fit a byte
		PeerRdAtomic: uint8(d.PeerRdAtomic), //nolint:gosec // G115: device limits fit a byte
		SL:           d.sl,
		SrcPathBits:  d.srcPathBits,
	}

	// Transition QP to RTR
	attr, mask := d.kind.ReadyToReceiveAttrs(d.Remote, path)

	err = d.backend.ModifyQP(d.qp, attr, mask)
	if err != nil {
		return fmt.Errorf("failed to modify QP to RTR: %w", err)
	}

	metrics.RecordQPTransition(d.kind.Name(), QPStateRTR.String())

	// Transition QP to RTS
	attr, mask = d.kind.ReadyToSendAttrs(d.Local, path)

	err = d.backend.ModifyQP(d.qp, attr, mask)
	if err != nil {
		return fmt.Errorf("failed to modify QP to RTS: %w", err)
	}

	metrics.RecordQPTransition(d.kind.Name(), QPStateRTS.String())

	if d.kind.NeedsAddressHandle() {
		av := addressVector(d.Remote, path)

		d.ah, err = d.backend.CreateAH(d.pd, &av)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAHCreation, err)
		}
	}

	if !d.pollMode {
		err = d.backend.ReqNotifyCQ(d.cq)
		if err != nil {
			return fmt.Errorf("failed to request CQ notification: %w", err)
		}
	}

	d.log.Debug().Str("side", "L").Msg(d.Local.String())
	d.log.Debug().Str("side", "R").Msg(d.Remote.String())

	return nil
}

// atomicDepthSize is the size of the record that follows the connection
// parameters and carries the sender's responder depth.
const atomicDepthSize = 4

func (d *Device) sendParams(ex ParamExchanger) error {
	err := ex.SendMessage("connection parameters", d.Local.Encode())
	if err != nil {
		return fmt.Errorf("failed to send connection parameters: %w", err)
	}

	depth := binary.BigEndian.AppendUint32(nil, uint32(d.RdAtomic)) //nolint:gosec // G115: device limits are small

	err = ex.SendMessage("atomic depth", depth)
	if err != nil {
		return fmt.Errorf("failed to send atomic depth: %w", err)
	}

	return nil
}

func (d *Device) recvParams(ex ParamExchanger) error {
	buf, err := ex.RecvMessage("connection parameters", ConnectionParamsSize)
	if err != nil {
		return fmt.Errorf("failed to receive connection parameters: %w", err)
	}

	d.Remote = DecodeConnectionParams(buf)

	buf, err = ex.RecvMessage("atomic depth", atomicDepthSize)
	if err != nil {
		return fmt.Errorf("failed to receive atomic depth: %w", err)
	}

	d.PeerRdAtomic = int(binary.BigEndian.Uint32(buf))

	return nil
}

// Close releases every resource that was allocated, newest first. It is
// safe on a partially opened or already closed device.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}

	var err error

	if d.ah != 0 {
		err = multierr.Append(err, wrapClose("address handle", d.backend.DestroyAH(d.ah)))
		d.ah = 0
	}

	if d.qp != 0 {
		err = multierr.Append(err, wrapClose("queue pair", d.backend.DestroyQP(d.qp)))
		d.qp = 0
	}

	if d.cq != 0 {
		err = multierr.Append(err, wrapClose("completion queue", d.backend.DestroyCQ(d.cq)))
		d.cq = 0
	}

	err = multierr.Append(err, wrapClose("memory region", d.releaseRegion()))

	if d.pd != 0 {
		err = multierr.Append(err, wrapClose("protection domain", d.backend.DeallocPD(d.pd)))
		d.pd = 0
	}

	if d.channel != 0 {
		err = multierr.Append(err, wrapClose("completion channel", d.backend.DestroyCompChannel(d.channel)))
		d.channel = 0
	}

	if d.dev != 0 {
		err = multierr.Append(err, wrapClose("device", d.backend.CloseDevice(d.dev)))
		d.dev = 0
	}

	d.Local = ConnectionParams{}
	d.Remote = ConnectionParams{}

	return err
}

func wrapClose(what string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("failed to release %s: %w", what, err)
}

// Buffer returns the registered message buffer.
func (d *Device) Buffer() *Buffer {
	return d.buffer
}

// MsgSize returns the per-operation message size.
func (d *Device) MsgSize() int {
	return d.msgSize
}

// MaxInline returns the largest payload the queue pair sends inline.
func (d *Device) MaxInline() int {
	return d.maxInline
}

// Kind returns the transport the device was opened with.
func (d *Device) Kind() TransportKind {
	return d.kind
}

// Stat returns the counters the posting layer updates.
func (d *Device) Stat() *stats.Stat {
	return d.stat
}
