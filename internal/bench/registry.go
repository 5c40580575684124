package bench

import (
	"fmt"
	"time"

	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Request defaults applied when the user leaves a field unset.
const (
	DefaultMTU     = 2048
	DefaultTime    = 2 * time.Second
	DefaultTimeout = 5 * time.Second
)

// Uses marks the optional request fields a test honours.
type Uses uint

const (
	UsesAccessRecv Uses = 1 << iota
	UsesNoMsgs
	UsesPollMode
	UsesRdAtomic
)

// Test is one entry point: a transport, an operation and a measurement.
type Test struct {
	Name    string
	Kind    rdma.TransportKind
	Measure report.Measure
	MsgSize uint32
	Uses    Uses
	Summary string

	client func(*Run) error
	server func(*Run) error
}

// Has reports whether t honours all of u.
func (t *Test) Has(u Uses) bool {
	return t.Uses&u == u
}

const (
	bwUses   = UsesAccessRecv | UsesNoMsgs | UsesPollMode
	biUses   = UsesAccessRecv | UsesPollMode
	latUses  = UsesPollMode
	readUses = UsesAccessRecv | UsesPollMode | UsesRdAtomic
	atomUses = UsesPollMode | UsesRdAtomic
)

// The request index of a test is its position here, so the order is part
// of the protocol.
var registry = []*Test{
	{Name: "conf", Summary: "show configuration", client: clientConf, server: serverConf},
	{Name: "quit", Summary: "cause the server to quit", client: clientQuit, server: serverQuit},
	{
		Name: "rc_bi_bw", Kind: rdma.RC, Measure: report.Bandwidth, MsgSize: rdma.K64, Uses: biUses,
		Summary: "RC streaming two way bandwidth", client: biBW, server: biBW,
	},
	{
		Name: "rc_bw", Kind: rdma.RC, Measure: report.Bandwidth, MsgSize: rdma.K64, Uses: bwUses,
		Summary: "RC streaming one way bandwidth", client: clientBW, server: serverRecv,
	},
	{
		Name: "rc_compare_swap_mr", Kind: rdma.RC, Measure: report.MsgRate, MsgSize: 8, Uses: atomUses,
		Summary: "RC compare and swap messaging rate", client: atomicRate(rdma.WROpAtomicCmpAndSwp),
		server: serverIdle(8),
	},
	{
		Name: "rc_fetch_add_mr", Kind: rdma.RC, Measure: report.MsgRate, MsgSize: 8, Uses: atomUses,
		Summary: "RC fetch and add messaging rate", client: atomicRate(rdma.WROpAtomicFetchAdd),
		server: serverIdle(8),
	},
	{
		Name: "rc_lat", Kind: rdma.RC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "RC one way latency", client: pingPong(rdma.WROpSend), server: pingPong(rdma.WROpSend),
	},
	{
		Name: "rc_rdma_read_bw", Kind: rdma.RC, Measure: report.Bandwidth, MsgSize: rdma.K64, Uses: readUses,
		Summary: "RC RDMA read bandwidth", client: clientRDMABW(rdma.WROpRDMARead), server: serverIdle(0),
	},
	{
		Name: "rc_rdma_read_lat", Kind: rdma.RC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "RC RDMA read latency", client: rdmaReadLat, server: serverIdle(0),
	},
	{
		Name: "rc_rdma_write_bw", Kind: rdma.RC, Measure: report.Bandwidth, MsgSize: rdma.K64, Uses: latUses,
		Summary: "RC RDMA write bandwidth", client: clientRDMABW(rdma.WROpRDMAWriteWithImm), server: serverRecv,
	},
	{
		Name: "rc_rdma_write_lat", Kind: rdma.RC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "RC RDMA write latency", client: pingPong(rdma.WROpRDMAWriteWithImm),
		server: pingPong(rdma.WROpRDMAWriteWithImm),
	},
	{
		Name: "rc_rdma_write_poll_lat", Kind: rdma.RC, Measure: report.Latency, MsgSize: 1,
		Summary: "RC RDMA write latency polling memory", client: writePollLat, server: writePollLat,
	},
	{
		Name: "uc_bi_bw", Kind: rdma.UC, Measure: report.BandwidthSR, MsgSize: rdma.K64, Uses: biUses,
		Summary: "UC streaming two way bandwidth", client: biBW, server: biBW,
	},
	{
		Name: "uc_bw", Kind: rdma.UC, Measure: report.BandwidthSR, MsgSize: rdma.K64, Uses: bwUses,
		Summary: "UC streaming one way bandwidth", client: clientBW, server: serverRecv,
	},
	{
		Name: "uc_lat", Kind: rdma.UC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "UC one way latency", client: pingPong(rdma.WROpSend), server: pingPong(rdma.WROpSend),
	},
	{
		Name: "uc_rdma_write_bw", Kind: rdma.UC, Measure: report.BandwidthSR, MsgSize: rdma.K64, Uses: latUses,
		Summary: "UC RDMA write bandwidth", client: clientRDMABW(rdma.WROpRDMAWriteWithImm), server: serverRecv,
	},
	{
		Name: "uc_rdma_write_lat", Kind: rdma.UC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "UC RDMA write latency", client: pingPong(rdma.WROpRDMAWriteWithImm),
		server: pingPong(rdma.WROpRDMAWriteWithImm),
	},
	{
		Name: "uc_rdma_write_poll_lat", Kind: rdma.UC, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "UC RDMA write latency polling memory", client: writePollLat, server: writePollLat,
	},
	{
		Name: "ud_bi_bw", Kind: rdma.UD, Measure: report.BandwidthSR, MsgSize: rdma.K2, Uses: biUses,
		Summary: "UD streaming two way bandwidth", client: biBW, server: biBW,
	},
	{
		Name: "ud_bw", Kind: rdma.UD, Measure: report.BandwidthSR, MsgSize: rdma.K2, Uses: bwUses,
		Summary: "UD streaming one way bandwidth", client: clientBW, server: serverRecv,
	},
	{
		Name: "ud_lat", Kind: rdma.UD, Measure: report.Latency, MsgSize: 1, Uses: latUses,
		Summary: "UD one way latency", client: pingPong(rdma.WROpSend), server: pingPong(rdma.WROpSend),
	},
	{
		Name: "ver_rc_compare_swap", Kind: rdma.RC, Measure: report.MsgRate, MsgSize: rdma.K64, Uses: atomUses,
		Summary: "verify RC compare and swap", client: verifyAtomic(rdma.WROpAtomicCmpAndSwp), server: serverIdle(0),
	},
	{
		Name: "ver_rc_fetch_add", Kind: rdma.RC, Measure: report.MsgRate, MsgSize: rdma.K64, Uses: atomUses,
		Summary: "verify RC fetch and add", client: verifyAtomic(rdma.WROpAtomicFetchAdd), server: serverIdle(0),
	},
}

// Tests returns the registered tests in request index order.
func Tests() []*Test {
	return registry
}

// Lookup finds a test by name and returns its request index.
func Lookup(name string) (*Test, int, error) {
	for i, t := range registry {
		if t.Name == name {
			return t, i, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: bad test: %s", rdma.ErrConfiguration, name)
}

// ApplyDefaults fills in the request fields the user left at zero and
// clears those the test ignores. A test without a message count limit runs
// for DefaultTime. Durations are rounded up to what the wire can carry.
func (t *Test) ApplyDefaults(req *control.Request) {
	req.Time = control.RoundDuration(req.Time)
	req.Timeout = control.RoundDuration(req.Timeout)

	if req.MsgSize == 0 {
		req.MsgSize = t.MsgSize
	}

	if req.MTUSize == 0 {
		req.MTUSize = DefaultMTU
	}

	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}

	if !t.Has(UsesNoMsgs) {
		req.NoMsgs = 0
	}

	if req.NoMsgs == 0 && req.Time == 0 {
		req.Time = DefaultTime
	}
}

// Params lists the request fields in use by t for reporting. set names the
// fields the user gave explicitly. Both peers run with the same values.
func (t *Test) Params(req *control.Request, set map[string]bool) []report.Param {
	var params []report.Param

	long := func(name string, v uint32) {
		params = append(params, report.Param{
			Name: name, Kind: report.ParamLong, Local: float64(v), Remote: float64(v), Set: set[name],
		})
	}

	size := func(name string, v uint32) {
		params = append(params, report.Param{
			Name: name, Kind: report.ParamSize, Local: float64(v), Remote: float64(v), Set: set[name],
		})
	}

	str := func(name, v string) {
		params = append(params, report.Param{
			Name: name, Kind: report.ParamString, LocalStr: v, RemoteStr: v, Set: set[name],
		})
	}

	dur := func(name string, v time.Duration) {
		params = append(params, report.Param{
			Name: name, Kind: report.ParamTime, Local: v.Seconds(), Remote: v.Seconds(), Set: set[name],
		})
	}

	if t.Has(UsesAccessRecv) {
		long("access_recv", boolValue(req.AccessRecv))
	}

	long("affinity", req.Affinity)

	if t.Kind != nil {
		str("id", req.ID)
		size("msg_size", req.MsgSize)
		size("mtu_size", req.MTUSize)
	}

	if t.Has(UsesNoMsgs) {
		long("no_msgs", req.NoMsgs)
	}

	if t.Has(UsesPollMode) {
		long("poll_mode", boolValue(req.PollMode))
	}

	if t.Has(UsesRdAtomic) {
		long("rd_atomic", req.RdAtomic)
	}

	if t.Kind != nil {
		long("sl", req.ServiceLevel)
		long("src_path_bits", req.SrcPathBits)
		str("static_rate", req.Rate)
	}

	dur("time", req.Time)
	dur("timeout", req.Timeout)

	return params
}

func boolValue(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}
