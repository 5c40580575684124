// Package report renders the results of a benchmark run as aligned text
// rows, YAML or JSON.
package report

import (
	"github.com/piwi3910/rdmaperf/internal/stats"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
)

// Measure selects the headline figures of a test.
type Measure int

const (
	Latency Measure = iota
	MsgRate
	Bandwidth
	BandwidthSR
)

func (m Measure) String() string {
	switch m {
	case Latency:
		return "latency"
	case MsgRate:
		return "msg_rate"
	case Bandwidth:
		return "bandwidth"
	case BandwidthSR:
		return "bandwidth_sr"
	}

	return "unknown"
}

// ParamKind says how a parameter value is rendered.
type ParamKind int

const (
	ParamLong ParamKind = iota
	ParamSize
	ParamTime
	ParamString
)

// Param is a test parameter in use by a run. Time values are in seconds.
type Param struct {
	Name      string
	Kind      ParamKind
	Local     float64
	Remote    float64
	LocalStr  string
	RemoteStr string
	// Set is true when the user gave the value explicitly.
	Set bool
}

// Run is everything needed to report one finished test.
type Run struct {
	Test    string
	Measure Measure
	Results stats.Results
	Local   *stats.Stat
	Remote  *stats.Stat
	Params  []Param
}

// Build lays out the rows of a finished test.
func Build(run Run, opts Options) *Table {
	t := NewTable(opts)
	res := run.Results

	switch run.Measure {
	case Latency:
		t.Time(Always, "", "latency", res.Latency)
		t.Rate(Stat, "", "msg_rate", res.MsgRate)
	case MsgRate:
		t.Rate(Always, "", "msg_rate", res.MsgRate)
	case Bandwidth:
		t.Bandwidth(Always, "", "bw", res.RecvBW)
		t.Rate(Stat, "", "msg_rate", res.MsgRate)
	case BandwidthSR:
		t.Bandwidth(Always, "", "send_bw", res.SendBW)
		t.Bandwidth(Always, "", "recv_bw", res.RecvBW)
		t.Rate(Stat, "", "msg_rate", res.MsgRate)
	}

	t.used(run.Params)
	t.Cost(Time, "", "send_cost", res.SendCost)
	t.Cost(Time, "", "recv_cost", res.RecvCost)
	t.rest(res, run.Local, run.Remote)

	if opts.Debug {
		t.debug("l_", run.Local)
		t.debug("r_", run.Remote)
	}

	return t
}

func (t *Table) used(params []Param) {
	if t.opts.VerboseUsed == 0 {
		return
	}

	for _, p := range params {
		if t.opts.VerboseUsed < 2 && !p.Set {
			continue
		}

		if p.Kind == ParamString {
			if p.LocalStr == p.RemoteStr {
				t.String(Used, "", p.Name, p.LocalStr)
			} else {
				t.String(Used, "loc_", p.Name, p.LocalStr)
				t.String(Used, "rem_", p.Name, p.RemoteStr)
			}

			continue
		}

		if p.Local == p.Remote {
			t.param("", p.Name, p.Kind, p.Local)
		} else {
			t.param("loc_", p.Name, p.Kind, p.Local)
			t.param("rem_", p.Name, p.Kind, p.Remote)
		}
	}
}

func (t *Table) param(pref, name string, kind ParamKind, value float64) {
	switch kind {
	case ParamLong:
		t.Long(Used, pref, name, uint64(value))
	case ParamSize:
		t.Size(Used, pref, name, uint64(value))
	case ParamTime:
		t.Time(Used, pref, name, value)
	case ParamString:
	}
}

// rest shows CPU use and counters, split by send and receive side when one
// node only sent and the other only received.
func (t *Table) rest(res stats.Results, local, remote *stats.Stat) {
	if local == nil || remote == nil {
		return
	}

	if !t.opts.UnifyNodes {
		ls, lr := local.S.Bytes, local.R.Bytes
		rs, rr := remote.S.Bytes, remote.R.Bytes

		switch {
		case ls != 0 && rs == 0 && rr != 0 && lr == 0:
			t.side("send", res.Local, local, local.S)
			t.side("recv", res.Remote, remote, remote.R)

			return
		case rs != 0 && ls == 0 && lr != 0 && rr == 0:
			t.side("send", res.Remote, remote, remote.S)
			t.side("recv", res.Local, local, local.R)

			return
		}
	}

	t.node("loc", res.Local, local)
	t.node("rem", res.Remote, remote)
}

func (t *Table) cpus(prefix string, node stats.NodeResults) {
	t.CPUs(Time, "", prefix+"_cpus_used", node.CPUTotal)
	t.CPUs(TimeMore, "", prefix+"_cpus_user", node.CPUUser)
	t.CPUs(TimeMore, "", prefix+"_cpus_intr", node.CPUIntr)
	t.CPUs(TimeMore, "", prefix+"_cpus_kernel", node.CPUKernel)
	t.CPUs(TimeMore, "", prefix+"_cpus_iowait", node.CPUIOWait)
	t.Time(TimeMore, "", prefix+"_real_time", node.TimeReal)
	t.Time(TimeMore, "", prefix+"_cpu_time", node.TimeCPU)
}

func (t *Table) side(prefix string, node stats.NodeResults, stat *stats.Stat, c stats.Counters) {
	t.cpus(prefix, node)
	t.Long(StatMore, "", prefix+"_errors", c.Errs)
	t.Size(StatMore, "", prefix+"_bytes", c.Bytes)
	t.Long(StatMore, "", prefix+"_msgs", c.Msgs)
	t.Long(StatMore, "", prefix+"_max_cqe", uint64(stat.MaxCQEs))
}

func (t *Table) node(prefix string, node stats.NodeResults, stat *stats.Stat) {
	t.cpus(prefix, node)
	t.Long(StatMore, "", prefix+"_send_errors", stat.S.Errs)
	t.Long(StatMore, "", prefix+"_recv_errors", stat.R.Errs)
	t.Size(StatMore, "", prefix+"_send_bytes", stat.S.Bytes)
	t.Size(StatMore, "", prefix+"_recv_bytes", stat.R.Bytes)
	t.Long(StatMore, "", prefix+"_send_msgs", stat.S.Msgs)
	t.Long(StatMore, "", prefix+"_recv_msgs", stat.R.Msgs)
	t.Long(StatMore, "", prefix+"_max_cqe", uint64(stat.MaxCQEs))
}

var timerNames = [stats.TimeN]string{
	"real", "user", "nice", "system", "idle", "iowait", "irq", "softirq", "steal",
}

func (t *Table) debug(prefix string, stat *stats.Stat) {
	if stat == nil {
		return
	}

	t.Long(Debug, "", prefix+"no_cpus", uint64(stat.NoCPUs))
	t.Long(Debug, "", prefix+"no_ticks", stat.NoTicks)
	t.Long(Debug, "", prefix+"max_cqes", uint64(stat.MaxCQEs))

	if stat.NoTicks != 0 {
		ticks := float64(stat.NoTicks)

		for i, name := range timerNames {
			t.Time(Debug, "", prefix+"timer_"+name, float64(stat.TimeEnd[i]-stat.TimeStart[i])/ticks)
		}
	}

	counters := []struct {
		name string
		c    stats.Counters
	}{
		{"s_", stat.S},
		{"r_", stat.R},
		{"rem_s_", stat.RemS},
		{"rem_r_", stat.RemR},
	}

	for _, c := range counters {
		t.Size(Debug, "", prefix+c.name+"no_bytes", c.c.Bytes)
		t.Long(Debug, "", prefix+c.name+"no_msgs", c.c.Msgs)
		t.Long(Debug, "", prefix+c.name+"no_errs", c.c.Errs)
	}
}

// BuildConf lays out the node configurations of both peers.
func BuildConf(local, remote control.Conf, opts Options) *Table {
	t := NewTable(opts)

	for _, n := range []struct {
		pref string
		conf control.Conf
	}{{"loc_", local}, {"rem_", remote}} {
		t.String(Always, n.pref, "node", n.conf.Node)
		t.String(Always, n.pref, "cpu", n.conf.CPU)
		t.String(Always, n.pref, "os", n.conf.OS)
		t.String(Always, n.pref, "rdmaperf", n.conf.Version)
	}

	return t
}
