package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// requestFlags are the per-test parameters. Both peers use the same value.
type requestFlags struct {
	time       time.Duration
	timeout    time.Duration
	msgSize    string
	mtuSize    string
	noMsgs     uint32
	pollMode   bool
	rdAtomic   uint32
	id         string
	rate       string
	accessRecv bool
	affinity   uint32

	sl          uint32
	srcPathBits uint32
	loops       []string
}

func (rf *requestFlags) register(f *pflag.FlagSet) {
	f.DurationVarP(&rf.time, "time", "t", 0, "Run each test for this long (default 2s)")
	f.DurationVar(&rf.timeout, "timeout", 0, "Timeout for control messages (default 5s)")
	f.StringVarP(&rf.msgSize, "msg-size", "m", "", "Message size, e.g. 64, 4KiB or 1MiB")
	f.StringVar(&rf.mtuSize, "mtu-size", "", "Path MTU: 256, 512, 1024, 2048 or 4096")
	f.Uint32VarP(&rf.noMsgs, "no-msgs", "n", 0, "Send this many messages instead of running for a time")
	f.BoolVar(&rf.pollMode, "poll-mode", false, "Busy poll completion queues instead of waiting for events")
	f.Uint32Var(&rf.rdAtomic, "rd-atomic", 0, "Outstanding RDMA reads and atomics")
	f.StringVarP(&rf.id, "id", "i", "", "RDMA device and port, e.g. mlx5_0:1")
	f.StringVarP(&rf.rate, "rate", "r", "", "Static rate, e.g. 4xQDR or 40")
	f.BoolVar(&rf.accessRecv, "access-recv", false, "Touch received data")
	f.Uint32VarP(&rf.affinity, "affinity", "a", 0, "Run on CPU affinity-1")
	f.Uint32Var(&rf.sl, "sl", 0, "Service level of the address vector (0-15)")
	f.Uint32Var(&rf.srcPathBits, "src-path-bits", 0, "Source path bits of the address vector")
	f.StringArrayVar(&rf.loops, "loop", nil,
		"Step a parameter as name:init:last:incr, *incr multiplies; repeat to nest, e.g. msg_size:1:64KiB:*2")
}

// paramNames maps flag names to the names results are reported under.
var paramNames = map[string]string{
	"time":        "time",
	"timeout":     "timeout",
	"msg-size":    "msg_size",
	"mtu-size":    "mtu_size",
	"no-msgs":     "no_msgs",
	"poll-mode":   "poll_mode",
	"rd-atomic":   "rd_atomic",
	"id":          "id",
	"rate":        "static_rate",
	"access-recv": "access_recv",
	"affinity":    "affinity",

	"sl":            "sl",
	"src-path-bits": "src_path_bits",
}

// apply overrides req with the flags the user gave and returns the names
// of the parameters that were set explicitly.
func (rf *requestFlags) apply(f *pflag.FlagSet, req *control.Request) (map[string]bool, error) {
	set := make(map[string]bool)

	f.Visit(func(fl *pflag.Flag) {
		if name, ok := paramNames[fl.Name]; ok {
			set[name] = true
		}
	})

	if set["time"] {
		err := control.CheckDuration("--time", rf.time)
		if err != nil {
			return nil, err
		}

		req.Time = rf.time
	}

	if set["timeout"] {
		err := control.CheckDuration("--timeout", rf.timeout)
		if err != nil {
			return nil, err
		}

		req.Timeout = rf.timeout
	}

	if set["msg_size"] {
		n, err := parseSize("msg-size", rf.msgSize)
		if err != nil {
			return nil, err
		}

		req.MsgSize = n
	}

	if set["mtu_size"] {
		n, err := parseSize("mtu-size", rf.mtuSize)
		if err != nil {
			return nil, err
		}

		_, err = rdma.ParseMTU(int(n))
		if err != nil {
			return nil, err
		}

		req.MTUSize = n
	}

	if set["no_msgs"] {
		req.NoMsgs = rf.noMsgs
	}

	if set["poll_mode"] {
		req.PollMode = rf.pollMode
	}

	if set["rd_atomic"] {
		req.RdAtomic = rf.rdAtomic
	}

	if set["id"] {
		if len(rf.id) >= control.StrSize {
			return nil, fmt.Errorf("%w: --id is longer than %d bytes", control.ErrFieldTooLong, control.StrSize-1)
		}

		req.ID = rf.id
	}

	if set["static_rate"] {
		_, err := rdma.LookupRate(rf.rate)
		if err != nil {
			return nil, err
		}

		req.Rate = rf.rate
	}

	if set["access_recv"] {
		req.AccessRecv = rf.accessRecv
	}

	if set["affinity"] {
		req.Affinity = rf.affinity
	}

	if set["sl"] {
		err := setServiceLevel(req, rf.sl)
		if err != nil {
			return nil, err
		}
	}

	if set["src_path_bits"] {
		err := setSrcPathBits(req, rf.srcPathBits)
		if err != nil {
			return nil, err
		}
	}

	return set, nil
}

func setServiceLevel(req *control.Request, v uint32) error {
	if v > rdma.MaxServiceLevel {
		return fmt.Errorf("%w: bad service level: %d; must be 0-%d", rdma.ErrConfiguration, v, rdma.MaxServiceLevel)
	}

	req.ServiceLevel = v

	return nil
}

func setSrcPathBits(req *control.Request, v uint32) error {
	if v > rdma.MaxSrcPathBits {
		return fmt.Errorf("%w: bad src_path_bits: %d; must be 0-%d", rdma.ErrConfiguration, v, rdma.MaxSrcPathBits)
	}

	req.SrcPathBits = v

	return nil
}

func parseSize(flag, s string) (uint32, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}

	if n > 1<<31 {
		return 0, fmt.Errorf("--%s %q is too large", flag, s)
	}

	return uint32(n), nil
}

func newRunCmd(g *globals) *cobra.Command {
	rf := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "run <host> <test>...",
		Short: "Run tests against an rdmaperfd server",
		Long: `Run one or more tests against the rdmaperfd server on host. Each test
uses its own control connection. See "rdmaperf list" for the tests.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, names := args[0], args[1:]

			for _, name := range names {
				_, _, err := bench.Lookup(name)
				if err != nil {
					return err
				}
			}

			req := g.cfg.Request()

			set, err := rf.apply(cmd.Flags(), &req)
			if err != nil {
				return err
			}

			loops, err := parseLoops(rf.loops)
			if err != nil {
				return err
			}

			for name, v := range configuredParams(g) {
				set[name] = set[name] || v
			}

			for _, l := range loops {
				set[l.name] = true
			}

			out := g.writer(cmd)

			for _, name := range names {
				err := expandLoops(loops, req, func(req control.Request) error {
					return g.runTest(cmd.Context(), out, host, name, req, set)
				})
				if err != nil {
					return err
				}
			}

			return out.Close()
		},
	}

	rf.register(cmd.Flags())

	return cmd
}

func (g *globals) runTest(ctx context.Context, out *report.Writer, host, name string,
	req control.Request, set map[string]bool) error {
	test, _, err := bench.Lookup(name)
	if err != nil {
		return err
	}

	c, done, err := g.client(host)
	if err != nil {
		return err
	}
	defer done()

	r, err := c.Run(ctx, test, req)
	if err != nil {
		return err
	}

	opts := g.cfg.ReportOptions()

	switch {
	case r.RemoteConf != nil:
		return out.Write(name, report.BuildConf(*r.LocalConf, *r.RemoteConf, opts))
	case test.Kind == nil:
		return nil
	}

	return out.Write(name, report.Build(r.Report(set), opts))
}

// configuredParams marks the request defaults that came from the
// configuration as explicitly set.
func configuredParams(g *globals) map[string]bool {
	d := g.cfg.Defaults

	return map[string]bool{
		"time":        d.Time != 0,
		"msg_size":    d.MsgSize != 0,
		"no_msgs":     d.NoMsgs != 0,
		"poll_mode":   d.PollMode,
		"rd_atomic":   d.RdAtomic != 0,
		"id":          d.ID != "",
		"static_rate": d.Rate != "",
		"access_recv": d.AccessRecv,
		"affinity":    d.Affinity != 0,

		"sl":            d.SL != 0,
		"src_path_bits": d.SrcPathBits != 0,
	}
}
