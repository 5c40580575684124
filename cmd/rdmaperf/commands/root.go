// Package commands implements the rdmaperf command line client.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/config"
	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// globals holds the persistent flags and the configuration they resolve to.
type globals struct {
	configPath string
	debug      bool
	port       int
	wait       time.Duration
	backend    string

	format     string
	precision  int
	unifyUnits bool
	unifyNodes bool
	bits       bool
	verbose    int

	cfg *config.Config
}

// NewRootCmd creates the rdmaperf command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "rdmaperf",
		Short: "rdmaperf - RDMA bandwidth and latency measurement",
		Long: `rdmaperf measures bandwidth, latency and message rates between two
hosts over RDMA. Start rdmaperfd on the server host, then run tests from
the client:

  rdmaperf run server1 rc_bw rc_lat
  rdmaperf run server1 ud_lat --msg-size 64 --time 5s -vv

Defaults for every request can be kept in rdmaperf.yaml or set with
RDMAPERF_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			metrics.Version = version
			return g.setup(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "Path to configuration file")
	f.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	f.IntVar(&g.port, "port", 0, "Server control port (default 19765)")
	f.DurationVar(&g.wait, "wait", 0, "Keep retrying to reach the server for this long")
	f.StringVar(&g.backend, "backend", "", "Verbs backend: simulated or verbs")
	f.StringVar(&g.format, "format", "", "Output format: text, yaml or json")
	f.IntVar(&g.precision, "precision", 0, "Significant digits of results")
	f.BoolVar(&g.unifyUnits, "unify-units", false, "Show all results of a kind in one unit")
	f.BoolVar(&g.unifyNodes, "unify-nodes", false, "Fold local and remote CPU results into one")
	f.BoolVar(&g.bits, "bits", false, "Show bandwidth in bits per second")
	f.CountVarP(&g.verbose, "verbose", "v", "More detail; repeat for even more")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDevicesCmd(g))
	cmd.AddCommand(newConfCmd(g))
	cmd.AddCommand(newQuitCmd(g))

	return cmd
}

func (g *globals) setup(cmd *cobra.Command) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if g.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	cfg, err := config.Load(g.configPath, config.Options{
		ListenPort: g.port,
		Backend:    g.backend,
	})
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, _ := zerolog.ParseLevel(cfg.LogLevel)
		zerolog.SetGlobalLevel(level)
	}

	flags := cmd.Flags()
	o := &cfg.Output

	if flags.Changed("format") {
		_, err = report.ParseFormat(g.format)
		if err != nil {
			return err
		}

		o.Format = g.format
	}

	if flags.Changed("precision") {
		if g.precision < 1 {
			return fmt.Errorf("precision must be at least 1, got %d", g.precision)
		}

		o.Precision = g.precision
	}

	o.UnifyUnits = o.UnifyUnits || g.unifyUnits
	o.UnifyNodes = o.UnifyNodes || g.unifyNodes
	o.UseBitsPerSec = o.UseBitsPerSec || g.bits

	if g.verbose > 0 {
		o.VerboseConf = max(o.VerboseConf, g.verbose)
		o.VerboseStat = max(o.VerboseStat, g.verbose)
		o.VerboseTime = max(o.VerboseTime, g.verbose)
		o.VerboseUsed = max(o.VerboseUsed, g.verbose)
	}

	if g.debug {
		o.Debug = true
	}

	if flags.Changed("wait") {
		cfg.ServerWait = g.wait
	}

	g.cfg = cfg

	return nil
}

// client connects to host with a fresh verbs backend. The caller closes
// the returned backend.
func (g *globals) client(host string) (*bench.Client, func(), error) {
	backend, err := rdma.NewBackend(g.cfg.Backend)
	if err != nil {
		return nil, nil, err
	}

	c := &bench.Client{
		Host:    host,
		Port:    g.cfg.ListenPort,
		Wait:    g.cfg.ServerWait,
		Backend: backend,
		Log:     log.Logger,
	}

	closeBackend := func() {
		err := backend.Close()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to close verbs backend")
		}
	}

	return c, closeBackend, nil
}

func (g *globals) writer(cmd *cobra.Command) *report.Writer {
	format, _ := report.ParseFormat(g.cfg.Output.Format)
	return report.NewWriter(cmd.OutOrStdout(), format)
}

func (g *globals) runOne(ctx context.Context, host, name string) (*bench.Run, error) {
	test, _, err := bench.Lookup(name)
	if err != nil {
		return nil, err
	}

	c, done, err := g.client(host)
	if err != nil {
		return nil, err
	}
	defer done()

	return c.Run(ctx, test, g.cfg.Request())
}
