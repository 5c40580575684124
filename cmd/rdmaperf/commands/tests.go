package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/report"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the available tests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEST\tMEASURES\tMSG SIZE\tDESCRIPTION")

			for _, t := range bench.Tests() {
				measure, size := "-", "-"
				if t.Kind != nil {
					measure = t.Measure.String()
					size = fmt.Sprint(t.MsgSize)
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, measure, size, t.Summary)
			}

			return w.Flush()
		},
	}
}

func newConfCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "conf <host>",
		Short: "Show the configuration of this host and the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.runOne(cmd.Context(), args[0], "conf")
			if err != nil {
				return err
			}

			out := g.writer(cmd)

			err = out.Write("conf", report.BuildConf(*r.LocalConf, *r.RemoteConf, g.cfg.ReportOptions()))
			if err != nil {
				return err
			}

			return out.Close()
		},
	}
}

func newQuitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "quit <host>",
		Short: "Stop the rdmaperfd server on host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := g.runOne(cmd.Context(), args[0], "quit")
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Server on %s stopped\n", args[0])

			return nil
		},
	}
}
