package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmaperf/internal/hardware"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

func newDevicesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the RDMA devices of this host",
		Long: `List the RDMA devices of this host as found in sysfs. When sysfs has
none, the devices reported by the verbs backend are listed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices := hardware.NewDetector().RDMADevices()

			if len(devices) == 0 {
				var err error

				devices, err = backendDevices(g.cfg.Backend)
				if err != nil {
					return err
				}
			}

			format, _ := report.ParseFormat(g.cfg.Output.Format)

			return writeDevices(cmd.OutOrStdout(), format, devices)
		},
	}
}

func backendDevices(name string) ([]hardware.RDMAInfo, error) {
	backend, err := rdma.NewBackend(name)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	list, err := backend.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := make([]hardware.RDMAInfo, 0, len(list))
	for _, d := range list {
		info := hardware.RDMAInfo{
			Name:        d.Name,
			NodeGUID:    formatGUID(d.GUID),
			FirmwareVer: d.FWVer,
			NodeType:    hardware.NodeTypeName(d.NodeType),
		}

		for port := 1; port <= d.PhysPortCnt; port++ {
			info.Ports = append(info.Ports, hardware.PortInfo{Number: port})
		}

		devices = append(devices, info)
	}

	return devices, nil
}

// formatGUID writes a GUID the way sysfs shows it, in four groups.
func formatGUID(guid uint64) string {
	return fmt.Sprintf("%04x:%04x:%04x:%04x",
		guid>>48, (guid>>32)&0xffff, (guid>>16)&0xffff, guid&0xffff)
}

func writeDevices(w io.Writer, format report.Format, devices []hardware.RDMAInfo) error {
	switch format {
	case report.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err := enc.Encode(devices)
		if err != nil {
			return err
		}

		return enc.Close()
	case report.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(devices)
	case report.FormatText:
	}

	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No RDMA devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTYPE\tNODE GUID\tFIRMWARE\tPORTS")

	for _, d := range devices {
		ports := make([]string, 0, len(d.Ports))
		for _, p := range d.Ports {
			ports = append(ports, portSummary(p))
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.NodeType, d.NodeGUID, d.FirmwareVer, strings.Join(ports, " "))
	}

	return tw.Flush()
}

func portSummary(p hardware.PortInfo) string {
	s := fmt.Sprint(p.Number)
	if p.State != "" {
		s += ":" + p.State
	}

	if p.Speed > 0 {
		s += fmt.Sprintf("(%dGb/s)", p.Speed)
	}

	return s
}
