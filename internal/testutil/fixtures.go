package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// SysfsPort describes one port below /sys/class/infiniband/<dev>/ports.
type SysfsPort struct {
	Number    int
	State     string
	LinkLayer string
	Rate      string
	LID       string
}

// SysfsDevice describes one device below /sys/class/infiniband.
type SysfsDevice struct {
	Name     string
	NodeGUID string
	FWVer    string
	NodeType string
	Ports    []SysfsPort
}

// FakeSysfs lays out devices the way the kernel does and returns the root
// to use in place of /sys/class/infiniband. Empty attributes are left out.
func FakeSysfs(t *testing.T, devices ...SysfsDevice) string {
	t.Helper()

	root := t.TempDir()

	for _, d := range devices {
		dir := filepath.Join(root, d.Name)
		writeAttrs(t, dir, map[string]string{
			"node_guid": d.NodeGUID,
			"fw_ver":    d.FWVer,
			"node_type": d.NodeType,
		})

		for _, p := range d.Ports {
			writeAttrs(t, filepath.Join(dir, "ports", fmt.Sprint(p.Number)), map[string]string{
				"state":      p.State,
				"link_layer": p.LinkLayer,
				"rate":       p.Rate,
				"lid":        p.LID,
			})
		}
	}

	return root
}

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()

	for name, value := range attrs {
		if value != "" {
			WriteFile(t, filepath.Join(dir, name), value)
		}
	}
}

// FakeCPUInfo writes a /proc/cpuinfo with cores identical processors and
// returns its path.
func FakeCPUInfo(t *testing.T, cores int, model string, mhz float64) string {
	t.Helper()

	var b strings.Builder

	for i := range cores {
		if i > 0 {
			b.WriteString("\n")
		}

		fmt.Fprintf(&b, "processor\t: %d\nmodel name\t: %s\ncpu MHz\t\t: %.3f\n", i, model, mhz)
	}

	path := filepath.Join(t.TempDir(), "cpuinfo")
	WriteFile(t, path, b.String())

	return path
}
