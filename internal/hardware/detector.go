// Package hardware discovers the node configuration and the RDMA devices of
// the local host from sysfs and /proc.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	procinfo "github.com/c9s/goprocinfo/linux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmaperf/internal/transport/control"
)

const (
	pathSysInfiniband = "/sys/class/infiniband"
	pathCPUInfo       = "/proc/cpuinfo"
)

// PortInfo describes one port of an RDMA device.
type PortInfo struct {
	Number    int    `json:"number" yaml:"number"`
	State     string `json:"state" yaml:"state"`           // ACTIVE, DOWN
	LinkLayer string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	Rate      string `json:"rate" yaml:"rate"`
	Speed     uint64 `json:"speed" yaml:"speed"` // Gb/s
	LID       string `json:"lid" yaml:"lid"`
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Detector reads device and host information below a filesystem root.
type Detector struct {
	sysRoot string
	cpuInfo string
}

// NewDetector creates a detector for the running host.
func NewDetector() *Detector {
	return &Detector{
		sysRoot: pathSysInfiniband,
		cpuInfo: pathCPUInfo,
	}
}

// RDMADevices lists the RDMA devices registered in sysfs, sorted by name.
// A host without the infiniband class has none.
func (d *Detector) RDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	entries, err := os.ReadDir(d.sysRoot)
	if err != nil {
		log.Debug().Err(err).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.sysRoot, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))
		device.Ports = readPorts(filepath.Join(devicePath, "ports"))

		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices
}

func readPorts(portsPath string) []PortInfo {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]PortInfo, 0, len(entries))

	for _, entry := range entries {
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		rate := readSysfsFile(filepath.Join(portPath, "rate"))

		ports = append(ports, PortInfo{
			Number:    n,
			State:     parseState(readSysfsFile(filepath.Join(portPath, "state"))),
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			Rate:      rate,
			Speed:     parseSpeed(rate),
			LID:       readSysfsFile(filepath.Join(portPath, "lid")),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from sysfs entries
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts the sysfs node type ("1: CA") to its name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")

	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return "Unknown"
	}

	return NodeTypeName(n)
}

// NodeTypeName names a verbs node type number.
func NodeTypeName(n int) string {
	switch n {
	case 1:
		return "CA"
	case 2:
		return "Switch"
	case 3:
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix of a port state ("4: ACTIVE").
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses a rate such as "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseFloat(parts[0], 64)
		return uint64(speed)
	}

	return 0
}

// NodeConfig describes the host for the conf test.
func (d *Detector) NodeConfig(version string) control.Conf {
	conf := control.Conf{
		CPU:     d.cpuDescription(),
		Version: version,
	}

	var uts unix.Utsname

	err := unix.Uname(&uts)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read system name")

		conf.Node, _ = os.Hostname()

		return conf
	}

	conf.Node = unix.ByteSliceToString(uts.Nodename[:])
	conf.OS = unix.ByteSliceToString(uts.Sysname[:]) + " " + unix.ByteSliceToString(uts.Release[:])

	return conf
}

// cpuDescription summarises the processors, e.g. "8 Cores: Intel Xeon @ 2.40GHz".
func (d *Detector) cpuDescription() string {
	info, err := procinfo.ReadCPUInfo(d.cpuInfo)
	if err != nil || len(info.Processors) == 0 {
		return "unknown"
	}

	p := info.Processors[0]
	model := strings.Join(strings.Fields(p.ModelName), " ")

	if model == "" {
		model = p.VendorId
	}

	if !strings.Contains(model, "Hz") && p.MHz > 0 {
		model = fmt.Sprintf("%s %.0fMHz", model, p.MHz)
	}

	return fmt.Sprintf("%d Cores: %s", info.NumCPU(), model)
}
