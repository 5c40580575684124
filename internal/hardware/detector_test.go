package hardware

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/testutil"
)

func fakeSysfs(t *testing.T) string {
	t.Helper()

	return testutil.FakeSysfs(t,
		testutil.SysfsDevice{
			Name:     "mlx5_1",
			NodeGUID: "0c42:a103:0065:ba7a",
			FWVer:    "16.35.2000",
			NodeType: "1: CA",
			Ports: []testutil.SysfsPort{
				{Number: 2, State: "1: DOWN"},
				{Number: 1, State: "4: ACTIVE", LinkLayer: "InfiniBand", Rate: "100 Gb/sec (4X EDR)", LID: "0x7"},
			},
		},
		testutil.SysfsDevice{Name: "mlx5_0", NodeType: "2: Switch"},
	)
}

func TestRDMADevices(t *testing.T) {
	d := &Detector{sysRoot: fakeSysfs(t)}

	devices := d.RDMADevices()
	require.Len(t, devices, 2)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "Switch", devices[0].NodeType)
	assert.Empty(t, devices[0].Ports)

	dev := devices[1]
	assert.Equal(t, "mlx5_1", dev.Name)
	assert.Equal(t, "CA", dev.NodeType)
	assert.Equal(t, "16.35.2000", dev.FirmwareVer)
	require.Len(t, dev.Ports, 2)

	assert.Equal(t, PortInfo{
		Number:    1,
		State:     "ACTIVE",
		LinkLayer: "InfiniBand",
		Rate:      "100 Gb/sec (4X EDR)",
		Speed:     100,
		LID:       "0x7",
	}, dev.Ports[0])
	assert.Equal(t, "DOWN", dev.Ports[1].State)
}

func TestRDMADevicesWithoutSysfs(t *testing.T) {
	d := &Detector{sysRoot: filepath.Join(t.TempDir(), "missing")}

	assert.Empty(t, d.RDMADevices())
}

func TestParseHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"node type CA", parseNodeType("1: CA"), "CA"},
		{"node type bare", parseNodeType("3"), "Router"},
		{"node type junk", parseNodeType(""), "Unknown"},
		{"state", parseState("4: ACTIVE"), "ACTIVE"},
		{"state bare", parseState("DOWN"), "DOWN"},
		{"speed fractional", parseSpeed("2.5 Gb/sec (1X SDR)"), uint64(2)},
		{"speed empty", parseSpeed(""), uint64(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestNodeConfig(t *testing.T) {
	d := &Detector{cpuInfo: testutil.FakeCPUInfo(t, 2, "Test CPU @ 2.00GHz", 2000)}
	conf := d.NodeConfig("1.2.3")

	assert.Equal(t, "2 Cores: Test CPU @ 2.00GHz", conf.CPU)
	assert.Equal(t, "1.2.3", conf.Version)
	assert.NotEmpty(t, conf.Node)
	assert.Contains(t, conf.OS, "Linux")
}

func TestNodeConfigWithoutCPUInfo(t *testing.T) {
	d := &Detector{cpuInfo: filepath.Join(t.TempDir(), "missing")}

	assert.Equal(t, "unknown", d.NodeConfig("dev").CPU)
}
