package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/hardware"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/server"
	"github.com/piwi3910/rdmaperf/internal/testutil"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := NewRootCmd("test", "none")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", testutil.TempConfig(t, "{}\n")))

	err := cmd.Execute()

	return out.String(), err
}

func TestListCmd(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)

	for _, name := range []string{"conf", "quit", "rc_bw", "ud_lat", "ver_rc_fetch_add"} {
		assert.Contains(t, out, name)
	}

	assert.Contains(t, out, "TEST")
}

func TestRunRejectsUnknownTest(t *testing.T) {
	_, err := execute(t, "run", "localhost", "rc_bw", "tcp_bw")
	testutil.AssertErrorType(t, rdma.ErrConfiguration, err)
}

func TestRequestFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, req control.Request, set map[string]bool)
		wantErr bool
		errMsg  string
	}{
		{
			name: "sizes and counts",
			args: []string{"--msg-size", "4KiB", "-n", "100", "--mtu-size", "4096", "--poll-mode"},
			check: func(t *testing.T, req control.Request, set map[string]bool) {
				assert.Equal(t, uint32(4096), req.MsgSize)
				assert.Equal(t, uint32(4096), req.MTUSize)
				assert.Equal(t, uint32(100), req.NoMsgs)
				assert.True(t, req.PollMode)
				assert.Equal(t, map[string]bool{
					"msg_size": true, "mtu_size": true, "no_msgs": true, "poll_mode": true,
				}, set)
			},
		},
		{
			name: "device selection",
			args: []string{"-i", "mlx5_0:1", "--rate", "4xQDR", "-a", "3", "-t", "5s", "--access-recv"},
			check: func(t *testing.T, req control.Request, set map[string]bool) {
				assert.Equal(t, "mlx5_0:1", req.ID)
				assert.Equal(t, "4xQDR", req.Rate)
				assert.Equal(t, uint32(3), req.Affinity)
				assert.Equal(t, 5*time.Second, req.Time)
				assert.True(t, req.AccessRecv)
				assert.True(t, set["static_rate"])
				assert.False(t, set["msg_size"])
			},
		},
		{
			name: "defaults untouched",
			args: nil,
			check: func(t *testing.T, req control.Request, set map[string]bool) {
				assert.Equal(t, uint32(64), req.MsgSize)
				assert.Empty(t, set)
			},
		},
		{
			name:    "bad mtu",
			args:    []string{"--mtu-size", "1000"},
			wantErr: true,
			errMsg:  "MTU",
		},
		{
			name:    "bad rate",
			args:    []string{"--rate", "9xFAST"},
			wantErr: true,
			errMsg:  "bad static rate",
		},
		{
			name:    "bad size",
			args:    []string{"--msg-size", "lots"},
			wantErr: true,
			errMsg:  "invalid --msg-size",
		},
		{
			name:    "sub millisecond time",
			args:    []string{"-t", "500us"},
			wantErr: true,
			errMsg:  "--time 500µs must be at least 1ms",
		},
		{
			name:    "sub millisecond timeout",
			args:    []string{"--timeout", "999us"},
			wantErr: true,
			errMsg:  "at least 1ms",
		},
		{
			name: "address vector",
			args: []string{"--sl", "7", "--src-path-bits", "2"},
			check: func(t *testing.T, req control.Request, set map[string]bool) {
				assert.Equal(t, uint32(7), req.ServiceLevel)
				assert.Equal(t, uint32(2), req.SrcPathBits)
				assert.Equal(t, map[string]bool{"sl": true, "src_path_bits": true}, set)
			},
		},
		{
			name:    "device id too long",
			args:    []string{"-i", strings.Repeat("d", 64)},
			wantErr: true,
			errMsg:  "field too long",
		},
		{
			name:    "service level out of range",
			args:    []string{"--sl", "16"},
			wantErr: true,
			errMsg:  "bad service level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf := &requestFlags{}
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			rf.register(fs)
			require.NoError(t, fs.Parse(tt.args))

			req := control.Request{MsgSize: 64}

			set, err := rf.apply(fs, &req)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)

				return
			}

			require.NoError(t, err)
			tt.check(t, req, set)
		})
	}
}

func TestFormatGUID(t *testing.T) {
	assert.Equal(t, "dead:beef:0000:0001", formatGUID(0xDEADBEEF00000001))
}

func TestBackendDevices(t *testing.T) {
	devices, err := backendDevices(rdma.BackendSimulated)
	require.NoError(t, err)
	require.NotEmpty(t, devices)

	assert.Equal(t, "CA", devices[0].NodeType)
	assert.Len(t, devices[0].Ports, 2)
}

func TestWriteDevices(t *testing.T) {
	devices := []hardware.RDMAInfo{{
		Name:        "mlx5_0",
		NodeType:    "CA",
		NodeGUID:    "0c42:a103:0065:ba7a",
		FirmwareVer: "16.35.2000",
		Ports:       []hardware.PortInfo{{Number: 1, State: "ACTIVE", Speed: 100}},
	}}

	var buf bytes.Buffer
	require.NoError(t, writeDevices(&buf, report.FormatText, devices))
	assert.Contains(t, buf.String(), "mlx5_0")
	assert.Contains(t, buf.String(), "1:ACTIVE(100Gb/s)")

	buf.Reset()
	require.NoError(t, writeDevices(&buf, report.FormatJSON, devices))

	var decoded []hardware.RDMAInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, devices, decoded)

	buf.Reset()
	require.NoError(t, writeDevices(&buf, report.FormatText, nil))
	assert.Equal(t, "No RDMA devices found\n", buf.String())
}

func TestParseLoop(t *testing.T) {
	tests := []struct {
		name   string
		arg    string
		want   []uint32
		errMsg string
	}{
		{name: "multiplied sizes", arg: "msg_size:1:64:*4", want: []uint32{1, 4, 16, 64}},
		{name: "added counts", arg: "no_msgs:10:30:10", want: []uint32{10, 20, 30}},
		{name: "default name and start", arg: "::8:*2", want: []uint32{1, 2, 4, 8}},
		{name: "additive start defaults to zero", arg: "affinity::2:1", want: []uint32{0, 1, 2}},
		{name: "binary units", arg: "msg_size:1KiB:4KiB:*2", want: []uint32{1024, 2048, 4096}},
		{name: "mtu values checked", arg: "mtu_size:256:4096:*2", want: []uint32{256, 512, 1024, 2048, 4096}},
		{name: "unknown variable", arg: "colour:1:2:1", errMsg: "no such variable"},
		{name: "missing limit", arg: "msg_size:1::*2", errMsg: "must specify limit"},
		{name: "missing increment", arg: "msg_size:1:8", errMsg: "must specify increment"},
		{name: "zero increment", arg: "msg_size:1:8:0", errMsg: "increment must be positive"},
		{name: "multiplier of one", arg: "msg_size:1:8:*1", errMsg: "multiplier must be at least 2"},
		{name: "multiplied from zero", arg: "msg_size:0:8:*2", errMsg: "cannot start at 0"},
		{name: "bad mtu step", arg: "mtu_size:256:4096:256", errMsg: "bad MTU"},
		{name: "service level past range", arg: "sl:0:16:8", errMsg: "bad service level"},
		{name: "too many fields", arg: "msg_size:1:2:1:1", errMsg: "want name:init:last:incr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := parseLoop(tt.arg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, l.values())
		})
	}
}

func TestExpandLoops(t *testing.T) {
	loops, err := parseLoops([]string{"msg_size:1:4:*2", "sl:0:1:1"})
	require.NoError(t, err)

	base := control.Request{MsgSize: 99, NoMsgs: 5}

	var got []control.Request

	err = expandLoops(loops, base, func(req control.Request) error {
		got = append(got, req)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 6)
	assert.Equal(t, control.Request{MsgSize: 1, NoMsgs: 5}, got[0])
	assert.Equal(t, control.Request{MsgSize: 1, NoMsgs: 5, ServiceLevel: 1}, got[1])
	assert.Equal(t, control.Request{MsgSize: 4, NoMsgs: 5, ServiceLevel: 1}, got[5])

	calls := 0
	err = expandLoops(nil, base, func(req control.Request) error {
		calls++
		assert.Equal(t, base, req)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExpandLoopsStopsOnError(t *testing.T) {
	loops, err := parseLoops([]string{"no_msgs:1:5:1"})
	require.NoError(t, err)

	calls := 0
	err = expandLoops(loops, control.Request{}, func(req control.Request) error {
		calls++
		if req.NoMsgs == 2 {
			return assert.AnError
		}

		return nil
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
}

func TestRunRejectsBadLoop(t *testing.T) {
	_, err := execute(t, "run", "localhost", "rc_bw", "--loop", "colour:1:2:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such variable")
}

func TestConfAndQuit(t *testing.T) {
	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	srv, err := server.New(server.Config{BackendName: rdma.BackendSimulated}, backend, zerolog.Nop())
	require.NoError(t, err)

	errc := make(chan error, 1)

	go func() { errc <- srv.Start(context.Background()) }()

	port := strconv.Itoa(srv.Addr().(*net.TCPAddr).Port)

	out, err := execute(t, "conf", "127.0.0.1", "--port", port)
	require.NoError(t, err)
	assert.Contains(t, out, "conf:")
	assert.Contains(t, out, "loc_node")
	assert.Contains(t, out, "rem_cpu")

	out, err = execute(t, "run", "127.0.0.1", "conf", "--port", port, "--format", "json")
	require.NoError(t, err)

	var doc struct {
		Test    string         `json:"test"`
		Results []report.Entry `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "conf", doc.Test)
	assert.NotEmpty(t, doc.Results)

	out, err = execute(t, "quit", "127.0.0.1", "--port", port)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	require.NoError(t, testutil.RecvWithin(t, errc, 5*time.Second, "server"))
}
