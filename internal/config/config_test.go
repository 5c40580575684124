package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/testutil"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testutil.TempConfig(t, "{}\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, control.DefaultPort, cfg.ListenPort)
	assert.Equal(t, BackendSimulated, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.ServerWait)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Defaults.Timeout)
	assert.Equal(t, 2048, cfg.Defaults.MTUSize)
	assert.Equal(t, string(report.FormatText), cfg.Output.Format)
	assert.Equal(t, 3, cfg.Output.Precision)
}

func TestLoadFile(t *testing.T) {
	path := testutil.TempConfig(t, `
node_id: bench-1
listen_port: 20000
backend: simulated
metrics:
  enabled: true
  port: 9100
defaults:
  time: 3s
  msg_size: 4096
  rate: 4xQDR
  poll_mode: true
output:
  format: json
  precision: 5
  unify_units: true
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "bench-1", cfg.NodeID)
	assert.Equal(t, 20000, cfg.ListenPort)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, 3*time.Second, cfg.Defaults.Time)
	assert.Equal(t, 4096, cfg.Defaults.MsgSize)
	assert.True(t, cfg.Defaults.PollMode)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.True(t, cfg.Output.UnifyUnits)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RDMAPERF_LISTEN_PORT", "20001")
	t.Setenv("RDMAPERF_DEFAULTS_NO_MSGS", "500")

	path := testutil.TempConfig(t, "listen_port: 20000\n")

	cfg, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 20001, cfg.ListenPort)
	assert.Equal(t, 500, cfg.Defaults.NoMsgs)

	cfg, err = Load(path, Options{ListenPort: 20002, LogLevel: "debug", MetricsPort: 9200})
	require.NoError(t, err)
	assert.Equal(t, 20002, cfg.ListenPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9200, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		opts    Options
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid verbs backend",
			content: "backend: verbs\n",
			wantErr: false,
		},
		{
			name:    "unknown backend",
			content: "{}\n",
			opts:    Options{Backend: "tcp"},
			wantErr: true,
			errMsg:  "unsupported backend",
		},
		{
			name:    "listen port out of range",
			content: "listen_port: 70000\n",
			wantErr: true,
			errMsg:  "listen_port 70000 out of range",
		},
		{
			name:    "metrics port checked only when enabled",
			content: "metrics:\n  port: 0\n",
			wantErr: false,
		},
		{
			name:    "metrics port out of range",
			content: "metrics:\n  enabled: true\n  port: 0\n",
			wantErr: true,
			errMsg:  "metrics.port 0 out of range",
		},
		{
			name:    "bad log level",
			content: "log_level: loud\n",
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "bad mtu",
			content: "defaults:\n  mtu_size: 1000\n",
			wantErr: true,
			errMsg:  "invalid defaults",
		},
		{
			name:    "negative message size",
			content: "defaults:\n  msg_size: -1\n",
			wantErr: true,
			errMsg:  "cannot be negative",
		},
		{
			name:    "sub millisecond time",
			content: "defaults:\n  time: 500us\n",
			wantErr: true,
			errMsg:  "must be at least 1ms",
		},
		{
			name:    "sub millisecond timeout",
			content: "defaults:\n  timeout: 10us\n",
			wantErr: true,
			errMsg:  "at least 1ms",
		},
		{
			name:    "negative time",
			content: "defaults:\n  time: -1s\n",
			wantErr: true,
			errMsg:  "time cannot be negative",
		},
		{
			name:    "device id too long",
			content: "defaults:\n  id: " + strings.Repeat("d", 64) + "\n",
			wantErr: true,
			errMsg:  "field too long",
		},
		{
			name:    "service level out of range",
			content: "defaults:\n  sl: 16\n",
			wantErr: true,
			errMsg:  "sl 16 out of range",
		},
		{
			name:    "src path bits in range",
			content: "defaults:\n  src_path_bits: 3\n",
			wantErr: false,
		},
		{
			name:    "unknown rate",
			content: "defaults:\n  rate: 9xFAST\n",
			wantErr: true,
			errMsg:  "bad static rate",
		},
		{
			name:    "unknown format",
			content: "output:\n  format: xml\n",
			wantErr: true,
			errMsg:  "invalid output configuration",
		},
		{
			name:    "zero precision",
			content: "output:\n  precision: 0\n",
			wantErr: true,
			errMsg:  "precision must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(testutil.TempConfig(t, tt.content), tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequest(t *testing.T) {
	cfg := &Config{Defaults: DefaultsConfig{
		Time:       time.Second,
		Timeout:    3 * time.Second,
		MTUSize:    4096,
		MsgSize:    128,
		NoMsgs:     10,
		ID:         "mlx5_0:1",
		Rate:       "4xEDR",
		PollMode:   true,
		RdAtomic:   4,
		AccessRecv: true,
		Affinity:   2,

		SL:          4,
		SrcPathBits: 1,
	}}

	assert.Equal(t, control.Request{
		ID:         "mlx5_0:1",
		Rate:       "4xEDR",
		Time:       time.Second,
		Timeout:    3 * time.Second,
		MTUSize:    4096,
		MsgSize:    128,
		NoMsgs:     10,
		RdAtomic:   4,
		Affinity:   2,
		PollMode:   true,
		AccessRecv: true,

		ServiceLevel: 4,
		SrcPathBits:  1,
	}, cfg.Request())
}

func TestReportOptions(t *testing.T) {
	cfg := &Config{Output: OutputConfig{
		Format:        "yaml",
		Precision:     4,
		UnifyNodes:    true,
		UseBitsPerSec: true,
		VerboseStat:   2,
	}}

	opts := cfg.ReportOptions()
	assert.Equal(t, 4, opts.Precision)
	assert.True(t, opts.UnifyNodes)
	assert.True(t, opts.UseBitsPerSec)
	assert.Equal(t, 2, opts.VerboseStat)
	assert.False(t, opts.UnifyUnits)
}
