package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/shutdown"
	"github.com/piwi3910/rdmaperf/internal/testutil"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

func testConfig(withMetrics bool) Config {
	return Config{
		MetricsEnabled: withMetrics,
		NodeID:         "test-node",
		BackendName:    rdma.BackendSimulated,
		Timeout:        5 * time.Second,
		Shutdown: shutdown.Config{
			TotalTimeout:   2 * time.Second,
			DrainTimeout:   500 * time.Millisecond,
			HTTPTimeout:    500 * time.Millisecond,
			BackendTimeout: 500 * time.Millisecond,
			ForceTimeout:   time.Second,
		},
	}
}

type daemon struct {
	srv     *Server
	backend *rdma.SimulatedVerbsBackend
	errc    chan error
	cancel  context.CancelFunc
}

func startDaemon(t *testing.T, withMetrics bool) *daemon {
	t.Helper()

	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	srv, err := New(testConfig(withMetrics), backend, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{srv: srv, backend: backend, errc: make(chan error, 1), cancel: cancel}

	go func() { d.errc <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-d.errc:
		case <-time.After(5 * time.Second):
		}
	})

	return d
}

func (d *daemon) client() *bench.Client {
	return &bench.Client{
		Host:    "127.0.0.1",
		Port:    d.srv.Addr().(*net.TCPAddr).Port,
		Wait:    2 * time.Second,
		Backend: d.backend,
		Log:     zerolog.Nop(),
	}
}

func (d *daemon) wait(t *testing.T) error {
	t.Helper()

	return testutil.RecvWithin(t, d.errc, 5*time.Second, "daemon")
}

func lookup(t *testing.T, name string) *bench.Test {
	t.Helper()

	test, _, err := bench.Lookup(name)
	require.NoError(t, err)

	return test
}

func TestConfThenQuit(t *testing.T) {
	d := startDaemon(t, false)
	ctx := context.Background()

	r, err := d.client().Run(ctx, lookup(t, "conf"), control.Request{})
	require.NoError(t, err)
	require.NotNil(t, r.RemoteConf)
	assert.NotEmpty(t, r.RemoteConf.Node)
	assert.Equal(t, r.LocalConf.Node, r.RemoteConf.Node)

	_, err = d.client().Run(ctx, lookup(t, "quit"), control.Request{})
	require.NoError(t, err)

	require.NoError(t, d.wait(t))
	assert.False(t, d.srv.Accepting())
	assert.Equal(t, shutdown.PhaseComplete, d.srv.coordinator.Phase())
}

func TestServesTestsSequentially(t *testing.T) {
	d := startDaemon(t, false)
	ctx := context.Background()

	r, err := d.client().Run(ctx, lookup(t, "rc_bw"), control.Request{MsgSize: 64, NoMsgs: 200})
	require.NoError(t, err)
	require.NotNil(t, r.Remote)
	assert.Equal(t, uint64(200), r.Local.S.Msgs)
	assert.Equal(t, uint64(200), r.Remote.R.Msgs)

	r, err = d.client().Run(ctx, lookup(t, "rc_lat"), control.Request{MsgSize: 64, NoMsgs: 200})
	require.NoError(t, err)
	require.NotNil(t, r.Remote)
	assert.NotZero(t, r.Local.S.Msgs)

	testutil.RequireEventually(t, func() bool {
		return d.srv.RunningTest() == "" && d.srv.InFlightCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownOnContextCancel(t *testing.T) {
	d := startDaemon(t, false)

	d.cancel()

	require.NoError(t, d.wait(t))
	assert.False(t, d.srv.Accepting())

	_, err := net.DialTimeout("tcp", d.srv.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestWaitForDrain(t *testing.T) {
	d := startDaemon(t, false)

	d.srv.inFlight.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	testutil.AssertErrorType(t, context.DeadlineExceeded, d.srv.WaitForDrain(ctx))

	d.srv.inFlight.Add(-1)
	require.NoError(t, d.srv.WaitForDrain(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	d := startDaemon(t, true)

	require.NotNil(t, d.srv.MetricsAddr())
	base := fmt.Sprintf("http://127.0.0.1:%d", d.srv.MetricsAddr().(*net.TCPAddr).Port)

	_, err := d.client().Run(context.Background(), lookup(t, "rc_bw"), control.Request{MsgSize: 64, NoMsgs: 100})
	require.NoError(t, err)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rdmaperf_runs_total")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", status["status"])

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/ready")
		if err != nil {
			return false
		}

		_ = resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	defer ln.Close()

	cfg := testConfig(false)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	_, err = New(cfg, backend, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen on control port")
}
