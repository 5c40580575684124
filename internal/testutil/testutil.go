// Package testutil provides helpers shared by the rdmaperf tests.
//
// Both peers of a test run in one process: they share a simulated verbs
// backend and talk over an in-memory control connection.
//
//	func TestSomething(t *testing.T) {
//		backend := testutil.SimBackend(t)
//		client, server := testutil.ControlPipe(t)
//
//		go func() { errc <- bench.Serve(ctx, server, backend, zerolog.Nop(), nil) }()
//		...
//	}
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// ControlTimeout bounds control messages in tests.
const ControlTimeout = 5 * time.Second

// SimBackend returns an initialized simulated backend closed at cleanup.
func SimBackend(t testing.TB) *rdma.SimulatedVerbsBackend {
	t.Helper()

	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

// ControlPipe returns the two ends of an in-memory control connection.
func ControlPipe(t testing.TB) (client, server *control.Conn) {
	t.Helper()

	a, b := net.Pipe()
	client = control.NewConn(a, ControlTimeout, zerolog.Nop())
	server = control.NewConn(b, ControlTimeout, zerolog.Nop())

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

// WriteFile writes content plus a newline to path, creating directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o600))
}

// TempConfig writes a configuration file and returns its path.
func TempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdmaperf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}
