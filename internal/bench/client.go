package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/stats"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Client runs tests against one server.
type Client struct {
	Host    string
	Port    int
	Wait    time.Duration
	Backend rdma.VerbsBackend
	Log     zerolog.Logger
}

// Run connects to the server and runs test with req. Each test uses a fresh
// control connection.
func (c *Client) Run(ctx context.Context, test *Test, req control.Request) (*Run, error) {
	test.ApplyDefaults(&req)

	conn, err := control.Dial(ctx, c.Host, c.Port, c.Wait, req.Timeout, c.Log)
	if err != nil {
		return nil, err
	}

	defer func() {
		err := conn.Close()
		if err != nil {
			c.Log.Debug().Err(err).Msg("Failed to close control connection")
		}
	}()

	return RunClient(ctx, conn, test, req, c.Backend, c.Log)
}

// RunClient drives the client side of test over an established control
// connection.
func RunClient(ctx context.Context, conn *control.Conn, test *Test, req control.Request,
	backend rdma.VerbsBackend, log zerolog.Logger) (*Run, error) {
	_, index, err := Lookup(test.Name)
	if err != nil {
		return nil, err
	}

	test.ApplyDefaults(&req)
	req.Index = uint16(index) //nolint:gosec // G115: registry is small

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	conn.SetTimeout(req.Timeout)

	r := NewRun(ctx, test, RoleClient, &req, conn, backend, log)
	r.Log.Debug().
		Uint32("msg_size", req.MsgSize).
		Dur("time", req.Time).
		Uint32("no_msgs", req.NoMsgs).
		Msg("Starting test")

	metrics.RunStarted()
	start := time.Now()

	err = conn.SendRequest(&req)
	if err == nil {
		err = r.execute(test.client)
	}

	r.record(time.Since(start), err)

	if err != nil {
		r.Log.Error().Err(err).Msg("Test failed")
		return r, fmt.Errorf("%s: %w", test.Name, err)
	}

	return r, nil
}

// Serve answers one request read from conn and runs the server side of the
// requested test. onStart, when set, is called with the test before it runs.
// It returns ErrQuit once a quit request was honoured.
func Serve(ctx context.Context, conn *control.Conn, backend rdma.VerbsBackend, log zerolog.Logger,
	onStart func(*Test)) error {
	req, err := conn.RecvRequest(len(registry))
	if err != nil {
		metrics.RecordRequestError(requestErrorReason(err))
		return fmt.Errorf("failed to receive request: %w", err)
	}

	// An older or foreign client may leave fields at zero; a run with
	// neither a time nor a message limit would never end.
	test := registry[req.Index]
	test.ApplyDefaults(req)
	conn.SetTimeout(req.Timeout)

	if onStart != nil {
		onStart(test)
	}

	r := NewRun(ctx, test, RoleServer, req, conn, backend, log)
	r.Log.Info().Str("peer", conn.RemoteAddr().String()).Msg("Received request")

	metrics.RunStarted()
	start := time.Now()

	err = r.execute(test.server)
	r.record(time.Since(start), err)

	switch {
	case errors.Is(err, ErrQuit):
		r.Log.Info().Msg("Quit requested")
		return err
	case err != nil:
		r.Log.Error().Err(err).Msg("Test failed")
		return fmt.Errorf("%s: %w", test.Name, err)
	}

	r.Log.Info().Dur("duration", time.Since(start)).Msg("Test finished")

	return nil
}

func requestErrorReason(err error) string {
	switch {
	case errors.Is(err, control.ErrVersionMismatch):
		return "version"
	case errors.Is(err, control.ErrBadRequestIndex):
		return "bad_index"
	}

	return "receive"
}

func (r *Run) record(d time.Duration, err error) {
	if errors.Is(err, ErrQuit) {
		err = nil
	}

	metrics.RecordRun(r.Test.Name, r.Role.String(), err, d,
		metrics.Transfer{Bytes: r.Local.S.Bytes, Msgs: r.Local.S.Msgs},
		metrics.Transfer{Bytes: r.Local.R.Bytes, Msgs: r.Local.R.Msgs})

	if r.Test.Kind != nil {
		metrics.SetMaxCQEs(r.Test.Name, r.Local.MaxCQEs)
	}
}

// Report computes the results of a finished client run. set names the
// parameters the user gave explicitly. The run's own stats are left as
// they are.
func (r *Run) Report(set map[string]bool) report.Run {
	local := r.Local

	var remote stats.Stat
	if r.Remote != nil {
		remote = *r.Remote
	}

	return report.Run{
		Test:    r.Test.Name,
		Measure: r.Test.Measure,
		Results: stats.Calculate(&local, &remote),
		Local:   &local,
		Remote:  &remote,
		Params:  r.Test.Params(r.Req, set),
	}
}
