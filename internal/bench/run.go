// Package bench runs the benchmark control loops. A test is driven from both
// ends at once: the client picks the test and reports, the server mirrors
// it. Each side owns one Run for the life of a test.
package bench

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/stats"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Role says which end of a test a Run drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}

	return "server"
}

// ErrQuit is returned by the server side of the quit test.
var ErrQuit = errors.New("quit requested")

// Run is the environment of one test on one node.
type Run struct {
	Test    *Test
	Role    Role
	Req     *control.Request
	Conn    *control.Conn
	Backend rdma.VerbsBackend
	Log     zerolog.Logger
	Sampler stats.Sampler

	// Local is updated by the loops; Remote is filled in by the results
	// exchange on the client.
	Local  stats.Stat
	Remote *stats.Stat

	// Mismatches counts atomic results that broke their verification chain.
	Mismatches uint64

	// LocalConf and RemoteConf are filled in by the conf test.
	LocalConf  *control.Conf
	RemoteConf *control.Conf

	finish context.Context
	stop   context.CancelFunc
	once   sync.Once
	timer  *time.Timer
	sink   byte
}

// NewRun prepares a run. The run finishes when its timer fires, when
// StopTimer is called or when ctx ends.
func NewRun(ctx context.Context, test *Test, role Role, req *control.Request, conn *control.Conn,
	backend rdma.VerbsBackend, log zerolog.Logger) *Run {
	r := &Run{
		Test:    test,
		Role:    role,
		Req:     req,
		Conn:    conn,
		Backend: backend,
		Sampler: stats.Sample,
		Log: log.With().
			Str("run_id", req.RunID).
			Str("test", test.Name).
			Str("role", role.String()).
			Logger(),
	}

	r.Local.NoCPUs = uint32(stats.NumCPU()) //nolint:gosec // G115: CPU counts are small
	r.Local.NoTicks = stats.NoTicks
	r.finish, r.stop = context.WithCancel(ctx)

	return r
}

// Client reports whether this is the initiating side.
func (r *Run) Client() bool {
	return r.Role == RoleClient
}

// Context is done once the timed region is over.
func (r *Run) Context() context.Context {
	return r.finish
}

// Finished reports whether the timed region is over.
func (r *Run) Finished() bool {
	return r.finish.Err() != nil
}

func (r *Run) sample() [stats.TimeN]uint64 {
	t, err := r.Sampler()
	if err != nil {
		r.Log.Warn().Err(err).Msg("CPU times unavailable, reporting wall clock only")

		t, _ = stats.WallClock()
	}

	return t
}

// SyncTest lines up both peers and starts the clock. With a positive test
// time the run finishes by itself once it passes.
func (r *Run) SyncTest() error {
	err := r.Conn.Synchronize(r.Client(), "synchronization before test")
	if err != nil {
		return err
	}

	r.Local.TimeStart = r.sample()

	if r.Req.Time > 0 {
		r.Log.Debug().Dur("time", r.Req.Time).Msg("Starting timer")
		r.timer = time.AfterFunc(r.Req.Time, r.StopTimer)
	}

	return nil
}

// StopTimer ends the timed region. Only the first call samples the end
// times.
func (r *Run) StopTimer() {
	r.once.Do(func() {
		r.Local.TimeEnd = r.sample()
		r.stop()
		r.Log.Debug().Msg("Stopping timer")
	})
}

// ExchangeResults stops the clock and trades final statistics.
func (r *Run) ExchangeResults() error {
	r.StopTimer()

	if r.timer != nil {
		r.timer.Stop()
	}

	remote, err := r.Conn.ExchangeResults(r.Client(), &r.Local)
	if err != nil {
		return err
	}

	r.Remote = remote

	return nil
}

// openDevice builds the device for this test, registers a region of size
// bytes (zero means the message size) and connects it to the peer.
func (r *Run) openDevice(sendWR, recvWR, size int) (*rdma.Device, error) {
	dev, err := rdma.Open(r.Backend, rdma.DeviceConfig{
		Logger:    r.Log,
		Kind:      r.Test.Kind,
		Stat:      &r.Local,
		ID:        r.Req.ID,
		Rate:      r.Req.Rate,
		MTU:       int(r.Req.MTUSize),
		MsgSize:   int(r.Req.MsgSize),
		RdAtomic:  int(r.Req.RdAtomic),
		MaxSendWR: sendWR,
		MaxRecvWR: recvWR,
		PollMode:  r.Req.PollMode,

		RegionSize:  size,
		SL:          int(r.Req.ServiceLevel),
		SrcPathBits: int(r.Req.SrcPathBits),
	})
	if err != nil {
		return nil, err
	}

	err = dev.AllocateRegion(size)
	if err == nil {
		err = dev.Negotiate(r.Conn, r.Client())
	}

	if err != nil {
		r.closeDevice(dev)
		return nil, err
	}

	return dev, nil
}

func (r *Run) closeDevice(dev *rdma.Device) {
	err := dev.Close()
	if err != nil {
		r.Log.Error().Err(err).Msg("Failed to release device")
	}
}

// finishRun stops the clock, trades results and releases the device.
func (r *Run) finishRun(dev *rdma.Device) error {
	defer r.closeDevice(dev)

	return r.ExchangeResults()
}

// poll wraps Device.Poll and records the largest batch.
func (r *Run) poll(dev *rdma.Device, capacity int) ([]rdma.Completion, error) {
	wc, err := dev.Poll(r.finish, capacity)
	if err != nil {
		return nil, err
	}

	r.Local.UpdateMaxCQEs(len(wc))

	return wc, nil
}

// completionError counts a failed completion against c and logs it. The loop
// carries on.
func (r *Run) completionError(wc rdma.Completion, c *stats.Counters) {
	c.Errs++

	metrics.RecordCompletionError(r.Test.Name, wc.Status.String())
	r.Log.Error().
		Str("status", wc.Status.String()).
		Str("tag", wc.Tag.Kind.String()).
		Msgf("%s failed: %s", r.Test.Name, wc.Status)
}

func (r *Run) unknownTag(wc rdma.Completion) {
	metrics.RecordUnknownWRTag(r.Test.Name)
	r.Log.Debug().Str("tag", wc.Tag.Kind.String()).Msg("bad WR ID")
}

// touchData reads one byte per cache line of the first n bytes so received
// data is pulled into the cache.
func touchData(buf *rdma.Buffer, n int) byte {
	const cacheLine = 64

	var sum byte

	for off := 0; off < n && off < buf.Len(); off += cacheLine {
		sum += buf.LoadByte(off)
	}

	return sum
}

// SetAffinity pins the calling thread to cpu. The caller must hold the
// thread with runtime.LockOSThread.
func SetAffinity(cpu int) error {
	var set unix.CPUSet

	set.Set(cpu)

	err := unix.SchedSetaffinity(0, &set)
	if err != nil {
		return fmt.Errorf("cannot set processor affinity (cpu %d): %w", cpu, err)
	}

	return nil
}

// execute runs fn, pinned to CPU affinity-1 when an affinity is requested.
// A pinned run gets its own thread, which is discarded afterwards.
func (r *Run) execute(fn func(*Run) error) error {
	if r.Req.Affinity == 0 {
		return fn(r)
	}

	errc := make(chan error, 1)

	go func() {
		runtime.LockOSThread()

		err := SetAffinity(int(r.Req.Affinity) - 1)
		if err != nil {
			errc <- err
			return
		}

		errc <- fn(r)
	}()

	return <-errc
}
