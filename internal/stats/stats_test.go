package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeftToSend(t *testing.T) {
	tests := []struct {
		name  string
		sent  uint64
		room  int
		limit uint64
		want  int
	}{
		{name: "unbounded", sent: 100, room: 16, limit: 0, want: 16},
		{name: "plenty left", sent: 0, room: 16, limit: 100, want: 16},
		{name: "tail", sent: 95, room: 16, limit: 100, want: 5},
		{name: "exhausted", sent: 100, room: 16, limit: 100, want: 0},
		{name: "overshoot", sent: 120, room: 16, limit: 100, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LeftToSend(tt.sent, tt.room, tt.limit))
		})
	}
}

func TestUpdateMaxCQEs(t *testing.T) {
	var s Stat

	s.UpdateMaxCQEs(3)
	s.UpdateMaxCQEs(1)
	s.UpdateMaxCQEs(0)
	assert.Equal(t, uint32(3), s.MaxCQEs)

	s.UpdateMaxCQEs(7)
	assert.Equal(t, uint32(7), s.MaxCQEs)
}

func twoSecondRun() Stat {
	var s Stat

	s.NoTicks = NoTicks
	s.TimeStart[TimeReal] = 1 * NoTicks
	s.TimeEnd[TimeReal] = 3 * NoTicks
	s.TimeStart[TimeUser] = 0
	s.TimeEnd[TimeUser] = NoTicks / 2
	s.TimeStart[TimeIdle] = 0
	s.TimeEnd[TimeIdle] = NoTicks

	return s
}

func TestCalculateBandwidth(t *testing.T) {
	local := twoSecondRun()
	remote := twoSecondRun()

	local.S = Counters{Bytes: 4000, Msgs: 40}
	remote.R = Counters{Bytes: 4000, Msgs: 40}

	res := Calculate(&local, &remote)

	assert.InDelta(t, 2.0, res.Local.TimeReal, 1e-9)
	assert.InDelta(t, 0.5, res.Local.TimeCPU, 1e-9)
	assert.InDelta(t, 0.25, res.Local.CPUUser, 1e-9)
	assert.InDelta(t, 0.5, res.Local.CPUIdle, 1e-9)
	assert.InDelta(t, 2000.0, res.SendBW, 1e-9)
	assert.InDelta(t, 2000.0, res.RecvBW, 1e-9)
	assert.InDelta(t, 20.0, res.MsgRate, 1e-9)
	assert.InDelta(t, 0.5*1e9/4000, res.SendCost, 1e-6)
	assert.InDelta(t, 0.5*1e9/4000, res.RecvCost, 1e-6)
}

func TestCalculateLatencyMergesRemoteCounters(t *testing.T) {
	local := twoSecondRun()
	remote := twoSecondRun()

	// An RDMA read: the client counts both sides.
	local.R = Counters{Bytes: 1000, Msgs: 1000}
	local.RemS = Counters{Bytes: 1000, Msgs: 1000}

	res := Calculate(&local, &remote)

	assert.Equal(t, uint64(1000), remote.S.Msgs)
	assert.InDelta(t, 2.0/1000, res.Latency, 1e-12)
}

func TestCalculateWithoutTime(t *testing.T) {
	var local, remote Stat

	local.S.Msgs = 10
	res := Calculate(&local, &remote)

	assert.Zero(t, res.Latency)
	assert.Zero(t, res.SendBW)
}

func TestWallClock(t *testing.T) {
	a, err := WallClock()
	require.NoError(t, err)

	b, err := WallClock()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, b[TimeReal], a[TimeReal])
	assert.Zero(t, a[TimeUser])
}
