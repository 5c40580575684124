package rdma

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/stats"
)

// chanExchanger carries parameter records between two in-process peers.
type chanExchanger struct {
	out chan<- []byte
	in  <-chan []byte
}

func (c chanExchanger) SendMessage(_ string, payload []byte) error {
	c.out <- append([]byte(nil), payload...)
	return nil
}

func (c chanExchanger) RecvMessage(label string, size int) ([]byte, error) {
	buf := <-c.in
	if len(buf) != size {
		return nil, fmt.Errorf("%s: got %d bytes, want %d", label, len(buf), size)
	}

	return buf, nil
}

func exchangerPair() (chanExchanger, chanExchanger) {
	a := make(chan []byte, 1)
	b := make(chan []byte, 1)

	return chanExchanger{out: a, in: b}, chanExchanger{out: b, in: a}
}

func newBackend(t *testing.T) *SimulatedVerbsBackend {
	t.Helper()

	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

func testConfig(kind TransportKind, msgSize int) DeviceConfig {
	return DeviceConfig{
		Logger:    zerolog.Nop(),
		Kind:      kind,
		Stat:      &stats.Stat{},
		MTU:       2048,
		MsgSize:   msgSize,
		MaxSendWR: 16,
		MaxRecvWR: 16,
		PollMode:  true,
	}
}

// connectPair opens and negotiates a client and a server device on one
// simulated fabric.
func connectPair(t *testing.T, backend VerbsBackend, kind TransportKind, msgSize int, pollMode bool) (*Device, *Device) {
	t.Helper()

	ccfg := testConfig(kind, msgSize)
	ccfg.PollMode = pollMode
	scfg := testConfig(kind, msgSize)
	scfg.PollMode = pollMode

	client, err := Open(backend, ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })

	server, err := Open(backend, scfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, server.Close()) })

	require.NoError(t, client.AllocateRegion(0))
	require.NoError(t, server.AllocateRegion(0))

	cex, sex := exchangerPair()
	errc := make(chan error, 1)

	go func() { errc <- server.Negotiate(sex, false) }()

	require.NoError(t, client.Negotiate(cex, true))
	require.NoError(t, <-errc)

	return client, server
}

func drainOne(t *testing.T, d *Device) Completion {
	t.Helper()

	wc, err := d.Drain(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, wc, 1)

	return wc[0]
}

func TestParseMTU(t *testing.T) {
	for _, size := range []int{256, 512, 1024, 2048, 4096} {
		mtu, err := ParseMTU(size)
		require.NoError(t, err)
		assert.Equal(t, size, mtu.Bytes())
	}

	for _, size := range []int{0, 128, 1000, 8192, -1} {
		_, err := ParseMTU(size)
		require.ErrorIs(t, err, ErrConfiguration)
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		id       string
		wantName string
		wantPort int
		wantErr  bool
	}{
		{id: "", wantName: "", wantPort: 1},
		{id: "mlx5_0", wantName: "mlx5_0", wantPort: 1},
		{id: "mlx5_1:2", wantName: "mlx5_1", wantPort: 2},
		{id: "mlx5_0:0", wantErr: true},
		{id: "mlx5_0:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			name, port, err := ParseDeviceID(tt.id)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrConfiguration)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestOpenEveryMTU(t *testing.T) {
	backend := newBackend(t)

	for _, size := range []int{256, 512, 1024, 2048, 4096} {
		cfg := testConfig(RC, 64)
		cfg.MTU = size

		d, err := Open(backend, cfg)
		require.NoError(t, err, "mtu %d", size)
		assert.NoError(t, d.Close())
	}
}

func TestOpenConfigurationErrorsAllocateNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeviceConfig)
	}{
		{name: "bad mtu", mutate: func(c *DeviceConfig) { c.MTU = 3000 }},
		{name: "bad port", mutate: func(c *DeviceConfig) { c.ID = "mlx5_0:0" }},
		{name: "bad rate", mutate: func(c *DeviceConfig) { c.Rate = "9xQDR" }},
		{name: "no transport", mutate: func(c *DeviceConfig) { c.Kind = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newBackend(t)
			cfg := testConfig(RC, 64)
			tt.mutate(&cfg)

			d, err := Open(backend, cfg)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, d)
			assert.Equal(t, int64(0), backend.GetMetrics()["devices_opened"])
		})
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	backend := newBackend(t)
	cfg := testConfig(RC, 64)
	cfg.ID = "mlx9_9"

	_, err := Open(backend, cfg)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestOpenFailureReleasesPartialDevice(t *testing.T) {
	t.Run("port query", func(t *testing.T) {
		backend := newBackend(t)
		cfg := testConfig(RC, 64)
		cfg.ID = "mlx5_0:3"

		_, err := Open(backend, cfg)
		require.Error(t, err)
		assert.Empty(t, backend.contexts)
	})

	t.Run("queue pair", func(t *testing.T) {
		backend := newBackend(t)
		cfg := testConfig(RC, 64)
		cfg.MaxSendWR = simMaxQPWR + 1

		_, err := Open(backend, cfg)
		require.ErrorIs(t, err, ErrQPCreation)
		assert.Empty(t, backend.contexts)
		assert.Empty(t, backend.channels)
		assert.Empty(t, backend.pds)
		assert.Empty(t, backend.mrs)
		assert.Empty(t, backend.cqs)
		assert.Empty(t, backend.qps)
	})
}

func TestCloseIsSafeOnPartialDevices(t *testing.T) {
	var nilDevice *Device
	assert.NoError(t, nilDevice.Close())

	assert.NoError(t, (&Device{}).Close())

	backend := newBackend(t)
	d, err := Open(backend, testConfig(UD, 64))
	require.NoError(t, err)

	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.Empty(t, backend.qps)
	assert.Empty(t, backend.contexts)
}

func TestOpenCapturesLocalParams(t *testing.T) {
	backend := newBackend(t)

	d, err := Open(backend, testConfig(RC, 64))
	require.NoError(t, err)

	defer d.Close()

	assert.NotZero(t, d.Local.QPN)
	assert.NotZero(t, d.Local.LID)
	assert.Zero(t, d.Local.PSN&^0xffffff)
	assert.Zero(t, d.Local.RKey)
	assert.Zero(t, d.Local.VAddr)
	assert.Equal(t, simMaxQPRdAtom, d.RdAtomic)
	assert.GreaterOrEqual(t, d.MaxInline(), simMaxInlineData)

	require.NoError(t, d.AllocateRegion(128))
	assert.NotZero(t, d.Local.RKey)
	assert.Equal(t, d.Buffer().Addr(), d.Local.VAddr)
	assert.Equal(t, 128, d.Buffer().Len())
}

func registeredMRs(backend *SimulatedVerbsBackend) int64 {
	n, _ := backend.GetMetrics()["mrs_registered"].(int64)
	return n
}

func TestOpenRegistersRegionOnce(t *testing.T) {
	backend := newBackend(t)
	cfg := testConfig(RC, 64)
	cfg.RegionSize = 256

	d, err := Open(backend, cfg)
	require.NoError(t, err)

	defer d.Close()

	assert.Equal(t, int64(1), registeredMRs(backend))
	assert.Equal(t, 256, d.Buffer().Len())

	handle := d.mr.Handle

	require.NoError(t, d.AllocateRegion(256))
	assert.Equal(t, int64(1), registeredMRs(backend), "same size region is reused")
	assert.Equal(t, handle, d.mr.Handle)
	assert.Equal(t, d.mr.RKey, d.Local.RKey)
	assert.Equal(t, d.Buffer().Addr(), d.Local.VAddr)

	require.NoError(t, d.AllocateRegion(0))
	assert.Equal(t, int64(2), registeredMRs(backend), "a new size replaces the region")
	assert.Equal(t, 64, d.Buffer().Len())
}

func TestOpenRejectsBadAddressVector(t *testing.T) {
	backend := newBackend(t)

	cfg := testConfig(RC, 8)
	cfg.SL = MaxServiceLevel + 1

	_, err := Open(backend, cfg)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "service level")

	cfg = testConfig(RC, 8)
	cfg.SrcPathBits = -1

	_, err = Open(backend, cfg)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "src_path_bits")
}

func TestNegotiateAppliesPathSettings(t *testing.T) {
	backend := newBackend(t)

	ccfg := testConfig(RC, 64)
	ccfg.RdAtomic = 2
	ccfg.SL = 3
	ccfg.SrcPathBits = 1

	scfg := testConfig(RC, 64)
	scfg.RdAtomic = 4

	client, err := Open(backend, ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })

	server, err := Open(backend, scfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, server.Close()) })

	cex, sex := exchangerPair()
	errc := make(chan error, 1)

	go func() { errc <- server.Negotiate(sex, false) }()

	require.NoError(t, client.Negotiate(cex, true))
	require.NoError(t, <-errc)

	assert.Equal(t, 4, client.PeerRdAtomic)
	assert.Equal(t, 2, server.PeerRdAtomic)

	attr, err := backend.QueryQP(client.qp)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), attr.MaxDestRdAtomic)
	assert.Equal(t, uint8(4), attr.MaxRdAtomic)
	assert.Equal(t, uint8(3), attr.AHAttr.SL)
	assert.Equal(t, uint8(1), attr.AHAttr.SrcPathBits)

	attr, err = backend.QueryQP(server.qp)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), attr.MaxDestRdAtomic)
	assert.Equal(t, uint8(2), attr.MaxRdAtomic)
	assert.Zero(t, attr.AHAttr.SL)
}

func TestOpenKeepsOversizedAtomicDepth(t *testing.T) {
	backend := newBackend(t)
	cfg := testConfig(RC, 8)
	cfg.RdAtomic = simMaxQPRdAtom * 2

	d, err := Open(backend, cfg)
	require.NoError(t, err)

	defer d.Close()

	assert.Equal(t, simMaxQPRdAtom*2, d.RdAtomic)
}

func TestNegotiateExchangesParams(t *testing.T) {
	backend := newBackend(t)
	client, server := connectPair(t, backend, RC, 64, true)

	assert.Equal(t, server.Local, client.Remote)
	assert.Equal(t, client.Local, server.Remote)

	attr, err := backend.QueryQP(client.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, server.Local.QPN, attr.DestQPN)
}

func TestSendReceive(t *testing.T) {
	ctx := context.Background()

	for _, kind := range []TransportKind{RC, UC, UD} {
		t.Run(kind.Name(), func(t *testing.T) {
			backend := newBackend(t)
			client, server := connectPair(t, backend, kind, 32, true)

			for i := 0; i < 32; i++ {
				client.Buffer().StoreByte(i, byte(i+1))
			}

			require.NoError(t, server.PostRecv(ctx, 1))
			require.NoError(t, client.PostSend(ctx, 1))

			sent := drainOne(t, client)
			assert.Equal(t, SendTag, sent.Tag)
			assert.True(t, sent.OK())

			got := drainOne(t, server)
			assert.Equal(t, RecvTag, got.Tag)
			assert.True(t, got.OK())
			assert.Equal(t, uint32(32+kind.HeaderReserve()), got.ByteLen)

			hdr := kind.HeaderReserve()
			for i := 0; i < 32; i++ {
				assert.Equal(t, byte(i+1), server.Buffer().LoadByte(hdr+i))
			}

			assert.Equal(t, uint64(1), client.Stat().S.Msgs)
			assert.Equal(t, uint64(32), client.Stat().S.Bytes)
			assert.Zero(t, server.Stat().R.Msgs)
		})
	}
}

func TestRCSendWaitsForReceive(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	client, server := connectPair(t, backend, RC, 8, true)

	require.NoError(t, client.PostSend(ctx, 2))

	wc, err := client.Drain(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, wc)

	require.NoError(t, server.PostRecv(ctx, 2))

	wc, err = client.Drain(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, wc, 2)
}

func TestRDMAWriteAndRead(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	client, server := connectPair(t, backend, RC, 16, true)

	client.Buffer().StoreByte(0, 0xaa)
	require.NoError(t, client.PostRDMA(ctx, WROpRDMAWrite, 1))

	wc := drainOne(t, client)
	assert.Equal(t, RDMATag, wc.Tag)
	assert.True(t, wc.OK())
	assert.Equal(t, byte(0xaa), server.Buffer().LoadByte(0))
	assert.Equal(t, uint64(1), client.Stat().S.Msgs)

	server.Buffer().StoreByte(15, 0x55)
	require.NoError(t, client.PostRDMA(ctx, WROpRDMARead, 1))

	wc = drainOne(t, client)
	assert.True(t, wc.OK())
	assert.Equal(t, uint32(16), wc.ByteLen)
	assert.Equal(t, byte(0x55), client.Buffer().LoadByte(15))
	assert.Equal(t, uint64(1), client.Stat().S.Msgs, "reads are not counted as sent")
}

func TestRDMAWriteWithImmediateConsumesReceive(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	client, server := connectPair(t, backend, UC, 8, true)

	require.NoError(t, server.PostRecv(ctx, 1))
	require.NoError(t, client.PostRDMA(ctx, WROpRDMAWriteWithImm, 1))

	assert.Equal(t, RDMATag, drainOne(t, client).Tag)

	got := drainOne(t, server)
	assert.Equal(t, RecvTag, got.Tag)
	assert.Equal(t, WCOpRecvRDMAWithImm, got.Opcode)
}

func TestAtomics(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	client, server := connectPair(t, backend, RC, 64, true)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, client.PostFetchAdd(ctx, AtomicTag(1), 8, 1))

		wc := drainOne(t, client)
		assert.Equal(t, AtomicTag(1), wc.Tag)
		assert.True(t, wc.OK())
		assert.Equal(t, i, client.Buffer().LoadUint64(8))
	}

	assert.Equal(t, uint64(3), server.Buffer().LoadUint64(8))

	require.NoError(t, client.PostCompareSwap(ctx, AtomicTag(2), 16, 0, 5))
	drainOne(t, client)
	assert.Equal(t, uint64(0), client.Buffer().LoadUint64(16))
	assert.Equal(t, uint64(5), server.Buffer().LoadUint64(16))

	require.NoError(t, client.PostCompareSwap(ctx, AtomicTag(2), 16, 0, 9))
	drainOne(t, client)
	assert.Equal(t, uint64(5), client.Buffer().LoadUint64(16))
	assert.Equal(t, uint64(5), server.Buffer().LoadUint64(16))

	assert.Equal(t, uint64(5), client.Stat().S.Msgs)
	assert.Equal(t, uint64(40), client.Stat().S.Bytes)

	err := client.PostFetchAdd(ctx, AtomicTag(0), 60, 1)
	require.Error(t, err)
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()

	backend := newBackend(t)
	uc, _ := connectPair(t, backend, UC, 8, true)

	require.ErrorIs(t, uc.PostRDMA(ctx, WROpRDMARead, 1), ErrUnsupportedOp)
	require.ErrorIs(t, uc.PostFetchAdd(ctx, AtomicTag(0), 0, 1), ErrUnsupportedOp)
	require.ErrorIs(t, uc.PostCompareSwap(ctx, AtomicTag(0), 0, 0, 1), ErrUnsupportedOp)

	ud, _ := connectPair(t, newBackend(t), UD, 8, true)
	require.ErrorIs(t, ud.PostRDMA(ctx, WROpRDMAWrite, 1), ErrUnsupportedOp)
	require.ErrorIs(t, ud.PostRDMA(ctx, WROpSend, 1), ErrUnsupportedOp)
}

func TestPollWaitsForNotification(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	client, server := connectPair(t, backend, RC, 8, false)

	require.NoError(t, server.PostRecv(ctx, 2))

	done := make(chan []Completion, 1)

	go func() {
		wc, err := server.Poll(ctx, 4)
		assert.NoError(t, err)
		done <- append([]Completion(nil), wc...)
	}()

	require.NoError(t, client.PostSend(ctx, 1))

	select {
	case wc := <-done:
		require.Len(t, wc, 1)
		assert.Equal(t, RecvTag, wc[0].Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return after a completion")
	}

	// The queue was re-armed, so the next completion wakes the poller again.
	require.NoError(t, client.PostSend(ctx, 1))

	wc, err := server.Poll(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, wc, 1)
}

func TestPollReturnsEmptyOnCancellation(t *testing.T) {
	backend := newBackend(t)
	_, server := connectPair(t, backend, RC, 8, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	wc, err := server.Poll(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, wc)

	wc, err = server.Poll(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, wc)
}

func TestPostAfterCancellationIsBenign(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, interrupted(ctx, fmt.Errorf("post: %w", ErrInterrupted)))
	assert.False(t, interrupted(context.Background(), ErrInterrupted))
	assert.False(t, interrupted(ctx, ErrPostSend))
}

func TestPostStopsOnceFinished(t *testing.T) {
	backend := newBackend(t)
	client, server := connectPair(t, backend, UC, 8, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, server.PostRecv(ctx, 4))
	require.NoError(t, client.PostSend(ctx, 4))
	require.NoError(t, client.PostRDMA(ctx, WROpRDMAWrite, 4))

	assert.Zero(t, client.Stat().S.Msgs)

	wc, err := client.Drain(context.Background(), 8)
	require.NoError(t, err)
	assert.Empty(t, wc)
}
