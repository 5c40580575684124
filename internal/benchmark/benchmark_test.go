// Package benchmark provides performance benchmarks for the hot paths of
// rdmaperf outside the measured loops themselves.
// Run with: go test -bench=. -benchmem ./internal/benchmark/...
package benchmark

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/stats"
	"github.com/piwi3910/rdmaperf/internal/testutil"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
)

// sampleStat returns a two second run that moved 4000 messages of 1 KiB.
func sampleStat() stats.Stat {
	var s stats.Stat

	s.NoCPUs = 8
	s.NoTicks = stats.NoTicks
	s.TimeStart[stats.TimeReal] = stats.NoTicks
	s.TimeEnd[stats.TimeReal] = 3 * stats.NoTicks
	s.TimeEnd[stats.TimeUser] = stats.NoTicks / 2
	s.TimeEnd[stats.TimeIdle] = stats.NoTicks
	s.S = stats.Counters{Bytes: 4000 * 1024, Msgs: 4000}
	s.R = stats.Counters{Bytes: 4000 * 1024, Msgs: 4000}

	return s
}

func sampleRun() report.Run {
	local := sampleStat()
	remote := sampleStat()

	return report.Run{
		Test:    "rc_bw",
		Measure: report.Bandwidth,
		Results: stats.Calculate(&local, &remote),
		Local:   &local,
		Remote:  &remote,
		Params: []report.Param{
			{Name: "msg_size", Kind: report.ParamSize, Local: 1024, Remote: 1024},
			{Name: "mtu_size", Kind: report.ParamSize, Local: 2048, Remote: 2048},
			{Name: "time", Kind: report.ParamTime, Local: 2, Remote: 2},
		},
	}
}

func BenchmarkEncodeStat(b *testing.B) {
	s := sampleStat()

	b.ReportAllocs()
	b.SetBytes(control.StatSize)

	for i := 0; i < b.N; i++ {
		control.EncodeStat(&s)
	}
}

func BenchmarkDecodeStat(b *testing.B) {
	s := sampleStat()
	buf := control.EncodeStat(&s)

	b.ReportAllocs()
	b.SetBytes(int64(len(buf)))

	for i := 0; i < b.N; i++ {
		_, err := control.DecodeStat(buf)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeRequest(b *testing.B) {
	req := control.Request{
		ID:      "mlx5_0:1",
		Rate:    "4xEDR",
		Time:    2 * time.Second,
		Timeout: 5 * time.Second,
		MsgSize: 65536,
		MTUSize: 2048,
	}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		req.EncodeVersion()
		req.EncodeData()
	}
}

func BenchmarkConfRoundTrip(b *testing.B) {
	conf := control.Conf{Node: "bench-1", CPU: "8 Cores: Test CPU", OS: "Linux 6.8.0", Version: "1.0.0"}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := control.DecodeConf(conf.Encode())
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCalculate(b *testing.B) {
	local := sampleStat()
	remote := sampleStat()

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		l, r := local, remote
		stats.Calculate(&l, &r)
	}
}

func BenchmarkFormatValue(b *testing.B) {
	values := []float64{0.000123456, 1.5, 2048, 12345678.9}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		report.FormatValue(values[i%len(values)], 3)
	}
}

func BenchmarkBuildReport(b *testing.B) {
	run := sampleRun()
	opts := report.Options{Precision: 3, VerboseConf: 2, VerboseStat: 2, VerboseTime: 2, VerboseUsed: 2}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		report.Build(run, opts)
	}
}

func benchmarkWriter(b *testing.B, format report.Format) {
	table := report.Build(sampleRun(), report.DefaultOptions())

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := report.NewWriter(io.Discard, format)
		if err := w.Write("rc_bw", table); err != nil {
			b.Fatal(err)
		}

		if err := w.Close(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriteText(b *testing.B) { benchmarkWriter(b, report.FormatText) }
func BenchmarkWriteYAML(b *testing.B) { benchmarkWriter(b, report.FormatYAML) }
func BenchmarkWriteJSON(b *testing.B) { benchmarkWriter(b, report.FormatJSON) }

// benchmarkSimulatedRun runs a message limited test end to end on the
// simulated fabric, control exchange included.
func benchmarkSimulatedRun(b *testing.B, name string, msgSize, noMsgs uint32) {
	test, _, err := bench.Lookup(name)
	if err != nil {
		b.Fatal(err)
	}

	backend := testutil.SimBackend(b)
	req := control.Request{MsgSize: msgSize, NoMsgs: noMsgs}
	ctx := context.Background()

	b.ReportAllocs()
	b.SetBytes(int64(msgSize) * int64(noMsgs))

	for i := 0; i < b.N; i++ {
		cconn, sconn := testutil.ControlPipe(b)
		errc := make(chan error, 1)

		go func() { errc <- bench.Serve(ctx, sconn, backend, zerolog.Nop(), nil) }()

		_, err := bench.RunClient(ctx, cconn, test, req, backend, zerolog.Nop())
		if err != nil {
			b.Fatal(err)
		}

		if err := <-errc; err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSimulatedRCBandwidth_1KB(b *testing.B) {
	benchmarkSimulatedRun(b, "rc_bw", 1024, 1000)
}

func BenchmarkSimulatedRCBandwidth_64KB(b *testing.B) {
	benchmarkSimulatedRun(b, "rc_bw", 64*1024, 100)
}

func BenchmarkSimulatedRCLatency(b *testing.B) {
	benchmarkSimulatedRun(b, "rc_lat", 1, 1000)
}

func BenchmarkSimulatedRDMAWriteBandwidth(b *testing.B) {
	benchmarkSimulatedRun(b, "rc_rdma_write_bw", 64*1024, 100)
}

func BenchmarkFormatValue_Parallel(b *testing.B) {
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		var buf bytes.Buffer

		for pb.Next() {
			buf.Reset()
			buf.WriteString(report.FormatValue(123456.789, 5))
		}
	})
}
