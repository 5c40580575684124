// Package stats keeps the per-node transfer counters and time samples of a
// benchmark run and turns a pair of them into results.
package stats

import (
	"fmt"
	"runtime"
	"time"

	procinfo "github.com/c9s/goprocinfo/linux"
)

// Time slots of a sample. REAL is wall clock time; the rest mirror the
// aggregate cpu line of /proc/stat.
const (
	TimeReal = iota
	TimeUser
	TimeNice
	TimeKernel
	TimeIdle
	TimeIOWait
	TimeIRQ
	TimeSoftIRQ
	TimeSteal
	TimeN
)

// NoTicks is the resolution of every time slot: samples are in nanoseconds.
const NoTicks = uint64(time.Second)

// userHZ is the kernel's fixed USER_HZ used by /proc/stat.
const userHZ = 100

const pathProcStat = "/proc/stat"

// Counters tracks one direction of traffic. Counters only grow.
type Counters struct {
	Bytes uint64 `json:"bytes" yaml:"bytes"`
	Msgs  uint64 `json:"msgs" yaml:"msgs"`
	Errs  uint64 `json:"errs" yaml:"errs"`
}

// Add merges o into c.
func (c *Counters) Add(o Counters) {
	c.Bytes += o.Bytes
	c.Msgs += o.Msgs
	c.Errs += o.Errs
}

// Stat is what one node knows about a run. S and R are its own send and
// receive counters; RemS and RemR are counted on behalf of the peer, for
// operations such as RDMA reads that complete only on this side.
type Stat struct {
	NoCPUs    uint32
	NoTicks   uint64
	MaxCQEs   uint32
	TimeStart [TimeN]uint64
	TimeEnd   [TimeN]uint64
	S         Counters
	R         Counters
	RemS      Counters
	RemR      Counters
}

// UpdateMaxCQEs records the largest number of completions seen in one poll.
func (s *Stat) UpdateMaxCQEs(n int) {
	if n > 0 && uint32(n) > s.MaxCQEs { //nolint:gosec // G115: n is positive and small
		s.MaxCQEs = uint32(n) //nolint:gosec // G115: n is positive and small
	}
}

// Sampler reads the time vector of a node. Tests replace it.
type Sampler func() ([TimeN]uint64, error)

// Sample reads the wall clock and the system wide CPU times.
func Sample() ([TimeN]uint64, error) {
	var t [TimeN]uint64

	t[TimeReal] = uint64(time.Now().UnixNano()) //nolint:gosec // G115: post-1970 clock

	stat, err := procinfo.ReadStat(pathProcStat)
	if err != nil {
		return t, fmt.Errorf("failed to read %s: %w", pathProcStat, err)
	}

	cpu := stat.CPUStatAll
	scale := NoTicks / userHZ

	t[TimeUser] = cpu.User * scale
	t[TimeNice] = cpu.Nice * scale
	t[TimeKernel] = cpu.System * scale
	t[TimeIdle] = cpu.Idle * scale
	t[TimeIOWait] = cpu.IOWait * scale
	t[TimeIRQ] = cpu.IRQ * scale
	t[TimeSoftIRQ] = cpu.SoftIRQ * scale
	t[TimeSteal] = cpu.Steal * scale

	return t, nil
}

// WallClock samples only the real time slot.
func WallClock() ([TimeN]uint64, error) {
	var t [TimeN]uint64

	t[TimeReal] = uint64(time.Now().UnixNano()) //nolint:gosec // G115: post-1970 clock

	return t, nil
}

// NumCPU returns the number of processors listed in /proc/cpuinfo, falling
// back to the runtime's view.
func NumCPU() int {
	info, err := procinfo.ReadCPUInfo("/proc/cpuinfo")
	if err != nil || info.NumCPU() == 0 {
		return runtime.NumCPU()
	}

	return info.NumCPU()
}
