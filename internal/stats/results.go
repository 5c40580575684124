package stats

// NodeResults are the derived times of one node. Times are in seconds and
// CPU figures are fractions of one CPU.
type NodeResults struct {
	TimeReal  float64
	TimeCPU   float64
	CPUUser   float64
	CPUIntr   float64
	CPUIdle   float64
	CPUKernel float64
	CPUIOWait float64
	CPUTotal  float64
}

// Results are the merged figures of a run.
type Results struct {
	Local    NodeResults
	Remote   NodeResults
	Latency  float64 // seconds per message
	MsgRate  float64 // messages per second
	SendBW   float64 // bytes per second
	RecvBW   float64 // bytes per second
	SendCost float64 // CPU seconds per GB sent
	RecvCost float64 // CPU seconds per GB received
}

// Merge folds the counters each node kept on behalf of the other into that
// node's own counters.
func Merge(local, remote *Stat) {
	local.S.Add(remote.RemS)
	local.R.Add(remote.RemR)
	remote.S.Add(local.RemS)
	remote.R.Add(local.RemR)
}

// Calculate merges the two stats and derives latency, rates and costs. When
// both nodes report a figure the mid-point of the two run times is used.
func Calculate(local, remote *Stat) Results {
	const gb = 1e9

	Merge(local, remote)

	res := Results{
		Local:  calcNode(local),
		Remote: calcNode(remote),
	}

	lr, rr := float64(local.R.Msgs), float64(remote.R.Msgs)
	if lr+rr > 0 {
		res.Latency = res.Local.TimeReal / (lr + rr)
	}

	locTime := res.Local.TimeReal
	remTime := res.Remote.TimeReal
	midTime := (locTime + remTime) / 2

	if locTime == 0 || remTime == 0 {
		return res
	}

	switch {
	case remote.R.Msgs == 0:
		res.MsgRate = lr / remTime
	case local.R.Msgs == 0:
		res.MsgRate = rr / locTime
	default:
		res.MsgRate = (lr + rr) / midTime
	}

	res.SendBW = pick(float64(local.S.Bytes), float64(remote.S.Bytes), locTime, remTime, midTime)
	res.RecvBW = pick(float64(local.R.Bytes), float64(remote.R.Bytes), locTime, remTime, midTime)

	switch {
	case local.S.Bytes != 0 && local.R.Bytes == 0 && remote.S.Bytes == 0:
		res.SendCost = res.Local.TimeCPU * gb / float64(local.S.Bytes)
	case remote.S.Bytes != 0 && remote.R.Bytes == 0 && local.S.Bytes == 0:
		res.SendCost = res.Remote.TimeCPU * gb / float64(remote.S.Bytes)
	}

	switch {
	case remote.R.Bytes != 0 && remote.S.Bytes == 0 && local.R.Bytes == 0:
		res.RecvCost = res.Remote.TimeCPU * gb / float64(remote.R.Bytes)
	case local.R.Bytes != 0 && local.S.Bytes == 0 && remote.R.Bytes == 0:
		res.RecvCost = res.Local.TimeCPU * gb / float64(local.R.Bytes)
	}

	return res
}

func pick(loc, rem, locTime, remTime, midTime float64) float64 {
	switch {
	case rem == 0:
		return loc / locTime
	case loc == 0:
		return rem / remTime
	default:
		return (loc + rem) / midTime
	}
}

func calcNode(stat *Stat) NodeResults {
	var res NodeResults

	delta := func(i int) float64 {
		return float64(stat.TimeEnd[i] - stat.TimeStart[i])
	}

	s := delta(TimeReal)
	if s == 0 || stat.NoTicks == 0 {
		return res
	}

	ticks := float64(stat.NoTicks)
	res.TimeReal = s / ticks

	var cpu float64

	for i := 0; i < TimeN; i++ {
		if i != TimeReal && i != TimeIdle {
			cpu += delta(i)
		}
	}

	res.TimeCPU = cpu / ticks
	res.CPUUser = (delta(TimeUser) + delta(TimeNice)) / s
	res.CPUIntr = (delta(TimeIRQ) + delta(TimeSoftIRQ)) / s
	res.CPUIdle = delta(TimeIdle) / s
	res.CPUKernel = (delta(TimeKernel) + delta(TimeSteal)) / s
	res.CPUIOWait = delta(TimeIOWait) / s
	res.CPUTotal = res.CPUUser + res.CPUIntr + res.CPUKernel + res.CPUIOWait

	return res
}

// LeftToSend returns how many more messages may be posted given room free
// queue slots. A zero limit means unbounded.
func LeftToSend(sent uint64, room int, limit uint64) int {
	if limit == 0 {
		return room
	}

	if sent >= limit {
		return 0
	}

	n := limit - sent
	if n > uint64(room) { //nolint:gosec // G115: room is a non-negative queue depth
		return room
	}

	return int(n) //nolint:gosec // G115: n <= room
}
