package bench

import (
	"github.com/piwi3910/rdmaperf/internal/stats"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Sentinel bytes of the polling write latency test. Each side writes its own
// value and waits for the peer's.
const (
	clientSentinel byte = 0x55
	serverSentinel byte = 0xaa
)

// received credits one message of the region's message size to c.
func received(c *stats.Counters, dev *rdma.Device) {
	c.Bytes += uint64(dev.MsgSize()) //nolint:gosec // G115: message size is non-negative
	c.Msgs++
}

// clientBW streams sends until the run finishes or the message limit is
// reached.
func clientBW(r *Run) error {
	dev, err := r.openDevice(rdma.NCQE, 0, 0)
	if err != nil {
		return err
	}

	err = r.SyncTest()
	if err != nil {
		r.closeDevice(dev)
		return err
	}

	ctx := r.Context()
	limit := uint64(r.Req.NoMsgs)

	n := stats.LeftToSend(0, rdma.NCQE, limit)

	err = dev.PostSend(ctx, n)
	if err != nil {
		r.closeDevice(dev)
		return err
	}

	sent := uint64(n) //nolint:gosec // G115: n is bounded by NCQE

	for !r.Finished() {
		wc, err := r.poll(dev, rdma.NCQE)
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		if r.Finished() {
			break
		}

		for _, c := range wc {
			switch {
			case c.Tag.Kind != rdma.TagSend:
				r.unknownTag(c)
			case !c.OK():
				r.completionError(c, &r.Local.S)
			}
		}

		n := len(wc)

		if limit != 0 {
			if r.Local.S.Msgs+r.Local.S.Errs >= limit {
				break
			}

			n = stats.LeftToSend(sent, n, limit)
		}

		err = dev.PostSend(ctx, n)
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		sent += uint64(n) //nolint:gosec // G115: n is bounded by NCQE
	}

	return r.finishRun(dev)
}

// serverRecv keeps a full queue of receives posted and counts what lands in
// them. It is the peer of the streaming send and RDMA write tests.
func serverRecv(r *Run) error {
	dev, err := r.openDevice(0, rdma.NCQE, 0)
	if err != nil {
		return err
	}

	ctx := r.Context()

	err = dev.PostRecv(ctx, rdma.NCQE)
	if err == nil {
		err = r.SyncTest()
	}

	if err != nil {
		r.closeDevice(dev)
		return err
	}

	limit := uint64(r.Req.NoMsgs)

	for !r.Finished() {
		wc, err := r.poll(dev, rdma.NCQE)
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		if r.Finished() {
			break
		}

		for _, c := range wc {
			if !c.OK() {
				r.completionError(c, &r.Local.R)
				continue
			}

			received(&r.Local.R, dev)

			if r.Req.AccessRecv {
				r.sink += touchData(dev.Buffer(), dev.MsgSize())
			}
		}

		if limit != 0 && r.Local.R.Msgs+r.Local.R.Errs >= limit {
			break
		}

		err = dev.PostRecv(ctx, len(wc))
		if err != nil {
			r.closeDevice(dev)
			return err
		}
	}

	return r.finishRun(dev)
}

// biBW streams in both directions at once. Both peers run it.
func biBW(r *Run) error {
	dev, err := r.openDevice(rdma.NCQE, rdma.NCQE, 0)
	if err != nil {
		return err
	}

	ctx := r.Context()

	err = dev.PostRecv(ctx, rdma.NCQE)
	if err == nil {
		err = r.SyncTest()
	}

	if err == nil {
		err = dev.PostSend(ctx, rdma.NCQE)
	}

	if err != nil {
		r.closeDevice(dev)
		return err
	}

	for !r.Finished() {
		wc, err := r.poll(dev, rdma.NCQE)
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		if r.Finished() {
			break
		}

		sends, recvs := 0, 0

		for _, c := range wc {
			switch c.Tag.Kind {
			case rdma.TagSend:
				sends++

				if !c.OK() {
					r.completionError(c, &r.Local.S)
				}
			case rdma.TagRecv:
				recvs++

				if !c.OK() {
					r.completionError(c, &r.Local.R)
					continue
				}

				received(&r.Local.R, dev)

				if r.Req.AccessRecv {
					r.sink += touchData(dev.Buffer(), dev.MsgSize())
				}
			default:
				r.unknownTag(c)
			}
		}

		err = dev.PostRecv(ctx, recvs)
		if err == nil {
			err = dev.PostSend(ctx, sends)
		}

		if err != nil {
			r.closeDevice(dev)
			return err
		}
	}

	return r.finishRun(dev)
}

// pingPong bounces one message back and forth, either as a send or as an
// RDMA write with immediate data. A side posts its next message only once
// its previous one completed and the peer's reply arrived.
func pingPong(op rdma.WROpcode) func(*Run) error {
	const (
		sendDone = 1
		recvDone = 2
		bothDone = sendDone | recvDone
	)

	return func(r *Run) error {
		dev, err := r.openDevice(1, 1, 0)
		if err != nil {
			return err
		}

		ctx := r.Context()

		post := func() error {
			if op == rdma.WROpSend {
				return dev.PostSend(ctx, 1)
			}

			return dev.PostRDMA(ctx, op, 1)
		}

		err = dev.PostRecv(ctx, 1)
		if err == nil {
			err = r.SyncTest()
		}

		done := sendDone

		if err == nil && r.Client() {
			err = post()
			done = 0
		}

		if err != nil {
			r.closeDevice(dev)
			return err
		}

		for !r.Finished() {
			wc, err := r.poll(dev, 2)
			if err != nil {
				r.closeDevice(dev)
				return err
			}

			if r.Finished() {
				break
			}

			for _, c := range wc {
				switch c.Tag.Kind {
				case rdma.TagSend, rdma.TagRDMA:
					if !c.OK() {
						r.completionError(c, &r.Local.S)
					}

					done |= sendDone
				case rdma.TagRecv:
					if c.OK() {
						received(&r.Local.R, dev)

						err = dev.PostRecv(ctx, 1)
						if err != nil {
							r.closeDevice(dev)
							return err
						}
					} else {
						r.completionError(c, &r.Local.R)
					}

					done |= recvDone
				default:
					r.unknownTag(c)
				}
			}

			if done == bothDone {
				err = post()
				if err != nil {
					r.closeDevice(dev)
					return err
				}

				done = 0
			}
		}

		return r.finishRun(dev)
	}
}

// writePollLat measures RDMA write latency without completion events on the
// receiving side: each side spins on the first and last byte of its region
// until the peer's sentinel shows up, then writes its own back.
func writePollLat(r *Run) error {
	dev, err := r.openDevice(rdma.NCQE, 0, 0)
	if err != nil {
		return err
	}

	loc, rem := clientSentinel, serverSentinel
	if !r.Client() {
		loc, rem = rem, loc
	}

	buf := dev.Buffer()
	last := dev.MsgSize() - 1

	buf.StoreByte(0, loc)
	buf.StoreByte(last, loc)

	err = r.SyncTest()
	if err != nil {
		r.closeDevice(dev)
		return err
	}

	ctx := r.Context()
	send := r.Client()

	for !r.Finished() {
		if send {
			err = dev.PostRDMA(ctx, rdma.WROpRDMAWrite, 1)
			if err != nil {
				r.closeDevice(dev)
				return err
			}

			wc, err := dev.Drain(ctx, 2)
			if err != nil {
				r.closeDevice(dev)
				return err
			}

			for _, c := range wc {
				switch {
				case c.Tag.Kind != rdma.TagRDMA:
					r.unknownTag(c)
				case !c.OK():
					r.completionError(c, &r.Local.S)
				}
			}
		}

		for !r.Finished() && (buf.LoadByte(0) != rem || buf.LoadByte(last) != rem) {
		}

		if r.Finished() {
			break
		}

		received(&r.Local.R, dev)

		buf.StoreByte(0, loc)
		buf.StoreByte(last, loc)

		send = true
	}

	return r.finishRun(dev)
}

// rdmaReadLat keeps a single RDMA read outstanding.
func rdmaReadLat(r *Run) error {
	dev, err := r.openDevice(1, 0, 0)
	if err != nil {
		return err
	}

	ctx := r.Context()

	err = r.SyncTest()
	if err == nil {
		err = dev.PostRDMA(ctx, rdma.WROpRDMARead, 1)
	}

	if err != nil {
		r.closeDevice(dev)
		return err
	}

	for !r.Finished() {
		wc, err := r.poll(dev, 1)
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		if r.Finished() {
			break
		}

		for _, c := range wc {
			if c.Tag.Kind != rdma.TagRDMA {
				r.unknownTag(c)
				continue
			}

			if c.OK() {
				received(&r.Local.R, dev)
				received(&r.Local.RemS, dev)
			} else {
				r.completionError(c, &r.Local.S)
			}

			err = dev.PostRDMA(ctx, rdma.WROpRDMARead, 1)
			if err != nil {
				r.closeDevice(dev)
				return err
			}
		}
	}

	return r.finishRun(dev)
}

// clientRDMABW streams one-sided operations. Reads are credited as data
// received locally and sent by the peer, whose CPU is never involved.
func clientRDMABW(op rdma.WROpcode) func(*Run) error {
	return func(r *Run) error {
		dev, err := r.openDevice(rdma.NCQE, 0, 0)
		if err != nil {
			return err
		}

		ctx := r.Context()

		err = r.SyncTest()
		if err == nil {
			err = dev.PostRDMA(ctx, op, rdma.NCQE)
		}

		if err != nil {
			r.closeDevice(dev)
			return err
		}

		for !r.Finished() {
			wc, err := r.poll(dev, rdma.NCQE)
			if err != nil {
				r.closeDevice(dev)
				return err
			}

			if r.Finished() {
				break
			}

			n := 0

			for _, c := range wc {
				if c.Tag.Kind != rdma.TagRDMA {
					r.unknownTag(c)
					continue
				}

				n++

				if !c.OK() {
					r.completionError(c, &r.Local.S)
					continue
				}

				if op == rdma.WROpRDMARead {
					received(&r.Local.R, dev)
					received(&r.Local.RemS, dev)

					if r.Req.AccessRecv {
						r.sink += touchData(dev.Buffer(), dev.MsgSize())
					}
				}
			}

			err = dev.PostRDMA(ctx, op, n)
			if err != nil {
				r.closeDevice(dev)
				return err
			}
		}

		return r.finishRun(dev)
	}
}

// serverIdle exposes a region of size bytes (zero means the message size)
// for one-sided access and waits for the run to end.
func serverIdle(size int) func(*Run) error {
	return func(r *Run) error {
		dev, err := r.openDevice(0, 1, size)
		if err != nil {
			return err
		}

		err = r.SyncTest()
		if err != nil {
			r.closeDevice(dev)
			return err
		}

		<-r.Context().Done()

		return r.finishRun(dev)
	}
}
