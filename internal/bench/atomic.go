package bench

import (
	"fmt"

	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// casMagic seeds the values installed by the compare and swap verifier.
const casMagic uint64 = 0x0123456789abcdef

// atomicRate keeps the read/atomic depth worth of atomics outstanding
// against the first remote word, without checking results.
func atomicRate(op rdma.WROpcode) func(*Run) error {
	return func(r *Run) error {
		dev, err := r.openDevice(rdma.NCQE, 0, 8)
		if err != nil {
			return err
		}

		ctx := r.Context()

		post := func() error {
			if op == rdma.WROpAtomicFetchAdd {
				return dev.PostFetchAdd(ctx, rdma.AtomicTag(0), 0, 1)
			}

			return dev.PostCompareSwap(ctx, rdma.AtomicTag(0), 0, 0, 0)
		}

		err = r.SyncTest()

		for i := 0; err == nil && i < dev.RdAtomic; i++ {
			err = post()
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

			for _, c := range wc {
				if c.Tag.Kind != rdma.TagAtomic {
					r.unknownTag(c)
					continue
				}

				if c.OK() {
					r.Local.RemR.Bytes += 8
					r.Local.RemR.Msgs++
				} else {
					r.completionError(c, &r.Local.S)
				}

				err = post()
				if err != nil {
					r.closeDevice(dev)
					return err
				}
			}
		}

		return r.finishRun(dev)
	}
}

// slotState tracks the value a slot's remote word should hold when the next
// atomic reaches it.
type slotState struct {
	want uint64
	seq  uint64
}

// verifier predicts the prior values returned by a chain of atomics, one
// chain per 8-byte slot. After a deviation it follows the observed value,
// so one bad result is reported once.
type verifier struct {
	op    rdma.WROpcode
	slots []slotState
}

func newVerifier(op rdma.WROpcode, slots int) *verifier {
	return &verifier{op: op, slots: make([]slotState, slots)}
}

// operands returns the compare-or-add and swap values of the next atomic on
// slot.
func (v *verifier) operands(slot int) (uint64, uint64) {
	if v.op == rdma.WROpAtomicFetchAdd {
		return 1, 0
	}

	s := &v.slots[slot]

	return s.want, casMagic + s.seq
}

// complete records the prior value seen by the atomic on slot and reports
// whether it was the predicted one.
func (v *verifier) complete(slot int, seen uint64) bool {
	s := &v.slots[slot]
	ok := seen == s.want

	switch {
	case v.op == rdma.WROpAtomicFetchAdd:
		s.want = seen + 1
	case ok:
		s.want = casMagic + s.seq
	default:
		// The swap did not happen, so the word still holds what we saw.
		s.want = seen
	}

	s.seq++

	return ok
}

// verifyAtomic drives one outstanding atomic per slot and checks every
// prior value against its slot's chain. Mismatches are counted and the run
// carries on.
func verifyAtomic(op rdma.WROpcode) func(*Run) error {
	return func(r *Run) error {
		if r.Req.MsgSize < 8 {
			return fmt.Errorf("%w: message size must be at least 8 bytes", rdma.ErrConfiguration)
		}

		dev, err := r.openDevice(rdma.NCQE, 0, 0)
		if err != nil {
			return err
		}

		slots := min(dev.RdAtomic, dev.MsgSize()/8)
		if slots < 1 {
			r.closeDevice(dev)
			return fmt.Errorf("%w: no atomic depth available", rdma.ErrConfiguration)
		}

		ctx := r.Context()
		buf := dev.Buffer()
		v := newVerifier(op, slots)

		post := func(slot int) error {
			compareAdd, swap := v.operands(slot)
			if op == rdma.WROpAtomicFetchAdd {
				return dev.PostFetchAdd(ctx, rdma.AtomicTag(slot), slot*8, compareAdd)
			}

			return dev.PostCompareSwap(ctx, rdma.AtomicTag(slot), slot*8, compareAdd, swap)
		}

		err = r.SyncTest()

		for i := 0; err == nil && i < slots; i++ {
			err = post(i)
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

			for _, c := range wc {
				slot := int(c.Tag.Slot)
				if c.Tag.Kind != rdma.TagAtomic || slot >= slots {
					r.unknownTag(c)
					continue
				}

				if c.OK() {
					r.Local.RemR.Bytes += 8
					r.Local.RemR.Msgs++

					seen := buf.LoadUint64(slot * 8)
					want := v.slots[slot].want

					if !v.complete(slot, seen) {
						r.mismatch(slot, want, seen)
					}
				} else {
					r.completionError(c, &r.Local.S)
				}

				err = post(slot)
				if err != nil {
					r.closeDevice(dev)
					return err
				}
			}
		}

		return r.finishRun(dev)
	}
}

func (r *Run) mismatch(slot int, want, seen uint64) {
	r.Mismatches++

	metrics.RecordVerificationMismatch(r.Test.Name)
	r.Log.Error().
		Int("slot", slot).
		Msgf("%s: mismatch, expected %x, got %x", r.Test.Name, want, seen)
}
