package rdma

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// interrupted reports whether a post failure is the expected fallout of the
// run being stopped.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}

	return errors.Is(err, ErrInterrupted) || errors.Is(err, unix.EINTR)
}

func (d *Device) localSGE(offset, length int) VerbsSGE {
	return VerbsSGE{
		Addr:   d.buffer.Addr() + uint64(offset),   //nolint:gosec // G115: offset is non-negative
		Length: uint32(length),                     //nolint:gosec // G115: bounded by region size
		LKey:   d.mr.LKey,
	}
}

// PostSend posts n signaled sends of the message size. Datagram sends are
// addressed through the device's address handle. Posting stops early once
// ctx is done; this holds for every post below.
func (d *Device) PostSend(ctx context.Context, n int) error {
	flags := SendSignaled
	if d.msgSize <= d.maxInline {
		flags |= SendInline
	}

	wr := VerbsSendWR{
		SGList:    []VerbsSGE{d.localSGE(0, d.msgSize)},
		WRID:      SendTag.Encode(),
		Opcode:    WROpSend,
		SendFlags: flags,
	}

	if d.kind.NeedsAddressHandle() {
		wr.AH = d.ah
		wr.RemoteQPN = d.Remote.QPN
		wr.RemoteQKey = QKey
	}

	for i := 0; i < n && ctx.Err() == nil; i++ {
		err := d.backend.PostSend(d.qp, &wr)
		if err != nil {
			if interrupted(ctx, err) {
				return nil
			}

			return fmt.Errorf("failed to post send: %w", err)
		}

		d.stat.S.Bytes += uint64(d.msgSize) //nolint:gosec // G115: message size is non-negative
		d.stat.S.Msgs++
	}

	return nil
}

// PostRecv posts n receives covering the whole registered buffer.
func (d *Device) PostRecv(ctx context.Context, n int) error {
	wr := VerbsRecvWR{
		SGList: []VerbsSGE{d.localSGE(0, d.buffer.Len())},
		WRID:   RecvTag.Encode(),
	}

	for i := 0; i < n && ctx.Err() == nil; i++ {
		err := d.backend.PostRecv(d.qp, &wr)
		if err != nil {
			if interrupted(ctx, err) {
				return nil
			}

			return fmt.Errorf("failed to post receive: %w", err)
		}
	}

	return nil
}

// PostRDMA posts n one-sided writes or reads against the peer's advertised
// region. Writes are sent inline when they fit and counted as sent; reads
// are counted by the caller when they complete.
func (d *Device) PostRDMA(ctx context.Context, op WROpcode, n int) error {
	if !op.IsRDMA() || d.kind.NeedsAddressHandle() {
		return fmt.Errorf("failed to post %s: %w", op, ErrUnsupportedOp)
	}

	if op == WROpRDMARead && !d.kind.SupportsRdmaRead() {
		return fmt.Errorf("failed to post %s: %w", op, ErrUnsupportedOp)
	}

	flags := SendSignaled
	if op != WROpRDMARead && d.msgSize <= d.maxInline {
		flags |= SendInline
	}

	wr := VerbsSendWR{
		SGList:     []VerbsSGE{d.localSGE(0, d.msgSize)},
		WRID:       RDMATag.Encode(),
		Opcode:     op,
		SendFlags:  flags,
		RemoteAddr: d.Remote.VAddr,
		RKey:       d.Remote.RKey,
	}

	for i := 0; i < n && ctx.Err() == nil; i++ {
		err := d.backend.PostSend(d.qp, &wr)
		if err != nil {
			if interrupted(ctx, err) {
				return nil
			}

			return fmt.Errorf("failed to post %s: %w", op, err)
		}

		if op != WROpRDMARead {
			d.stat.S.Bytes += uint64(d.msgSize) //nolint:gosec // G115: message size is non-negative
			d.stat.S.Msgs++
		}
	}

	return nil
}

// PostFetchAdd posts one 8-byte fetch-and-add at offset in both the local
// and remote regions. The prior remote value lands in the local word.
func (d *Device) PostFetchAdd(ctx context.Context, tag WRTag, offset int, addend uint64) error {
	return d.postAtomic(ctx, WROpAtomicFetchAdd, tag, offset, addend, 0)
}

// PostCompareSwap posts one 8-byte compare-and-swap at offset. The prior
// remote value lands in the local word whether or not the swap happened.
func (d *Device) PostCompareSwap(ctx context.Context, tag WRTag, offset int, expected, value uint64) error {
	return d.postAtomic(ctx, WROpAtomicCmpAndSwp, tag, offset, expected, value)
}

func (d *Device) postAtomic(ctx context.Context, op WROpcode, tag WRTag, offset int, compareAdd, swap uint64) error {
	if !d.kind.SupportsAtomics() {
		return fmt.Errorf("failed to post %s: %w", op, ErrUnsupportedOp)
	}

	if offset < 0 || offset%8 != 0 || offset+8 > d.buffer.Len() {
		return fmt.Errorf("failed to post %s: offset %d outside region", op, offset)
	}

	if ctx.Err() != nil {
		return nil
	}

	wr := VerbsSendWR{
		SGList:     []VerbsSGE{d.localSGE(offset, 8)},
		WRID:       tag.Encode(),
		Opcode:     op,
		SendFlags:  SendSignaled,
		RemoteAddr: d.Remote.VAddr + uint64(offset), //nolint:gosec // G115: offset checked above
		RKey:       d.Remote.RKey,
		CompareAdd: compareAdd,
		Swap:       swap,
	}

	err := d.backend.PostSend(d.qp, &wr)
	if err != nil {
		if interrupted(ctx, err) {
			return nil
		}

		return fmt.Errorf("failed to post %s: %w", op, err)
	}

	d.stat.S.Bytes += 8
	d.stat.S.Msgs++

	return nil
}
