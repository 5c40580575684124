package rdma

import (
	"context"
	"errors"
	"fmt"
)

// Completion is the decoded outcome of one work request.
type Completion struct {
	Tag     WRTag
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
}

// OK reports whether the work request succeeded.
func (c Completion) OK() bool {
	return c.Status == WCSuccess
}

// Poll returns up to capacity completions. Unless the device is in busy-poll
// mode it first blocks for a completion event, re-arming the queue before
// draining it. The returned slice is reused by the next call. A stopped
// context yields an empty result rather than an error.
func (d *Device) Poll(ctx context.Context, capacity int) ([]Completion, error) {
	if !d.pollMode && ctx.Err() == nil {
		cq, err := d.backend.GetCQEvent(ctx, d.channel)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrInterrupted) {
				return nil, nil
			}

			return nil, fmt.Errorf("failed to get CQ event: %w", err)
		}

		if cq != d.cq {
			return nil, fmt.Errorf("%w: CQ event for unknown CQ", ErrCQEvent)
		}

		err = d.backend.ReqNotifyCQ(d.cq)
		if err != nil {
			return nil, fmt.Errorf("failed to request CQ notification: %w", err)
		}

		d.backend.AckCQEvents(d.cq, 1)
	}

	return d.Drain(ctx, capacity)
}

// Drain polls the completion queue without waiting.
func (d *Device) Drain(ctx context.Context, capacity int) ([]Completion, error) {
	if capacity < 1 {
		capacity = 1
	}

	if cap(d.wc) < capacity {
		d.wc = make([]VerbsWorkCompletion, capacity)
		d.out = make([]Completion, 0, capacity)
	}

	n, err := d.backend.PollCQ(d.cq, d.wc[:capacity])
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}

		return nil, fmt.Errorf("CQ poll failed: %w", err)
	}

	out := d.out[:0]

	for i := 0; i < n; i++ {
		wc := &d.wc[i]
		out = append(out, Completion{
			Tag:     DecodeTag(wc.WRID),
			Status:  wc.Status,
			Opcode:  wc.Opcode,
			ByteLen: wc.ByteLen,
		})
	}

	d.out = out

	return out, nil
}
