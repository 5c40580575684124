//go:build rdma_hw

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <arpa/inet.h>
#include <infiniband/verbs.h>

static int rp_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
		uint64_t addr, uint32_t length, uint32_t lkey, int nsge,
		uint64_t remote_addr, uint32_t rkey, uint64_t compare_add, uint64_t swap,
		uint32_t imm, struct ibv_ah *ah, uint32_t remote_qpn, uint32_t remote_qkey)
{
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr, *bad;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = nsge ? &sge : NULL;
	wr.num_sge = nsge;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.imm_data = htonl(imm);

	switch (opcode) {
	case IBV_WR_ATOMIC_CMP_AND_SWP:
	case IBV_WR_ATOMIC_FETCH_AND_ADD:
		wr.wr.atomic.remote_addr = remote_addr;
		wr.wr.atomic.rkey = rkey;
		wr.wr.atomic.compare_add = compare_add;
		wr.wr.atomic.swap = swap;
		break;
	case IBV_WR_RDMA_READ:
	case IBV_WR_RDMA_WRITE:
	case IBV_WR_RDMA_WRITE_WITH_IMM:
		wr.wr.rdma.remote_addr = remote_addr;
		wr.wr.rdma.rkey = rkey;
		break;
	default:
		if (ah) {
			wr.wr.ud.ah = ah;
			wr.wr.ud.remote_qpn = remote_qpn;
			wr.wr.ud.remote_qkey = remote_qkey;
		}
	}
	return ibv_post_send(qp, &wr, &bad);
}

static int rp_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
		uint32_t length, uint32_t lkey, int nsge)
{
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_recv_wr wr, *bad;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = nsge ? &sge : NULL;
	wr.num_sge = nsge;
	return ibv_post_recv(qp, &wr, &bad);
}

static int rp_req_notify(struct ibv_cq *cq)
{
	return ibv_req_notify_cq(cq, 0);
}

static int rp_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc)
{
	return ibv_poll_cq(cq, n, wc);
}

static uint32_t rp_qp_num(struct ibv_qp *qp)
{
	return qp->qp_num;
}

static int rp_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr)
{
	return ibv_query_port(ctx, port, attr);
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const cqEventPollInterval = 100 * time.Millisecond

// HardwareVerbsBackend drives libibverbs. Native objects are kept in maps
// keyed by the opaque handles the rest of the package passes around.
type HardwareVerbsBackend struct {
	devlist     **C.struct_ibv_device
	contexts    map[VerbsContext]*C.struct_ibv_context
	channels    map[VerbsCompChannel]*C.struct_ibv_comp_channel
	pds         map[VerbsPD]*C.struct_ibv_pd
	cqs         map[VerbsCQ]*C.struct_ibv_cq
	cqHandles   map[*C.struct_ibv_cq]VerbsCQ
	qps         map[VerbsQP]*C.struct_ibv_qp
	mrs         map[VerbsMR]*C.struct_ibv_mr
	ahs         map[VerbsAH]*C.struct_ibv_ah
	metrics     *verbsMetrics
	devices     []VerbsDeviceInfo
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

// NewHardwareVerbsBackend creates a libibverbs backed verbs implementation.
func NewHardwareVerbsBackend() *HardwareVerbsBackend {
	return &HardwareVerbsBackend{
		contexts:  make(map[VerbsContext]*C.struct_ibv_context),
		channels:  make(map[VerbsCompChannel]*C.struct_ibv_comp_channel),
		pds:       make(map[VerbsPD]*C.struct_ibv_pd),
		cqs:       make(map[VerbsCQ]*C.struct_ibv_cq),
		cqHandles: make(map[*C.struct_ibv_cq]VerbsCQ),
		qps:       make(map[VerbsQP]*C.struct_ibv_qp),
		mrs:       make(map[VerbsMR]*C.struct_ibv_mr),
		ahs:       make(map[VerbsAH]*C.struct_ibv_ah),
		metrics:   &verbsMetrics{},
	}
}

func newHardwareBackend() (VerbsBackend, error) {
	return NewHardwareVerbsBackend(), nil
}

func (b *HardwareVerbsBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *HardwareVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	var n C.int

	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return fmt.Errorf("failed to find any InfiniBand devices: %v", err)
	}

	b.devlist = list
	devs := unsafe.Slice(list, int(n))

	for _, d := range devs {
		info := VerbsDeviceInfo{
			Name:     C.GoString(C.ibv_get_device_name(d)),
			GUID:     uint64(C.ibv_get_device_guid(d)),
			NodeType: int(d.node_type),
		}

		if ctx := C.ibv_open_device(d); ctx != nil {
			var attr C.struct_ibv_device_attr
			if C.ibv_query_device(ctx, &attr) == 0 {
				info.FWVer = C.GoString(&attr.fw_ver[0])
				info.PhysPortCnt = int(attr.phys_port_cnt)
				info.VendorID = uint32(attr.vendor_id)
				info.VendorPartID = uint32(attr.vendor_part_id)
				info.HWVer = uint32(attr.hw_ver)
			}

			C.ibv_close_device(ctx)
		}

		b.devices = append(b.devices, info)
	}

	b.initialized = true

	return nil
}

func (b *HardwareVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.devlist != nil {
		C.ibv_free_device_list(b.devlist)
		b.devlist = nil
	}

	b.devices = nil
	b.initialized = false

	return nil
}

func (b *HardwareVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *HardwareVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	for i, d := range b.devices {
		if d.Name != name {
			continue
		}

		dev := *(**C.struct_ibv_device)(unsafe.Add(unsafe.Pointer(b.devlist), uintptr(i)*unsafe.Sizeof(*b.devlist)))

		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrContextCreation, name, err)
		}

		h := VerbsContext(b.handle())
		b.contexts[h] = ctx
		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return h, nil
	}

	return 0, ErrDeviceNotFound
}

func (b *HardwareVerbsBackend) CloseDevice(dev VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, ok := b.contexts[dev]
	if !ok {
		return nil
	}

	delete(b.contexts, dev)

	if C.ibv_close_device(ctx) != 0 {
		return errors.New("failed to close device")
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryDevice(dev VerbsContext) (*VerbsDeviceAttr, error) {
	b.mu.RLock()
	ctx := b.contexts[dev]
	b.mu.RUnlock()

	if ctx == nil {
		return nil, ErrQueryFailed
	}

	var attr C.struct_ibv_device_attr
	if C.ibv_query_device(ctx, &attr) != 0 {
		return nil, ErrQueryFailed
	}

	return &VerbsDeviceAttr{
		FWVer:           C.GoString(&attr.fw_ver[0]),
		MaxQP:           int(attr.max_qp),
		MaxQPWR:         int(attr.max_qp_wr),
		MaxCQE:          int(attr.max_cqe),
		MaxSGE:          int(attr.max_sge),
		MaxQPRdAtom:     int(attr.max_qp_rd_atom),
		MaxQPInitRdAtom: int(attr.max_qp_init_rd_atom),
		PhysPortCnt:     int(attr.phys_port_cnt),
	}, nil
}

func (b *HardwareVerbsBackend) QueryPort(dev VerbsContext, port int) (*VerbsPortAttr, error) {
	b.mu.RLock()
	ctx := b.contexts[dev]
	b.mu.RUnlock()

	if ctx == nil {
		return nil, ErrQueryFailed
	}

	var attr C.struct_ibv_port_attr
	if C.rp_query_port(ctx, C.uint8_t(port), &attr) != 0 {
		return nil, ErrQueryFailed
	}

	return &VerbsPortAttr{
		State:     PortState(attr.state),
		MaxMTU:    MTU(attr.max_mtu),
		ActiveMTU: MTU(attr.active_mtu),
		LID:       uint16(attr.lid),
		SMLID:     uint16(attr.sm_lid),
		LMC:       uint8(attr.lmc),
	}, nil
}

func (b *HardwareVerbsBackend) CreateCompChannel(dev VerbsContext) (VerbsCompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := b.contexts[dev]
	if ctx == nil {
		return 0, ErrCompChannelCreation
	}

	ch, err := C.ibv_create_comp_channel(ctx)
	if ch == nil {
		return 0, fmt.Errorf("%w: %v", ErrCompChannelCreation, err)
	}

	// The fd is polled so that waits observe cancellation.
	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return 0, fmt.Errorf("%w: %v", ErrCompChannelCreation, err)
	}

	h := VerbsCompChannel(b.handle())
	b.channels[h] = ch

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[ch]
	if !ok {
		return nil
	}

	delete(b.channels, ch)

	if C.ibv_destroy_comp_channel(c) != 0 {
		return errors.New("failed to destroy completion channel")
	}

	return nil
}

func (b *HardwareVerbsBackend) AllocPD(dev VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := b.contexts[dev]
	if ctx == nil {
		return 0, ErrPDCreation
	}

	pd, err := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, fmt.Errorf("%w: %v", ErrPDCreation, err)
	}

	h := VerbsPD(b.handle())
	b.pds[h] = pd
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return nil
	}

	delete(b.pds, pd)

	if C.ibv_dealloc_pd(p) != 0 {
		return errors.New("failed to deallocate protection domain")
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateCQ(dev VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := b.contexts[dev]
	if ctx == nil {
		return 0, ErrCQCreation
	}

	cq, err := C.ibv_create_cq(ctx, C.int(cqe), nil, b.channels[ch], 0)
	if cq == nil {
		return 0, fmt.Errorf("%w: %v", ErrCQCreation, err)
	}

	h := VerbsCQ(b.handle())
	b.cqs[h] = cq
	b.cqHandles[cq] = h
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return nil
	}

	delete(b.cqs, cq)
	delete(b.cqHandles, c)

	if C.ibv_destroy_cq(c) != 0 {
		return errors.New("failed to destroy completion queue")
	}

	return nil
}

func (b *HardwareVerbsBackend) PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error) {
	b.mu.RLock()
	c := b.cqs[cq]
	b.mu.RUnlock()

	if c == nil || len(wc) == 0 {
		return 0, ErrPollCQ
	}

	raw := make([]C.struct_ibv_wc, len(wc))

	n := int(C.rp_poll_cq(c, C.int(len(raw)), &raw[0]))
	if n < 0 {
		return 0, ErrPollCQ
	}

	for i := 0; i < n; i++ {
		wc[i] = VerbsWorkCompletion{
			WRID:      uint64(raw[i].wr_id),
			Status:    WCStatus(raw[i].status),
			Opcode:    WCOpcode(raw[i].opcode),
			VendorErr: uint32(raw[i].vendor_err),
			ByteLen:   uint32(raw[i].byte_len),
			QPN:       uint32(raw[i].qp_num),
			SrcQP:     uint32(raw[i].src_qp),
			WCFlags:   int(raw[i].wc_flags),
			PkeyIndex: uint16(raw[i].pkey_index),
			SLID:      uint16(raw[i].slid),
			SL:        uint8(raw[i].sl),
			DLIDPath:  uint8(raw[i].dlid_path_bits),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return n, nil
}

func (b *HardwareVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	b.mu.RLock()
	c := b.cqs[cq]
	b.mu.RUnlock()

	if c == nil || C.rp_req_notify(c) != 0 {
		return errors.New("failed to request CQ notification")
	}

	return nil
}

func (b *HardwareVerbsBackend) GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.RLock()
	c := b.channels[ch]
	b.mu.RUnlock()

	if c == nil {
		return 0, ErrCQEvent
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("waiting for CQ event: %w", ErrInterrupted)
		}

		n, err := unix.Poll(fds, int(cqEventPollInterval/time.Millisecond))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("%w: %w", ErrCQEvent, err)
		}

		if n <= 0 {
			continue
		}

		var evCQ *C.struct_ibv_cq

		var evCtx unsafe.Pointer

		ret, err := C.ibv_get_cq_event(c, &evCQ, &evCtx)
		if ret != 0 {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}

			return 0, fmt.Errorf("%w: %v", ErrCQEvent, err)
		}

		b.mu.RLock()
		h, ok := b.cqHandles[evCQ]
		b.mu.RUnlock()

		if !ok {
			// Unknown to this backend; the caller reports the mismatch.
			return VerbsCQ(0), nil
		}

		return h, nil
	}
}

func (b *HardwareVerbsBackend) AckCQEvents(cq VerbsCQ, n int) {
	b.mu.RLock()
	c := b.cqs[cq]
	b.mu.RUnlock()

	if c != nil {
		C.ibv_ack_cq_events(c, C.uint(n))
	}
}

func (b *HardwareVerbsBackend) CreateQP(pd VerbsPD, attr *VerbsQPInitAttr) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pds[pd]
	if p == nil {
		return 0, ErrQPCreation
	}

	var init C.struct_ibv_qp_init_attr

	init.send_cq = b.cqs[attr.SendCQ]
	init.recv_cq = b.cqs[attr.RecvCQ]
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSge)
	init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSge)
	init.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	init.qp_type = C.enum_ibv_qp_type(attr.QPType)

	if attr.SQSigAll {
		init.sq_sig_all = 1
	}

	qp, err := C.ibv_create_qp(p, &init)
	if qp == nil {
		return 0, fmt.Errorf("%w: %v", ErrQPCreation, err)
	}

	h := VerbsQP(b.handle())
	b.qps[h] = qp
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil
	}

	delete(b.qps, qp)

	if C.ibv_destroy_qp(q) != 0 {
		return errors.New("failed to destroy queue pair")
	}

	return nil
}

func (b *HardwareVerbsBackend) ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	b.mu.RLock()
	q := b.qps[qp]
	b.mu.RUnlock()

	if q == nil {
		return ErrModifyQP
	}

	var a C.struct_ibv_qp_attr

	a.qp_state = C.enum_ibv_qp_state(attr.State)
	a.cur_qp_state = C.enum_ibv_qp_state(attr.CurState)
	a.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	a.qkey = C.uint32_t(attr.QKey)
	a.rq_psn = C.uint32_t(attr.RQPsn)
	a.sq_psn = C.uint32_t(attr.SQPsn)
	a.dest_qp_num = C.uint32_t(attr.DestQPN)
	a.qp_access_flags = C.uint(attr.QPAccessFlags)
	a.pkey_index = C.uint16_t(attr.PKeyIndex)
	a.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	a.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	a.min_rnr_timer = C.uint8_t(attr.MinRnrTimer)
	a.port_num = C.uint8_t(attr.PortNum)
	a.timeout = C.uint8_t(attr.Timeout)
	a.retry_cnt = C.uint8_t(attr.RetryCnt)
	a.rnr_retry = C.uint8_t(attr.RnrRetry)
	a.ah_attr.dlid = C.uint16_t(attr.AHAttr.DLID)
	a.ah_attr.sl = C.uint8_t(attr.AHAttr.SL)
	a.ah_attr.src_path_bits = C.uint8_t(attr.AHAttr.SrcPathBits)
	a.ah_attr.static_rate = C.uint8_t(attr.AHAttr.StaticRate)
	a.ah_attr.port_num = C.uint8_t(attr.AHAttr.PortNum)

	if ret := C.ibv_modify_qp(q, &a, C.int(mask)); ret != 0 {
		return fmt.Errorf("%w: to %s: %w", ErrModifyQP, attr.State, unix.Errno(ret))
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.RLock()
	q := b.qps[qp]
	b.mu.RUnlock()

	if q == nil {
		return nil, ErrQueryFailed
	}

	var a C.struct_ibv_qp_attr

	var init C.struct_ibv_qp_init_attr

	if C.ibv_query_qp(q, &a, C.int(QPAttrState|QPAttrCap), &init) != 0 {
		return nil, ErrQueryFailed
	}

	return &VerbsQPAttr{
		State: QPState(a.qp_state),
		QPN:   uint32(C.rp_qp_num(q)),
		Cap: VerbsQPCap{
			MaxSendWR:     uint32(a.cap.max_send_wr),
			MaxRecvWR:     uint32(a.cap.max_recv_wr),
			MaxSendSge:    uint32(a.cap.max_send_sge),
			MaxRecvSge:    uint32(a.cap.max_recv_sge),
			MaxInlineData: uint32(a.cap.max_inline_data),
		},
	}, nil
}

// RegMR registers buf, which must not live in the Go heap.
func (b *HardwareVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (*VerbsMRInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pds[pd]
	if p == nil || len(buf) == 0 {
		return nil, ErrMRCreation
	}

	mr, err := C.ibv_reg_mr(p, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("%w: %v", ErrMRCreation, err)
	}

	h := VerbsMR(b.handle())
	b.mrs[h] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &VerbsMRInfo{
		Handle: h,
		Addr:   bufferAddr(buf),
		Length: len(buf),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (b *HardwareVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mrs[mr]
	if !ok {
		return nil
	}

	delete(b.mrs, mr)

	if C.ibv_dereg_mr(m) != 0 {
		return errors.New("failed to deregister memory region")
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateAH(pd VerbsPD, attr *VerbsAHAttr) (VerbsAH, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pds[pd]
	if p == nil {
		return 0, ErrAHCreation
	}

	var a C.struct_ibv_ah_attr

	a.dlid = C.uint16_t(attr.DLID)
	a.sl = C.uint8_t(attr.SL)
	a.src_path_bits = C.uint8_t(attr.SrcPathBits)
	a.static_rate = C.uint8_t(attr.StaticRate)
	a.is_global = C.uint8_t(attr.IsGlobal)
	a.port_num = C.uint8_t(attr.PortNum)

	ah, err := C.ibv_create_ah(p, &a)
	if ah == nil {
		return 0, fmt.Errorf("%w: %v", ErrAHCreation, err)
	}

	h := VerbsAH(b.handle())
	b.ahs[h] = ah

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyAH(ah VerbsAH) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.ahs[ah]
	if !ok {
		return nil
	}

	delete(b.ahs, ah)

	if C.ibv_destroy_ah(a) != 0 {
		return errors.New("failed to destroy address handle")
	}

	return nil
}

func (b *HardwareVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.RLock()
	q := b.qps[qp]
	ah := b.ahs[wr.AH]
	b.mu.RUnlock()

	if q == nil {
		return ErrPostSend
	}

	var sge VerbsSGE

	nsge := len(wr.SGList)
	if nsge > 0 {
		sge = wr.SGList[0]
	}

	ret := C.rp_post_send(q, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.int(nsge),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint64_t(wr.CompareAdd), C.uint64_t(wr.Swap),
		C.uint32_t(wr.ImmData), ah, C.uint32_t(wr.RemoteQPN), C.uint32_t(wr.RemoteQKey))
	if ret != 0 {
		return fmt.Errorf("%w: %w", ErrPostSend, unix.Errno(ret))
	}

	atomic.AddInt64(&b.metrics.SendsPosted, 1)

	return nil
}

func (b *HardwareVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.mu.RLock()
	q := b.qps[qp]
	b.mu.RUnlock()

	if q == nil {
		return ErrPostRecv
	}

	var sge VerbsSGE

	nsge := len(wr.SGList)
	if nsge > 0 {
		sge = wr.SGList[0]
	}

	ret := C.rp_post_recv(q, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length),
		C.uint32_t(sge.LKey), C.int(nsge))
	if ret != 0 {
		return fmt.Errorf("%w: %w", ErrPostRecv, unix.Errno(ret))
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *HardwareVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
	}
}
