package rdma

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	simMaxQPRdAtom   = 16
	simMaxInlineData = 64
	simMaxQPWR       = 32768
	simMaxCQE        = 4194303
	simMaxSGE        = 30
	simKeyBase       = 0x1000
)

// SimulatedVerbsBackend is an in-memory loopback fabric. Queue pairs opened
// on it by two peers in the same process exchange data through each other's
// registered memory exactly as two hosts on a switch would: sends consume
// posted receives, RDMA operations resolve remote keys, and atomics operate
// on the responder's memory.
//
// RC sends that find no posted receive wait for one (receiver not ready);
// UC and UD drop them. UD receives carry a GRHSize prefix.
type SimulatedVerbsBackend struct {
	contexts    map[VerbsContext]*simulatedContext
	channels    map[VerbsCompChannel]*simulatedChannel
	pds         map[VerbsPD]*simulatedPD
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	qpns        map[uint32]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	keys        map[uint32]*simulatedMR
	ahs         map[VerbsAH]*simulatedAH
	metrics     *verbsMetrics
	devices     []VerbsDeviceInfo
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

type simulatedContext struct {
	device *VerbsDeviceInfo
	index  int
}

type simulatedChannel struct {
	dev    VerbsContext
	events []VerbsCQ
	notify chan struct{}
}

type simulatedPD struct {
	dev VerbsContext
}

type simulatedCQ struct {
	dev         VerbsContext
	channel     VerbsCompChannel
	completions []VerbsWorkCompletion
	size        int
	armed       bool
}

type simulatedQP struct {
	attr        VerbsQPAttr
	recvs       []VerbsRecvWR
	pending     []pendingSend
	handle      VerbsQP
	pd          VerbsPD
	sendCQ      VerbsCQ
	recvCQ      VerbsCQ
	qpType      QPType
	outstanding int
	sigAll      bool
}

// pendingSend is an RC message waiting at the responder for a receive.
type pendingSend struct {
	src *simulatedQP
	wr  VerbsSendWR
}

type simulatedMR struct {
	buf    []byte
	pd     VerbsPD
	addr   uint64
	access int
	key    uint32
}

type simulatedAH struct {
	attr VerbsAHAttr
	pd   VerbsPD
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	RDMAReads     int64
	RDMAWrites    int64
	Atomics       int64
	Completions   int64
	Dropped       int64
	Errors        int64
}

// NewSimulatedVerbsBackend creates a new simulated verbs backend.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	b := &SimulatedVerbsBackend{metrics: &verbsMetrics{}}
	b.reset()

	return b
}

func (b *SimulatedVerbsBackend) reset() {
	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.channels = make(map[VerbsCompChannel]*simulatedChannel)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.qpns = make(map[uint32]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.keys = make(map[uint32]*simulatedMR)
	b.ahs = make(map[VerbsAH]*simulatedAH)
}

func (b *SimulatedVerbsBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	b.devices = []VerbsDeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000001,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-5
			FWVer:        "16.35.2000",
			PhysPortCnt:  2,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000002,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "16.35.2000",
			PhysPortCnt:  2,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	for i := range b.devices {
		if b.devices[i].Name == name {
			dev := VerbsContext(b.handle())
			b.contexts[dev] = &simulatedContext{device: &b.devices[i], index: i}
			atomic.AddInt64(&b.metrics.DevicesOpened, 1)

			return dev, nil
		}
	}

	return 0, ErrDeviceNotFound
}

func (b *SimulatedVerbsBackend) CloseDevice(dev VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pd := range b.pds {
		if pd.dev == dev {
			return fmt.Errorf("device context still has protection domains")
		}
	}

	for _, ch := range b.channels {
		if ch.dev == dev {
			return fmt.Errorf("device context still has completion channels")
		}
	}

	delete(b.contexts, dev)

	return nil
}

func (b *SimulatedVerbsBackend) QueryDevice(dev VerbsContext) (*VerbsDeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCtx, ok := b.contexts[dev]
	if !ok {
		return nil, ErrQueryFailed
	}

	return &VerbsDeviceAttr{
		FWVer:           simCtx.device.FWVer,
		MaxQP:           1 << 17,
		MaxQPWR:         simMaxQPWR,
		MaxCQE:          simMaxCQE,
		MaxSGE:          simMaxSGE,
		MaxQPRdAtom:     simMaxQPRdAtom,
		MaxQPInitRdAtom: simMaxQPRdAtom,
		PhysPortCnt:     simCtx.device.PhysPortCnt,
	}, nil
}

func (b *SimulatedVerbsBackend) QueryPort(dev VerbsContext, port int) (*VerbsPortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCtx, ok := b.contexts[dev]
	if !ok || port < 1 || port > simCtx.device.PhysPortCnt {
		return nil, ErrQueryFailed
	}

	return &VerbsPortAttr{
		State:     PortStateActive,
		MaxMTU:    MTU4096,
		ActiveMTU: MTU4096,
		LID:       uint16(simCtx.index*simCtx.device.PhysPortCnt + port), //nolint:gosec // G115: small device indexes
		SMLID:     1,
	}, nil
}

func (b *SimulatedVerbsBackend) CreateCompChannel(dev VerbsContext) (VerbsCompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[dev]; !ok {
		return 0, ErrCompChannelCreation
	}

	ch := VerbsCompChannel(b.handle())
	b.channels[ch] = &simulatedChannel{dev: dev, notify: make(chan struct{}, 1)}

	return ch, nil
}

func (b *SimulatedVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cq := range b.cqs {
		if cq.channel == ch {
			return fmt.Errorf("completion channel still has completion queues")
		}
	}

	delete(b.channels, ch)

	return nil
}

func (b *SimulatedVerbsBackend) AllocPD(dev VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[dev]; !ok {
		return 0, ErrContextCreation
	}

	pd := VerbsPD(b.handle())
	b.pds[pd] = &simulatedPD{dev: dev}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, qp := range b.qps {
		if qp.pd == pd {
			return fmt.Errorf("protection domain still has queue pairs")
		}
	}

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("protection domain still has memory regions")
		}
	}

	for _, ah := range b.ahs {
		if ah.pd == pd {
			return fmt.Errorf("protection domain still has address handles")
		}
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCQ(dev VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[dev]; !ok {
		return 0, ErrContextCreation
	}

	if cqe < 1 || cqe > simMaxCQE {
		return 0, fmt.Errorf("%w: bad CQ size %d", ErrCQCreation, cqe)
	}

	if ch != 0 {
		if _, ok := b.channels[ch]; !ok {
			return 0, fmt.Errorf("%w: unknown completion channel", ErrCQCreation)
		}
	}

	cq := VerbsCQ(b.handle())
	b.cqs[cq] = &simulatedCQ{dev: dev, channel: ch, size: cqe}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return fmt.Errorf("completion queue still attached to a queue pair")
		}
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return 0, ErrPollCQ
	}

	n := copy(wc, simCQ.completions)
	simCQ.completions = simCQ.completions[n:]

	for i := 0; i < n; i++ {
		if wc[i].Opcode >= WCOpRecv {
			continue
		}

		if qp, ok := b.qpns[wc[i].QPN]; ok && qp.outstanding > 0 {
			qp.outstanding--
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return n, nil
}

func (b *SimulatedVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok || simCQ.channel == 0 {
		return fmt.Errorf("cannot request notification on CQ")
	}

	simCQ.armed = true

	return nil
}

func (b *SimulatedVerbsBackend) GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error) {
	for {
		b.mu.Lock()

		simCh, ok := b.channels[ch]
		if !ok {
			b.mu.Unlock()
			return 0, ErrCQEvent
		}

		if len(simCh.events) > 0 {
			cq := simCh.events[0]
			simCh.events = simCh.events[1:]
			b.mu.Unlock()

			return cq, nil
		}

		notify := simCh.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for CQ event: %w", ErrInterrupted)
		case <-notify:
		}
	}
}

func (b *SimulatedVerbsBackend) AckCQEvents(VerbsCQ, int) {}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, attr *VerbsQPInitAttr) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if _, ok := b.cqs[attr.SendCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown send CQ", ErrQPCreation)
	}

	if _, ok := b.cqs[attr.RecvCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown receive CQ", ErrQPCreation)
	}

	switch attr.QPType {
	case QPTypeRC, QPTypeUC, QPTypeUD:
	default:
		return 0, fmt.Errorf("%w: unsupported QP type %d", ErrQPCreation, attr.QPType)
	}

	if attr.Cap.MaxSendWR > simMaxQPWR || attr.Cap.MaxRecvWR > simMaxQPWR ||
		attr.Cap.MaxSendSge > simMaxSGE || attr.Cap.MaxRecvSge > simMaxSGE {
		return 0, fmt.Errorf("%w: capabilities exceed device limits", ErrQPCreation)
	}

	qpCap := attr.Cap
	if qpCap.MaxInlineData < simMaxInlineData {
		qpCap.MaxInlineData = simMaxInlineData
	}

	h := b.handle()
	qp := VerbsQP(h)
	simQP := &simulatedQP{
		handle: qp,
		pd:     pd,
		sendCQ: attr.SendCQ,
		recvCQ: attr.RecvCQ,
		qpType: attr.QPType,
		sigAll: attr.SQSigAll,
		attr: VerbsQPAttr{
			State: QPStateReset,
			QPN:   uint32(h) & 0xffffff, //nolint:gosec // G115: QPNs are 24 bit
			Cap:   qpCap,
		},
	}
	b.qps[qp] = simQP
	b.qpns[simQP.attr.QPN] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("unknown queue pair")
	}

	// Senders still waiting on this responder run out of RNR retries.
	for _, p := range simQP.pending {
		b.completeSend(p.src, &p.wr, WCRnrRetryExcErr, 0)
	}

	for _, other := range b.qps {
		kept := other.pending[:0]

		for _, p := range other.pending {
			if p.src != simQP {
				kept = append(kept, p)
			}
		}

		other.pending = kept
	}

	delete(b.qpns, simQP.attr.QPN)
	delete(b.qps, qp)

	return nil
}

type qpTransition struct {
	qpType QPType
	to     QPState
}

var (
	requiredQPAttrs = map[qpTransition]QPAttrMask{
		{QPTypeRC, QPStateInit}: QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags,
		{QPTypeUC, QPStateInit}: QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags,
		{QPTypeUD, QPStateInit}: QPAttrPKeyIndex | QPAttrPort | QPAttrQKey,
		{QPTypeRC, QPStateRTR}: QPAttrAV | QPAttrPathMTU | QPAttrDestQPN | QPAttrRQPSN |
			QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer,
		{QPTypeUC, QPStateRTR}: QPAttrAV | QPAttrPathMTU | QPAttrDestQPN | QPAttrRQPSN,
		{QPTypeUD, QPStateRTR}: 0,
		{QPTypeRC, QPStateRTS}: QPAttrSQPSN | QPAttrTimeout | QPAttrRetryCnt | QPAttrRNRRetry |
			QPAttrMaxQPRdAtomic,
		{QPTypeUC, QPStateRTS}: QPAttrSQPSN,
		{QPTypeUD, QPStateRTS}: QPAttrSQPSN,
	}

	optionalQPAttrs = map[qpTransition]QPAttrMask{
		{QPTypeRC, QPStateRTR}: QPAttrAccessFlags | QPAttrPKeyIndex,
		{QPTypeUC, QPStateRTR}: QPAttrAccessFlags | QPAttrPKeyIndex,
		{QPTypeUD, QPStateRTR}: QPAttrPKeyIndex | QPAttrQKey,
		{QPTypeRC, QPStateRTS}: QPAttrCurState | QPAttrAccessFlags | QPAttrMinRNRTimer,
		{QPTypeUC, QPStateRTS}: QPAttrCurState | QPAttrAccessFlags,
		{QPTypeUD, QPStateRTS}: QPAttrCurState | QPAttrQKey,
	}
)

func (b *SimulatedVerbsBackend) ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrModifyQP
	}

	if mask&QPAttrState == 0 {
		return fmt.Errorf("%w: state not given", ErrModifyQP)
	}

	from, to := simQP.attr.State, attr.State

	switch {
	case to == QPStateInit && (from == QPStateReset || from == QPStateInit):
	case to == QPStateRTR && from == QPStateInit:
	case to == QPStateRTS && from == QPStateRTR:
	case to == QPStateErr || to == QPStateReset:
		simQP.attr.State = to
		return nil
	default:
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrModifyQP, from, to)
	}

	key := qpTransition{simQP.qpType, to}
	required := requiredQPAttrs[key]
	allowed := required | optionalQPAttrs[key] | QPAttrState

	if mask&required != required {
		return fmt.Errorf("%w: missing attributes %#x for %s", ErrModifyQP, int(required&^mask), to)
	}

	if mask&^allowed != 0 {
		return fmt.Errorf("%w: invalid attributes %#x for %s %s", ErrModifyQP, int(mask&^allowed), simQP.qpType, to)
	}

	applyQPAttr(&simQP.attr, attr, mask)
	simQP.attr.State = to

	return nil
}

func applyQPAttr(dst, src *VerbsQPAttr, mask QPAttrMask) {
	if mask&QPAttrAccessFlags != 0 {
		dst.QPAccessFlags = src.QPAccessFlags
	}

	if mask&QPAttrPKeyIndex != 0 {
		dst.PKeyIndex = src.PKeyIndex
	}

	if mask&QPAttrPort != 0 {
		dst.PortNum = src.PortNum
	}

	if mask&QPAttrQKey != 0 {
		dst.QKey = src.QKey
	}

	if mask&QPAttrAV != 0 {
		dst.AHAttr = src.AHAttr
	}

	if mask&QPAttrPathMTU != 0 {
		dst.PathMTU = src.PathMTU
	}

	if mask&QPAttrDestQPN != 0 {
		dst.DestQPN = src.DestQPN
	}

	if mask&QPAttrRQPSN != 0 {
		dst.RQPsn = src.RQPsn
	}

	if mask&QPAttrSQPSN != 0 {
		dst.SQPsn = src.SQPsn
	}

	if mask&QPAttrMaxDestRdAtomic != 0 {
		dst.MaxDestRdAtomic = src.MaxDestRdAtomic
	}

	if mask&QPAttrMaxQPRdAtomic != 0 {
		dst.MaxRdAtomic = src.MaxRdAtomic
	}

	if mask&QPAttrMinRNRTimer != 0 {
		dst.MinRnrTimer = src.MinRnrTimer
	}

	if mask&QPAttrTimeout != 0 {
		dst.Timeout = src.Timeout
	}

	if mask&QPAttrRetryCnt != 0 {
		dst.RetryCnt = src.RetryCnt
	}

	if mask&QPAttrRNRRetry != 0 {
		dst.RnrRetry = src.RnrRetry
	}
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrQueryFailed
	}

	attr := simQP.attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (*VerbsMRInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return nil, ErrPDCreation
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	// Remote write and atomic access require local write, as in verbs.
	if access&(MRAccessRemoteWrite|MRAccessRemoteAtomic) != 0 && access&MRAccessLocalWrite == 0 {
		return nil, fmt.Errorf("%w: remote write requires local write", ErrMRCreation)
	}

	h := b.handle()
	mr := &simulatedMR{
		buf:    buf,
		pd:     pd,
		addr:   bufferAddr(buf),
		access: access,
		key:    uint32(h) + simKeyBase, //nolint:gosec // G115: handle counter stays small
	}
	b.mrs[VerbsMR(h)] = mr
	b.keys[mr.key] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &VerbsMRInfo{
		Handle: VerbsMR(h),
		Addr:   mr.addr,
		Length: len(buf),
		LKey:   mr.key,
		RKey:   mr.key,
	}, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("unknown memory region")
	}

	delete(b.keys, simMR.key)
	delete(b.mrs, mr)

	return nil
}

func (b *SimulatedVerbsBackend) CreateAH(pd VerbsPD, attr *VerbsAHAttr) (VerbsAH, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrAHCreation
	}

	ah := VerbsAH(b.handle())
	b.ahs[ah] = &simulatedAH{pd: pd, attr: *attr}

	return ah, nil
}

func (b *SimulatedVerbsBackend) DestroyAH(ah VerbsAH) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.ahs, ah)

	return nil
}

func (b *SimulatedVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrPostRecv
	}

	if simQP.attr.State == QPStateReset || simQP.attr.State == QPStateErr {
		return fmt.Errorf("%w: QP in %s state", ErrPostRecv, simQP.attr.State)
	}

	if len(wr.SGList) > int(simQP.attr.Cap.MaxRecvSge) {
		return fmt.Errorf("%w: too many scatter entries", ErrPostRecv)
	}

	if len(simQP.recvs) >= int(simQP.attr.Cap.MaxRecvWR) {
		return fmt.Errorf("%w: receive queue full", ErrPostRecv)
	}

	simQP.recvs = append(simQP.recvs, VerbsRecvWR{WRID: wr.WRID, SGList: append([]VerbsSGE(nil), wr.SGList...)})
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	for len(simQP.pending) > 0 && len(simQP.recvs) > 0 {
		p := simQP.pending[0]
		simQP.pending = simQP.pending[1:]

		if _, alive := b.qps[p.src.handle]; !alive {
			continue
		}

		b.completeSend(p.src, &p.wr, b.deliver(p.src, simQP, &p.wr), 0)
	}

	return nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrPostSend
	}

	if simQP.attr.State != QPStateRTS {
		return fmt.Errorf("%w: QP in %s state", ErrPostSend, simQP.attr.State)
	}

	if len(wr.SGList) > int(simQP.attr.Cap.MaxSendSge) {
		return fmt.Errorf("%w: too many gather entries", ErrPostSend)
	}

	if simQP.signaled(wr) && simQP.outstanding >= int(simQP.attr.Cap.MaxSendWR) {
		return fmt.Errorf("%w: send queue full", ErrPostSend)
	}

	if wr.SendFlags&SendInline != 0 && sgeLength(wr) > int(simQP.attr.Cap.MaxInlineData) {
		return fmt.Errorf("%w: inline data too large", ErrPostSend)
	}

	switch simQP.qpType {
	case QPTypeUD:
		if wr.Opcode != WROpSend && wr.Opcode != WROpSendWithImm {
			return fmt.Errorf("%w: %s on UD", ErrUnsupportedOp, wr.Opcode)
		}

		if _, ok := b.ahs[wr.AH]; !ok {
			return fmt.Errorf("%w: invalid address handle", ErrPostSend)
		}
	case QPTypeUC:
		if wr.Opcode == WROpRDMARead || wr.Opcode.IsAtomic() {
			return fmt.Errorf("%w: %s on UC", ErrUnsupportedOp, wr.Opcode)
		}
	}

	if simQP.signaled(wr) {
		simQP.outstanding++
	}

	status, byteLen, queued := b.execute(simQP, wr)
	if !queued {
		b.completeSend(simQP, wr, status, byteLen)
	}

	return nil
}

func (qp *simulatedQP) signaled(wr *VerbsSendWR) bool {
	return qp.sigAll || wr.SendFlags&SendSignaled != 0
}

func sgeLength(wr *VerbsSendWR) int {
	n := 0
	for _, sge := range wr.SGList {
		n += int(sge.Length)
	}

	return n
}

// execute carries out a send work request and returns the requester status.
// queued is true when an RC send was parked at the responder.
func (b *SimulatedVerbsBackend) execute(qp *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32, bool) {
	if _, _, ok := b.localSegment(qp, wr.SGList, wr.Opcode == WROpRDMARead || wr.Opcode.IsAtomic()); !ok {
		return WCLocalProtErr, 0, false
	}

	peer := b.peerOf(qp, wr)
	if peer == nil {
		atomic.AddInt64(&b.metrics.Dropped, 1)

		if qp.qpType == QPTypeRC {
			return WCRetryExcErr, 0, false
		}

		return WCSuccess, 0, false
	}

	switch wr.Opcode {
	case WROpSend, WROpSendWithImm:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)

		if qp.qpType == QPTypeUD && wr.RemoteQKey != peer.attr.QKey {
			atomic.AddInt64(&b.metrics.Dropped, 1)
			return WCSuccess, 0, false
		}

		return b.sendOrQueue(qp, peer, wr)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)

		if status := b.rdmaWrite(qp, peer, wr); status != WCSuccess {
			return b.unreliable(qp, status), 0, false
		}

		if wr.Opcode == WROpRDMAWrite {
			return WCSuccess, 0, false
		}

		return b.sendOrQueue(qp, peer, wr)
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)

		status := b.rdmaRead(qp, peer, wr)

		return status, uint32(sgeLength(wr)), false //nolint:gosec // G115: bounded by MR size
	case WROpAtomicCmpAndSwp, WROpAtomicFetchAdd:
		atomic.AddInt64(&b.metrics.Atomics, 1)

		return b.atomicOp(qp, peer, wr), 8, false
	default:
		return WCLocalQPOpErr, 0, false
	}
}

// unreliable hides responder errors from UC requesters, which get no
// acknowledgement.
func (b *SimulatedVerbsBackend) unreliable(qp *simulatedQP, status WCStatus) WCStatus {
	if qp.qpType == QPTypeRC {
		return status
	}

	atomic.AddInt64(&b.metrics.Dropped, 1)

	return WCSuccess
}

func (b *SimulatedVerbsBackend) sendOrQueue(qp, peer *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32, bool) {
	if len(peer.recvs) > 0 {
		return b.deliver(qp, peer, wr), 0, false
	}

	if qp.qpType == QPTypeRC {
		cp := *wr
		cp.SGList = append([]VerbsSGE(nil), wr.SGList...)
		peer.pending = append(peer.pending, pendingSend{src: qp, wr: cp})

		return WCSuccess, 0, true
	}

	atomic.AddInt64(&b.metrics.Dropped, 1)

	return WCSuccess, 0, false
}

func (b *SimulatedVerbsBackend) peerOf(qp *simulatedQP, wr *VerbsSendWR) *simulatedQP {
	if qp.qpType == QPTypeUD {
		peer, ok := b.qpns[wr.RemoteQPN]
		if !ok || peer.qpType != QPTypeUD || peer.attr.State < QPStateRTR {
			return nil
		}

		return peer
	}

	peer, ok := b.qpns[qp.attr.DestQPN]
	if !ok || peer.qpType != qp.qpType || peer.attr.DestQPN != qp.attr.QPN || peer.attr.State < QPStateRTR {
		return nil
	}

	return peer
}

// localSegment resolves the first gather entry against the requester's
// memory regions.
func (b *SimulatedVerbsBackend) localSegment(qp *simulatedQP, sgl []VerbsSGE, write bool) (*simulatedMR, int, bool) {
	if len(sgl) == 0 {
		return nil, 0, true
	}

	mr, off, ok := b.region(qp.pd, sgl[0].LKey, sgl[0].Addr, int(sgl[0].Length))
	if !ok || (write && mr.access&MRAccessLocalWrite == 0) {
		return nil, 0, false
	}

	return mr, off, true
}

func (b *SimulatedVerbsBackend) region(pd VerbsPD, key uint32, addr uint64, length int) (*simulatedMR, int, bool) {
	mr, ok := b.keys[key]
	if !ok || mr.pd != pd || addr < mr.addr {
		return nil, 0, false
	}

	off := int(addr - mr.addr) //nolint:gosec // G115: bounded by MR length below
	if off+length > len(mr.buf) {
		return nil, 0, false
	}

	return mr, off, true
}

// remoteSegment resolves a remote address for an operation needing access.
func (b *SimulatedVerbsBackend) remoteSegment(peer *simulatedQP, wr *VerbsSendWR, length, access int) (*simulatedMR, int, WCStatus) {
	if peer.attr.QPAccessFlags&access != access {
		return nil, 0, WCRemoteAccessErr
	}

	mr, off, ok := b.region(peer.pd, wr.RKey, wr.RemoteAddr, length)
	if !ok || mr.access&access != access {
		return nil, 0, WCRemoteAccessErr
	}

	return mr, off, WCSuccess
}

func (b *SimulatedVerbsBackend) deliver(src, dst *simulatedQP, wr *VerbsSendWR) WCStatus {
	recv := dst.recvs[0]
	dst.recvs = dst.recvs[1:]

	length := sgeLength(wr)
	wc := VerbsWorkCompletion{
		WRID:   recv.WRID,
		Status: WCSuccess,
		Opcode: WCOpRecv,
		QPN:    dst.attr.QPN,
		SrcQP:  src.attr.QPN,
	}

	if wr.Opcode == WROpRDMAWriteWithImm {
		wc.Opcode = WCOpRecvRDMAWithImm
		wc.WCFlags |= WCFlagWithImm
		wc.ImmData = wr.ImmData
		wc.ByteLen = uint32(length) //nolint:gosec // G115: bounded by MR size
		b.pushCompletion(dst.recvCQ, wc)

		return WCSuccess
	}

	if wr.Opcode == WROpSendWithImm {
		wc.WCFlags |= WCFlagWithImm
		wc.ImmData = wr.ImmData
	}

	header := 0
	if dst.qpType == QPTypeUD {
		header = GRHSize
		wc.WCFlags |= WCFlagGRH
	}

	status := WCSuccess

	switch {
	case len(recv.SGList) == 0 && length+header > 0:
		status = WCLocalLenErr
	case len(recv.SGList) > 0 && int(recv.SGList[0].Length) < length+header:
		status = WCLocalLenErr
	}

	if status == WCSuccess && length > 0 {
		rmr, roff, ok := b.localSegment(dst, recv.SGList, true)
		smr, soff, sok := b.localSegment(src, wr.SGList, false)

		if !ok || !sok {
			status = WCLocalProtErr
		} else {
			copyAtomic(rmr.buf, roff+header, smr.buf, soff, length)
		}
	}

	wc.Status = status
	wc.ByteLen = uint32(length + header) //nolint:gosec // G115: bounded by MR size
	b.pushCompletion(dst.recvCQ, wc)

	if status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)

		if src.qpType == QPTypeRC {
			return WCRemoteInvalidReqErr
		}
	}

	return WCSuccess
}

func (b *SimulatedVerbsBackend) rdmaWrite(qp, peer *simulatedQP, wr *VerbsSendWR) WCStatus {
	length := sgeLength(wr)

	mr, off, status := b.remoteSegment(peer, wr, length, MRAccessRemoteWrite)
	if status != WCSuccess {
		return status
	}

	if length > 0 {
		smr, soff, _ := b.localSegment(qp, wr.SGList, false)
		copyAtomic(mr.buf, off, smr.buf, soff, length)
	}

	return WCSuccess
}

func (b *SimulatedVerbsBackend) rdmaRead(qp, peer *simulatedQP, wr *VerbsSendWR) WCStatus {
	length := sgeLength(wr)

	mr, off, status := b.remoteSegment(peer, wr, length, MRAccessRemoteRead)
	if status != WCSuccess {
		return status
	}

	if length > 0 {
		dmr, doff, _ := b.localSegment(qp, wr.SGList, true)
		copyAtomic(dmr.buf, doff, mr.buf, off, length)
	}

	return WCSuccess
}

func (b *SimulatedVerbsBackend) atomicOp(qp, peer *simulatedQP, wr *VerbsSendWR) WCStatus {
	if len(wr.SGList) != 1 || wr.SGList[0].Length != 8 || wr.RemoteAddr%8 != 0 {
		return WCRemoteInvalidReqErr
	}

	mr, off, status := b.remoteSegment(peer, wr, 8, MRAccessRemoteAtomic)
	if status != WCSuccess {
		return status
	}

	p := word64(mr.buf, off)

	var orig uint64

	if wr.Opcode == WROpAtomicFetchAdd {
		orig = atomic.AddUint64(p, wr.CompareAdd) - wr.CompareAdd
	} else {
		for {
			orig = atomic.LoadUint64(p)
			if orig != wr.CompareAdd || atomic.CompareAndSwapUint64(p, orig, wr.Swap) {
				break
			}
		}
	}

	dmr, doff, _ := b.localSegment(qp, wr.SGList, true)
	if doff%8 == 0 {
		atomic.StoreUint64(word64(dmr.buf, doff), orig)
	} else {
		var v [8]byte

		binary.NativeEndian.PutUint64(v[:], orig)
		copyAtomic(dmr.buf, doff, v[:], 0, 8)
	}

	return WCSuccess
}

var sendOpcodes = map[WROpcode]WCOpcode{
	WROpSend:             WCOpSend,
	WROpSendWithImm:      WCOpSend,
	WROpRDMAWrite:        WCOpRDMAWrite,
	WROpRDMAWriteWithImm: WCOpRDMAWrite,
	WROpRDMARead:         WCOpRDMARead,
	WROpAtomicCmpAndSwp:  WCOpCompSwap,
	WROpAtomicFetchAdd:   WCOpFetchAdd,
}

func (b *SimulatedVerbsBackend) completeSend(qp *simulatedQP, wr *VerbsSendWR, status WCStatus, byteLen uint32) {
	if status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	if !qp.signaled(wr) {
		return
	}

	b.pushCompletion(qp.sendCQ, VerbsWorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  sendOpcodes[wr.Opcode],
		ByteLen: byteLen,
		QPN:     qp.attr.QPN,
	})
}

func (b *SimulatedVerbsBackend) pushCompletion(cq VerbsCQ, wc VerbsWorkCompletion) {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	simCQ.completions = append(simCQ.completions, wc)

	if !simCQ.armed {
		return
	}

	simCQ.armed = false

	ch, ok := b.channels[simCQ.channel]
	if !ok {
		return
	}

	ch.events = append(ch.events, cq)

	select {
	case ch.notify <- struct{}{}:
	default:
	}
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"atomics":        atomic.LoadInt64(&b.metrics.Atomics),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"dropped":        atomic.LoadInt64(&b.metrics.Dropped),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
