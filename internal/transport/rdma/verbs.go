// Package rdma drives an RDMA network interface through its queue pair and
// completion queue interface to measure bandwidth, latency and messaging rate.
//
// This file defines the verbs abstraction the benchmark engine is written
// against. Two backends implement it:
// - SimulatedVerbsBackend: an in-memory loopback fabric (default build)
// - HardwareVerbsBackend: libibverbs bindings through cgo
//
// Build Tags:
// - Default: Uses simulated backend (no hardware required)
// - rdma_hw: Uses actual libibverbs bindings (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"context"
	"errors"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrCompChannelCreation = errors.New("failed to create completion channel")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrAHCreation          = errors.New("failed to create address handle")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrCQEvent             = errors.New("failed to get completion queue event")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrQueryFailed         = errors.New("verbs query failed")
	ErrUnsupportedOp       = errors.New("operation not supported by transport")
	ErrInterrupted         = errors.New("interrupted")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(dev VerbsContext) error
	QueryDevice(dev VerbsContext) (*VerbsDeviceAttr, error)
	QueryPort(dev VerbsContext, port int) (*VerbsPortAttr, error)

	// Completion Channel
	CreateCompChannel(dev VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error

	// Protection Domain
	AllocPD(dev VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Queue
	CreateCQ(dev VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error)
	ReqNotifyCQ(cq VerbsCQ) error
	// GetCQEvent blocks until the channel delivers an event or ctx is done,
	// in which case the returned error wraps ErrInterrupted.
	GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error)
	AckCQEvents(cq VerbsCQ, n int)

	// Queue Pair
	CreateQP(pd VerbsPD, attr *VerbsQPInitAttr) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (*VerbsMRInfo, error)
	DeregMR(mr VerbsMR) error

	// Address Handle
	CreateAH(pd VerbsPD, attr *VerbsAHAttr) (VerbsAH, error)
	DestroyAH(ah VerbsAH) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsCompChannel uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr
type VerbsAH uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = 2 // Reliable Connection
	QPTypeUC QPType = 3 // Unreliable Connection
	QPTypeUD QPType = 4 // Unreliable Datagram
)

// QPState represents queue pair states.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// QPAttrMask selects which VerbsQPAttr fields a ModifyQP call applies.
type QPAttrMask int

const (
	QPAttrState           QPAttrMask = 1 << 0
	QPAttrCurState        QPAttrMask = 1 << 1
	QPAttrAccessFlags     QPAttrMask = 1 << 3
	QPAttrPKeyIndex       QPAttrMask = 1 << 4
	QPAttrPort            QPAttrMask = 1 << 5
	QPAttrQKey            QPAttrMask = 1 << 6
	QPAttrAV              QPAttrMask = 1 << 7
	QPAttrPathMTU         QPAttrMask = 1 << 8
	QPAttrTimeout         QPAttrMask = 1 << 9
	QPAttrRetryCnt        QPAttrMask = 1 << 10
	QPAttrRNRRetry        QPAttrMask = 1 << 11
	QPAttrRQPSN           QPAttrMask = 1 << 12
	QPAttrMaxQPRdAtomic   QPAttrMask = 1 << 13
	QPAttrMinRNRTimer     QPAttrMask = 1 << 15
	QPAttrSQPSN           QPAttrMask = 1 << 16
	QPAttrMaxDestRdAtomic QPAttrMask = 1 << 17
	QPAttrCap             QPAttrMask = 1 << 19
	QPAttrDestQPN         QPAttrMask = 1 << 20
)

// Memory region and queue pair access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// Send flags.
const (
	SendFence     = 1 << 0
	SendSignaled  = 1 << 1
	SendSolicited = 1 << 2
	SendInline    = 1 << 3
)

// Work completion flags.
const (
	WCFlagGRH     = 1 << 0
	WCFlagWithImm = 1 << 1
)

// MTU is the path MTU enumeration used in queue pair attributes.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << int(m)
}

// PortState represents the logical port state.
type PortState int

const (
	PortStateNop PortState = iota
	PortStateDown
	PortStateInit
	PortStateArmed
	PortStateActive
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend            WCOpcode = 0
	WCOpRDMAWrite       WCOpcode = 1
	WCOpRDMARead        WCOpcode = 2
	WCOpCompSwap        WCOpcode = 3
	WCOpFetchAdd        WCOpcode = 4
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

// WROpcode is the operation carried by a send work request.
type WROpcode int

const (
	WROpRDMAWrite        WROpcode = 0
	WROpRDMAWriteWithImm WROpcode = 1
	WROpSend             WROpcode = 2
	WROpSendWithImm      WROpcode = 3
	WROpRDMARead         WROpcode = 4
	WROpAtomicCmpAndSwp  WROpcode = 5
	WROpAtomicFetchAdd   WROpcode = 6
)

// IsAtomic reports whether the opcode is one of the 8-byte atomics.
func (op WROpcode) IsAtomic() bool {
	return op == WROpAtomicCmpAndSwp || op == WROpAtomicFetchAdd
}

// IsRDMA reports whether the opcode addresses remote memory directly.
func (op WROpcode) IsRDMA() bool {
	return op == WROpRDMAWrite || op == WROpRDMAWriteWithImm || op == WROpRDMARead
}

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsDeviceAttr holds the device limits the engine consults.
type VerbsDeviceAttr struct {
	FWVer           string
	MaxQP           int
	MaxQPWR         int
	MaxCQE          int
	MaxSGE          int
	MaxQPRdAtom     int
	MaxQPInitRdAtom int
	PhysPortCnt     int
}

// VerbsPortAttr holds the port attributes the engine consults.
type VerbsPortAttr struct {
	State     PortState
	MaxMTU    MTU
	ActiveMTU MTU
	LID       uint16
	SMLID     uint16
	LMC       uint8
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPInitAttr contains queue pair creation attributes.
type VerbsQPInitAttr struct {
	SendCQ   VerbsCQ
	RecvCQ   VerbsCQ
	Cap      VerbsQPCap
	QPType   QPType
	SQSigAll bool
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           QPState
	CurState        QPState
	PathMTU         MTU
	AHAttr          VerbsAHAttr
	QPN             uint32
	DestQPN         uint32
	QKey            uint32
	RQPsn           uint32
	SQPsn           uint32
	QPAccessFlags   int
	Cap             VerbsQPCap
	PKeyIndex       uint16
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsMRInfo describes a registered memory region.
type VerbsMRInfo struct {
	Handle VerbsMR
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	ImmData    uint32
	RemoteAddr uint64
	RKey       uint32
	CompareAdd uint64
	Swap       uint64
	AH         VerbsAH
	RemoteQPN  uint32
	RemoteQKey uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}
