package rdma

import (
	"fmt"
	"strings"
)

// Queue pair tuning shared by every connection the engine sets up.
const (
	QKey            = 0x11111111
	GRHSize         = 40
	MinRNRTimer     = 12
	LocalAckTimeout = 14
	RetryCount      = 7
	RNRRetryCount   = 7
	MaxServiceLevel = 15
	MaxSrcPathBits  = 127
)

// PathConfig carries what the state transitions need to know about the
// local port and negotiated limits.
type PathConfig struct {
	MTU  MTU
	Port uint8
	Rate Rate
	// RdAtomic is the local responder depth; PeerRdAtomic bounds what this
	// side may have outstanding against the peer.
	RdAtomic     uint8
	PeerRdAtomic uint8
	SL           uint8
	SrcPathBits  uint8
}

// TransportKind captures everything that differs between RC, UC and UD
// queue pairs, so the lifecycle and posting code never branches on type.
type TransportKind interface {
	QPType() QPType
	Name() string
	// InitAccessFlags returns the remote access granted at INIT.
	InitAccessFlags() int
	InitAttrs(port uint8) (*VerbsQPAttr, QPAttrMask)
	ReadyToReceiveAttrs(remote ConnectionParams, path PathConfig) (*VerbsQPAttr, QPAttrMask)
	ReadyToSendAttrs(local ConnectionParams, path PathConfig) (*VerbsQPAttr, QPAttrMask)
	SupportsRdmaRead() bool
	SupportsAtomics() bool
	// NeedsAddressHandle is true for datagram transports, which address the
	// peer per work request.
	NeedsAddressHandle() bool
	// HeaderReserve is the space a receive buffer needs ahead of the payload.
	HeaderReserve() int
}

// Transport kinds.
var (
	RC TransportKind = rcTransport{}
	UC TransportKind = ucTransport{}
	UD TransportKind = udTransport{}
)

// ParseTransportKind resolves "rc", "uc" or "ud".
func ParseTransportKind(name string) (TransportKind, error) {
	switch strings.ToLower(name) {
	case "rc":
		return RC, nil
	case "uc":
		return UC, nil
	case "ud":
		return UD, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrConfiguration, name)
	}
}

func baseInitAttrs(port uint8) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{
		State:     QPStateInit,
		PKeyIndex: 0,
		PortNum:   port,
	}, QPAttrState | QPAttrPKeyIndex | QPAttrPort
}

func addressVector(remote ConnectionParams, path PathConfig) VerbsAHAttr {
	return VerbsAHAttr{
		DLID:        uint16(remote.LID), //nolint:gosec // G115: LIDs are 16 bit on the wire
		PortNum:     path.Port,
		StaticRate:  uint8(path.Rate),
		SL:          path.SL,
		SrcPathBits: path.SrcPathBits,
	}
}

type rcTransport struct{}

func (rcTransport) QPType() QPType { return QPTypeRC }
func (rcTransport) Name() string   { return "rc" }

func (rcTransport) InitAccessFlags() int {
	return MRAccessRemoteRead | MRAccessRemoteWrite | MRAccessRemoteAtomic
}

func (t rcTransport) InitAttrs(port uint8) (*VerbsQPAttr, QPAttrMask) {
	attr, mask := baseInitAttrs(port)
	attr.QPAccessFlags = t.InitAccessFlags()

	return attr, mask | QPAttrAccessFlags
}

func (rcTransport) ReadyToReceiveAttrs(remote ConnectionParams, path PathConfig) (*VerbsQPAttr, QPAttrMask) {
	attr := &VerbsQPAttr{
		State:           QPStateRTR,
		AHAttr:          addressVector(remote, path),
		PathMTU:         path.MTU,
		DestQPN:         remote.QPN,
		RQPsn:           remote.PSN,
		MaxDestRdAtomic: path.RdAtomic,
		MinRnrTimer:     MinRNRTimer,
	}

	return attr, QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
		QPAttrRQPSN | QPAttrMaxDestRdAtomic | QPAttrMinRNRTimer
}

func (rcTransport) ReadyToSendAttrs(local ConnectionParams, path PathConfig) (*VerbsQPAttr, QPAttrMask) {
	attr := &VerbsQPAttr{
		State:       QPStateRTS,
		Timeout:     LocalAckTimeout,
		RetryCnt:    RetryCount,
		RnrRetry:    RNRRetryCount,
		SQPsn:       local.PSN,
		MaxRdAtomic: path.PeerRdAtomic,
	}

	return attr, QPAttrState | QPAttrTimeout | QPAttrRetryCnt | QPAttrRNRRetry |
		QPAttrSQPSN | QPAttrMaxQPRdAtomic
}

func (rcTransport) SupportsRdmaRead() bool   { return true }
func (rcTransport) SupportsAtomics() bool    { return true }
func (rcTransport) NeedsAddressHandle() bool { return false }
func (rcTransport) HeaderReserve() int       { return 0 }

type ucTransport struct{}

func (ucTransport) QPType() QPType { return QPTypeUC }
func (ucTransport) Name() string   { return "uc" }

// UC has no responder resources for reads or atomics.
func (ucTransport) InitAccessFlags() int {
	return MRAccessRemoteWrite
}

func (t ucTransport) InitAttrs(port uint8) (*VerbsQPAttr, QPAttrMask) {
	attr, mask := baseInitAttrs(port)
	attr.QPAccessFlags = t.InitAccessFlags()

	return attr, mask | QPAttrAccessFlags
}

func (ucTransport) ReadyToReceiveAttrs(remote ConnectionParams, path PathConfig) (*VerbsQPAttr, QPAttrMask) {
	attr := &VerbsQPAttr{
		State:   QPStateRTR,
		AHAttr:  addressVector(remote, path),
		PathMTU: path.MTU,
		DestQPN: remote.QPN,
		RQPsn:   remote.PSN,
	}

	return attr, QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN | QPAttrRQPSN
}

func (ucTransport) ReadyToSendAttrs(local ConnectionParams, _ PathConfig) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{State: QPStateRTS, SQPsn: local.PSN}, QPAttrState | QPAttrSQPSN
}

func (ucTransport) SupportsRdmaRead() bool   { return false }
func (ucTransport) SupportsAtomics() bool    { return false }
func (ucTransport) NeedsAddressHandle() bool { return false }
func (ucTransport) HeaderReserve() int       { return 0 }

type udTransport struct{}

func (udTransport) QPType() QPType { return QPTypeUD }
func (udTransport) Name() string   { return "ud" }

func (udTransport) InitAccessFlags() int { return 0 }

func (udTransport) InitAttrs(port uint8) (*VerbsQPAttr, QPAttrMask) {
	attr, mask := baseInitAttrs(port)
	attr.QKey = QKey

	return attr, mask | QPAttrQKey
}

func (udTransport) ReadyToReceiveAttrs(_ ConnectionParams, _ PathConfig) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{State: QPStateRTR}, QPAttrState
}

func (udTransport) ReadyToSendAttrs(local ConnectionParams, _ PathConfig) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{State: QPStateRTS, SQPsn: local.PSN}, QPAttrState | QPAttrSQPSN
}

func (udTransport) SupportsRdmaRead() bool   { return false }
func (udTransport) SupportsAtomics() bool    { return false }
func (udTransport) NeedsAddressHandle() bool { return true }
func (udTransport) HeaderReserve() int       { return GRHSize }
