package rdma

// TagKind classifies a work request for completion demultiplexing.
type TagKind int

const (
	TagUnknown TagKind = iota
	TagSend
	TagRecv
	TagRDMA
	TagAtomic
)

const (
	wrIDSend   uint64 = 1
	wrIDRecv   uint64 = 2
	wrIDRDMA   uint64 = 3
	wrIDAtomic uint64 = 1 << 32
)

// WRTag identifies the work request a completion belongs to. Atomic tags
// carry the index of the verification slot they target.
type WRTag struct {
	Kind TagKind
	Slot uint32
}

var (
	SendTag = WRTag{Kind: TagSend}
	RecvTag = WRTag{Kind: TagRecv}
	RDMATag = WRTag{Kind: TagRDMA}
)

// AtomicTag returns the tag for an atomic targeting slot.
func AtomicTag(slot int) WRTag {
	return WRTag{Kind: TagAtomic, Slot: uint32(slot)} //nolint:gosec // G115: slot bounded by queue depth
}

// Encode maps the tag onto the 64-bit work request identifier.
func (t WRTag) Encode() uint64 {
	switch t.Kind {
	case TagSend:
		return wrIDSend
	case TagRecv:
		return wrIDRecv
	case TagRDMA:
		return wrIDRDMA
	case TagAtomic:
		return wrIDAtomic | uint64(t.Slot)
	default:
		return 0
	}
}

// DecodeTag maps a work request identifier back onto its tag. Identifiers
// this package never issues decode as TagUnknown.
func DecodeTag(id uint64) WRTag {
	switch {
	case id == wrIDSend:
		return SendTag
	case id == wrIDRecv:
		return RecvTag
	case id == wrIDRDMA:
		return RDMATag
	case id&^0xffffffff == wrIDAtomic:
		return WRTag{Kind: TagAtomic, Slot: uint32(id)} //nolint:gosec // G115: low word only
	default:
		return WRTag{Kind: TagUnknown}
	}
}

func (k TagKind) String() string {
	switch k {
	case TagSend:
		return "send"
	case TagRecv:
		return "recv"
	case TagRDMA:
		return "rdma"
	case TagAtomic:
		return "atomic"
	default:
		return "unknown"
	}
}
