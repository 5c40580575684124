package rdma

import "fmt"

var wcStatusNames = [...]string{
	WCSuccess:               "Success",
	WCLocalLenErr:           "Local length error",
	WCLocalQPOpErr:          "Local QP operation failure",
	WCLocalEECOpErr:         "Local EEC operation failure",
	WCLocalProtErr:          "Local protection error",
	WCWRFlushErr:            "WR flush failure",
	WCMWBindErr:             "Memory window bind failure",
	WCBadRespErr:            "Bad response",
	WCLocalAccessErr:        "Local access failure",
	WCRemoteInvalidReqErr:   "Remote invalid request",
	WCRemoteAccessErr:       "Remote access failure",
	WCRemoteOpErr:           "Remote operation failure",
	WCRetryExcErr:           "Retries exceeded",
	WCRnrRetryExcErr:        "RNR retry exceeded",
	WCLocalRddViolErr:       "Local RDD violation",
	WCRemoteInvalidRdReqErr: "Remote invalid read request",
	WCRemoteAbortedErr:      "Remote abort",
	WCInvEECNErr:            "Invalid EECN",
	WCInvEECStateErr:        "Invalid EEC state",
	WCFatalErr:              "Fatal error",
	WCRespTimeoutErr:        "Responder timeout",
	WCGeneralErr:            "General error",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return fmt.Sprintf("CQ error %d", int(s))
}

func (op WROpcode) String() string {
	switch op {
	case WROpAtomicCmpAndSwp:
		return "compare and swap"
	case WROpAtomicFetchAdd:
		return "fetch and add"
	case WROpRDMARead:
		return "rdma read"
	case WROpRDMAWrite:
		return "rdma write"
	case WROpRDMAWriteWithImm:
		return "rdma write with immediate"
	case WROpSend:
		return "send"
	case WROpSendWithImm:
		return "send with immediate"
	default:
		return "unknown operation"
	}
}

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	default:
		return "unknown"
	}
}
