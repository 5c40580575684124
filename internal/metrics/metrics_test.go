package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var errRunFailed = errors.New("run failed")

func TestInit(t *testing.T) {
	NodeInfo.Reset()

	Init("node-1", "simulated")

	assert.Equal(t, float64(1), testutil.ToFloat64(NodeInfo.WithLabelValues("node-1", Version, "simulated")))
}

func TestRecordRun(t *testing.T) {
	RunsTotal.Reset()
	RunDuration.Reset()
	BytesTotal.Reset()
	MessagesTotal.Reset()

	before := testutil.ToFloat64(ActiveRuns)

	RunStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveRuns))

	RecordRun("rc_bw", "server", nil, 2*time.Second, Transfer{}, Transfer{Bytes: 65536, Msgs: 1})
	assert.Equal(t, before, testutil.ToFloat64(ActiveRuns))

	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("rc_bw", "server", "ok")))
	assert.Equal(t, float64(65536), testutil.ToFloat64(BytesTotal.WithLabelValues("rc_bw", "recv")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MessagesTotal.WithLabelValues("rc_bw", "recv")))
	assert.Equal(t, float64(0), testutil.ToFloat64(BytesTotal.WithLabelValues("rc_bw", "send")))

	RunStarted()
	RecordRun("rc_bw", "server", errRunFailed, time.Second, Transfer{}, Transfer{})
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("rc_bw", "server", "error")))
}

func TestRecordRequestError(t *testing.T) {
	RequestErrorsTotal.Reset()

	RecordRequestError("version")
	RecordRequestError("version")

	assert.Equal(t, float64(2), testutil.ToFloat64(RequestErrorsTotal.WithLabelValues("version")))
}

func TestVerbsMetrics(t *testing.T) {
	QPTransitionsTotal.Reset()
	CompletionErrorsTotal.Reset()
	UnknownWRTagsTotal.Reset()
	VerificationMismatchesTotal.Reset()
	MaxCQEs.Reset()

	RecordQPTransition("rc", "INIT")
	RecordQPTransition("rc", "RTR")
	RecordQPTransition("rc", "RTS")
	RecordQPTransition("rc", "RTS")
	assert.Equal(t, float64(2), testutil.ToFloat64(QPTransitionsTotal.WithLabelValues("rc", "RTS")))

	RecordCompletionError("rc_bw", "Retries exceeded")
	assert.Equal(t, float64(1), testutil.ToFloat64(CompletionErrorsTotal.WithLabelValues("rc_bw", "Retries exceeded")))

	RecordUnknownWRTag("rc_lat")
	assert.Equal(t, float64(1), testutil.ToFloat64(UnknownWRTagsTotal.WithLabelValues("rc_lat")))

	RecordVerificationMismatch("ver_rc_fetch_add")
	assert.Equal(t, float64(1), testutil.ToFloat64(VerificationMismatchesTotal.WithLabelValues("ver_rc_fetch_add")))

	SetMaxCQEs("rc_bw", 12)
	assert.Equal(t, float64(12), testutil.ToFloat64(MaxCQEs.WithLabelValues("rc_bw")))
}
