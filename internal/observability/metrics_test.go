package observability

import (
	"testing"
	"time"

	"github.com/danmuck/edgebinder/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordTransaction("outgoing", "ok")
	RecordDeadReply()
	RecordLooperSpawned()
	RecordObituary()
	ObserveDispatch(time.Millisecond)
	SetKernelProcesses(3)

	if got := testutil.ToFloat64(kernelProcesses); got != 3 {
		t.Fatalf("kernel processes gauge got=%v", got)
	}
	if got := testutil.ToFloat64(transactions.WithLabelValues("outgoing", "ok")); got < 1 {
		t.Fatalf("transactions counter got=%v", got)
	}
}
