package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSync(t *testing.T) {
	before := testutil.ToFloat64(SyncTotal.WithLabelValues("PUSH_FIRING", "success"))
	RecordSync("PUSH_FIRING", true)
	RecordSync("PUSH_FIRING", false)
	after := testutil.ToFloat64(SyncTotal.WithLabelValues("PUSH_FIRING", "success"))
	if after != before+1 {
		t.Errorf("success counter moved by %v, want 1", after-before)
	}
	if testutil.ToFloat64(SyncTotal.WithLabelValues("PUSH_FIRING", "failure")) < 1 {
		t.Error("failure counter not incremented")
	}
}

func TestSetDBPoolStats(t *testing.T) {
	SetDBPoolStats(3, 2, 5)
	if got := testutil.ToFloat64(DBPoolConnections.WithLabelValues("total")); got != 5 {
		t.Errorf("total gauge = %v, want 5", got)
	}
	if got := testutil.ToFloat64(DBPoolConnections.WithLabelValues("idle")); got != 2 {
		t.Errorf("idle gauge = %v, want 2", got)
	}
}

func TestObserveHelpers(t *testing.T) {
	// Should not panic
	ObserveSyncDuration("cycle", 250*time.Millisecond)
	ObserveDBQuery("fetch_new_active", 5*time.Millisecond)
	ObserveBackendRequest("alertmanager", "POST", "/api/v2/alerts", 30*time.Millisecond)
	RecordAlarmProcessed("new")
	RecordError("engine", "api")
}
