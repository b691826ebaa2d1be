package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDatagramReceived()
	m.RecordConnect()
	m.SetActivePeers(3)

	count, err := testutil.GatherAndCount(reg, "relay_datagrams_received_total", "relay_active_peers")
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 metric series, got %d", count)
	}

	// A second instance on a fresh registry must not collide
	NewMetrics(prometheus.NewRegistry())
}

func TestRecordSend(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSend("data", nil)
	m.RecordSend("data", nil)
	m.RecordSend("data", errors.New("unreachable"))

	if got := testutil.ToFloat64(m.Sends.WithLabelValues("data")); got != 2 {
		t.Errorf("Expected 2 sends, got %v", got)
	}
	if got := testutil.ToFloat64(m.SendErrors.WithLabelValues("data")); got != 1 {
		t.Errorf("Expected 1 send error, got %v", got)
	}
}

func TestRecordLocationWrite(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLocationWrite(nil, 0.01)
	m.RecordLocationWrite(errors.New("db down"), 0.5)

	if got := testutil.ToFloat64(m.LocationWrites.WithLabelValues("success")); got != 1 {
		t.Errorf("Expected 1 successful write, got %v", got)
	}
	if got := testutil.ToFloat64(m.LocationWrites.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed write, got %v", got)
	}
}

func TestRecordBroadcast(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBroadcast(2)
	m.RecordBroadcast(0)

	if got := testutil.ToFloat64(m.Broadcasts); got != 2 {
		t.Errorf("Expected 2 broadcasts, got %v", got)
	}
	if got := testutil.CollectAndCount(m.BroadcastFanout); got != 1 {
		t.Errorf("Expected 1 histogram series, got %d", got)
	}
}
