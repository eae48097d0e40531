package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveRefresh_Success(t *testing.T) {
	before := counterValue(t, RefreshTotal.WithLabelValues("success"))

	ObserveRefresh("metrics-ok", time.Now(), nil, 77)

	if got := counterValue(t, RefreshTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("success counter = %v, want %v", got, before+1)
	}
	if got := gaugeValue(t, TrackerAvailable.WithLabelValues("metrics-ok")); got != 1 {
		t.Errorf("available = %v, want 1", got)
	}
	if got := gaugeValue(t, TrackerBattery.WithLabelValues("metrics-ok")); got != 77 {
		t.Errorf("battery = %v, want 77", got)
	}
}

func TestObserveRefresh_FailureKeepsBattery(t *testing.T) {
	ObserveRefresh("metrics-fail", time.Now(), nil, 50)
	before := counterValue(t, RefreshTotal.WithLabelValues("failed"))

	ObserveRefresh("metrics-fail", time.Now(), errors.New("boom"), 0)

	if got := counterValue(t, RefreshTotal.WithLabelValues("failed")); got != before+1 {
		t.Errorf("failed counter = %v, want %v", got, before+1)
	}
	if got := gaugeValue(t, TrackerAvailable.WithLabelValues("metrics-fail")); got != 0 {
		t.Errorf("available = %v, want 0", got)
	}
	if got := gaugeValue(t, TrackerBattery.WithLabelValues("metrics-fail")); got != 50 {
		t.Errorf("battery = %v, want last good value 50", got)
	}
}
