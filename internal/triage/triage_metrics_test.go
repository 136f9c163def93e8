package triage

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	h.OnTransition(StateLoadInbox, StateCheckMore)
	h.OnCapability("classify", 0.2, false)
	h.OnCapability("classify", 0.4, true)
	h.OnOutcome(&Outcome{Action: ActionSend, Category: CategoryProductEnquiry, RetryCount: 1, Duration: time.Second})
	h.OnOutcome(&Outcome{Action: ActionEscalate, RetryCount: 3, Duration: 2 * time.Second})
	h.OnCycle(&CycleReport{Fetched: 2})

	if got := testutil.ToFloat64(m.CapabilityTotal.WithLabelValues("classify", "error")); got != 1 {
		t.Errorf("classify errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("escalate", "none")); got != 1 {
		t.Errorf("escalations without category = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("send", "product_enquiry")); got != 1 {
		t.Errorf("sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal); got != 1 {
		t.Errorf("cycles = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.TransitionsTotal); got != 1 {
		t.Errorf("transition series = %d, want 1", got)
	}
}
