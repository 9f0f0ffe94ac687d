package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusCollectorRecordsAcquireDuration(t *testing.T) {
	c := NewPrometheusCollector()
	c.Record(Event{Kind: KindPoolAcquire, SessionName: "s1", Reused: false, DurationMs: 1500, PoolSize: 2})

	if got := testutil.ToFloat64(c.acquireTotal.WithLabelValues("s1", "false")); got != 1 {
		t.Fatalf("expected acquire_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.poolSize.WithLabelValues("s1")); got != 2 {
		t.Fatalf("expected pool_size=2, got %v", got)
	}

	var m dto.Metric
	if err := c.acquireSeconds.WithLabelValues("s1").(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Fatalf("expected 1 histogram observation, got %d", m.Histogram.GetSampleCount())
	}
	if got := m.Histogram.GetSampleSum(); got != 1.5 {
		t.Fatalf("expected sum=1.5s, got %v", got)
	}
}

func TestPrometheusCollectorRecordsReleaseAndDestroyed(t *testing.T) {
	c := NewPrometheusCollector()
	c.Record(Event{Kind: KindPoolRelease, SessionName: "s1", PoolSize: 1})
	c.Record(Event{Kind: KindPoolBrowserDestroyed, SessionName: "s1", Reason: ReasonIdle})
	c.Record(Event{Kind: KindPoolBrowserDestroyed, SessionName: "s1", Reason: ReasonDrain})

	if got := testutil.ToFloat64(c.releaseTotal.WithLabelValues("s1")); got != 1 {
		t.Fatalf("expected release_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.destroyedTotal.WithLabelValues("s1", string(ReasonIdle))); got != 1 {
		t.Fatalf("expected destroyed_total{reason=idle}=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.destroyedTotal.WithLabelValues("s1", string(ReasonDrain))); got != 1 {
		t.Fatalf("expected destroyed_total{reason=drain}=1, got %v", got)
	}
}

func TestPrometheusCollectorSubscribeReceivesEventsInOrder(t *testing.T) {
	c := NewPrometheusCollector()
	var got []Kind
	unsubscribe := c.Subscribe(func(e Event) {
		got = append(got, e.Kind)
	})
	defer unsubscribe()

	c.Record(Event{Kind: KindPoolAcquire})
	c.Record(Event{Kind: KindPoolRelease})
	c.Record(Event{Kind: KindPoolExhausted})

	want := []Kind{KindPoolAcquire, KindPoolRelease, KindPoolExhausted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPrometheusCollectorUnsubscribeStopsDelivery(t *testing.T) {
	c := NewPrometheusCollector()
	var n int
	unsubscribe := c.Subscribe(func(e Event) { n++ })
	c.Record(Event{Kind: KindPoolAcquire})
	unsubscribe()
	c.Record(Event{Kind: KindPoolAcquire})

	if n != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", n)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c := NewPrometheusCollector()
	c.Record(Event{Kind: KindPoolAcquire, SessionName: "s1", DurationMs: 10})
	if c.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
	_ = time.Now()
}
