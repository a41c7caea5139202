package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// scrape fetches /metrics from Handler and decodes every family.
func scrape(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	srv := httptest.NewServer(Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	dec := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	out := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("decode: %v", err)
		}
		out[mf.GetName()] = mf
	}
	return out
}

func counterValue(mf *dto.MetricFamily, label, value string) float64 {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestHandler_ExposesReportCounters(t *testing.T) {
	before := scrape(t)
	base := 0.0
	if mf, ok := before["sightline_reports_total"]; ok {
		base = counterValue(mf, "outcome", OutcomeNew)
	}

	ReportsTotal.WithLabelValues(OutcomeNew).Inc()
	ReportsTotal.WithLabelValues(OutcomeNew).Inc()

	after := scrape(t)
	mf, ok := after["sightline_reports_total"]
	if !ok {
		t.Fatal("sightline_reports_total not exported")
	}
	if got := counterValue(mf, "outcome", OutcomeNew); got != base+2 {
		t.Errorf("reports_total{outcome=new}: got %v, want %v", got, base+2)
	}
}

func TestObserveSweep(t *testing.T) {
	ObserveSweep(3, 1, 2, 5*time.Millisecond)

	fams := scrape(t)
	mf, ok := fams["sightline_sweep_removed_total"]
	if !ok {
		t.Fatal("sightline_sweep_removed_total not exported")
	}
	if got := counterValue(mf, "reason", "expired"); got < 3 {
		t.Errorf("expired: got %v, want >= 3", got)
	}
	if got := counterValue(mf, "reason", "stale_source"); got < 2 {
		t.Errorf("stale_source: got %v, want >= 2", got)
	}
	h, ok := fams["sightline_sweep_duration_seconds"]
	if !ok {
		t.Fatal("sightline_sweep_duration_seconds not exported")
	}
	if h.GetMetric()[0].GetHistogram().GetSampleCount() == 0 {
		t.Error("sweep histogram has no samples")
	}
}

func TestHandler_IncludesGoCollector(t *testing.T) {
	fams := scrape(t)
	if _, ok := fams["go_goroutines"]; !ok {
		t.Error("go_goroutines missing; Go collector not registered")
	}
}
