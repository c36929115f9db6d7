package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_ReuseSeries(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `k="1"`)
	b := c.Counter("x_total", "x", `k="1"`)
	if a != b {
		t.Error("same name and labels should return the same counter")
	}
	if c.Counter("x_total", "x", `k="2"`) == a {
		t.Error("different labels should be a different series")
	}
}

func TestCollector_Render(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "B things", `reason="y"`).Add(2)
	c.Counter("b_total", "B things", `reason="x"`).Inc()
	c.Counter("a_total", "A things", "").Inc()
	g := c.Gauge("running", "Running", "")
	g.Inc()
	g.Inc()
	g.Dec()
	h := c.Histogram("lat_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.0625)
	h.Observe(0.5)
	h.Observe(3)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		"a_total 1\n",
		`b_total{reason="x"} 1` + "\n",
		`b_total{reason="y"} 2` + "\n",
		"running 1\n",
		`lat_seconds_bucket{le="0.1"} 1` + "\n",
		`lat_seconds_bucket{le="1"} 2` + "\n",
		`lat_seconds_bucket{le="+Inf"} 3` + "\n",
		"lat_seconds_count 3\n",
		"lat_seconds_sum 3.5625\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE b_total counter") != 1 {
		t.Error("HELP/TYPE should be written once per metric name")
	}
	if strings.Index(out, "a_total 1") > strings.Index(out, "b_total{") {
		t.Error("series should be sorted")
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}
