package healthsrv

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

type fakeChecker struct {
	healthy bool
	state   string
}

func (f fakeChecker) Healthy() bool      { return f.healthy }
func (f fakeChecker) StateString() string { return f.state }

func doRequest(s *Server, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI(path)
	s.handle(ctx)
	return ctx
}

func TestHealthOKWithNoVolumesRegistered(t *testing.T) {
	s := New(":0")
	ctx := doRequest(s, "/health")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHealthReportsUnhealthyVolume(t *testing.T) {
	s := New(":0")
	s.RegisterVolume("v1", fakeChecker{healthy: true, state: "Running"})
	s.RegisterVolume("v2", fakeChecker{healthy: false, state: "Halted"})

	ctx := doRequest(s, "/health")
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHealthAllHealthy(t *testing.T) {
	s := New(":0")
	s.RegisterVolume("v1", fakeChecker{healthy: true, state: "Running"})

	ctx := doRequest(s, "/health")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestStatsServesRegisteredCollectors(t *testing.T) {
	s := New(":0")
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	g.Set(42)
	if err := s.RegisterCollector(g); err != nil {
		t.Fatalf("register collector: %v", err)
	}

	ctx := doRequest(s, "/stats")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !contains(body, "test_gauge 42") {
		t.Fatalf("expected test_gauge in body, got: %s", body)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	s := New(":0")
	ctx := doRequest(s, "/nope")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
