// Package healthsrv implements the lightweight /health and /stats
// HTTP surface served alongside the engine's data path: an
// operator-facing sidecar, not a data-plane routing layer.
package healthsrv

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
)

// HealthChecker is implemented by whatever owns the engine(s) this
// server reports on. It is a narrow duck-typed interface rather than
// a direct dependency on volume.Engine so this package stays usable
// by anything with a lifecycle state worth reporting.
type HealthChecker interface {
	// Healthy reports whether the checked volume can currently serve
	// reads and writes (Running or Degraded, not Halted/Destroyed).
	Healthy() bool
	// StateString names the current lifecycle stage for humans.
	StateString() string
}

// Server serves /health (plain-text liveness per HealthChecker) and
// /stats (Prometheus text exposition) over fasthttp.
type Server struct {
	addr     string
	checkers map[string]HealthChecker
	registry *prometheus.Registry
	srv      *fasthttp.Server
}

// New builds a Server bound to addr. Register volumes with
// RegisterVolume before calling ListenAndServe; RegisterCollector adds
// any package's prometheus.Collector (e.g. scocache.Cache.Collectors())
// to the /stats output.
func New(addr string) *Server {
	s := &Server{
		addr:     addr,
		checkers: make(map[string]HealthChecker),
		registry: prometheus.NewRegistry(),
	}
	s.srv = &fasthttp.Server{Handler: s.handle}
	return s
}

func (s *Server) RegisterVolume(volumeID string, hc HealthChecker) {
	s.checkers[volumeID] = hc
}

func (s *Server) RegisterCollector(c ...prometheus.Collector) error {
	for _, col := range c {
		if err := s.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/stats":
		fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if len(s.checkers) == 0 {
		ctx.SetStatusCode(fasthttp.StatusOK)
		fmt.Fprintf(ctx, "ok\n")
		return
	}
	allHealthy := true
	for id, hc := range s.checkers {
		fmt.Fprintf(ctx, "%s %s\n", id, hc.StateString())
		if !hc.Healthy() {
			allHealthy = false
		}
	}
	if !allHealthy {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// ListenAndServe blocks serving on addr until the listener fails or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	glog.Infof("healthsrv: listening on %s", s.addr)
	return s.srv.ListenAndServe(s.addr)
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
