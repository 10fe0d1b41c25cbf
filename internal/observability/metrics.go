package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/model"
)

// GeoreferenceCollector bundles Prometheus metrics for the georeference
// engine and its gRPC surface. It implements core.MetricsRecorder.
type GeoreferenceCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	OriginUpdates       *prometheus.CounterVec
	RegisteredObjects   prometheus.Gauge
	SubLevelTransitions *prometheus.CounterVec
	SubLevelLoaded      *prometheus.GaugeVec
	InsideSublevel      prometheus.Gauge
	Rebases             prometheus.Counter
	FloatingOrigin      *prometheus.GaugeVec
	TickDurations       prometheus.Histogram
}

var _ core.MetricsRecorder = (*GeoreferenceCollector)(nil)

// NewGeoreferenceCollector registers the metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewGeoreferenceCollector(reg prometheus.Registerer) (*GeoreferenceCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	r := &registration{reg: reg}
	c := &GeoreferenceCollector{
		gatherer: gatherer,
		RPCRequests: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "georef_requests_total",
			Help: "Handled georeference RPCs by service, method and gRPC status code.",
		}, []string{"service", "method", "code"})),
		RPCDurations: register(r, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "georef_request_duration_seconds",
			Help:    "Georeference RPC latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"service", "method"})),
		OriginUpdates: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "georef_origin_updates_total",
			Help: "Transform chain recomputations, labeled by origin placement.",
		}, []string{"placement"})),
		RegisteredObjects: register(r, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "georef_registered_objects",
			Help: "Objects registered for georeference update notifications.",
		})),
		SubLevelTransitions: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "georef_sublevel_transitions_total",
			Help: "Sub-level load and unload requests, labeled by sub-level and direction.",
		}, []string{"sublevel", "state"})),
		SubLevelLoaded: register(r, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "georef_sublevel_loaded",
			Help: "1 when the sub-level was last requested loaded, 0 otherwise.",
		}, []string{"sublevel"})),
		InsideSublevel: register(r, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "georef_inside_sublevel",
			Help: "1 while the viewer is inside a sub-level.",
		})),
		Rebases: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "georef_rebases_total",
			Help: "Floating origin changes requested from the host.",
		})),
		FloatingOrigin: register(r, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "georef_floating_origin",
			Help: "Current floating origin in engine units, labeled by axis.",
		}, []string{"axis"})),
		TickDurations: register(r, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "georef_tick_duration_seconds",
			Help:    "Wall-clock duration of one simulation tick.",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		})),
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// registration carries the first registration error through a run of
// register calls.
type registration struct {
	reg prometheus.Registerer
	err error
}

// register adds c to r.reg. When an equal collector is already registered
// the existing one is returned so that several collectors can share a
// registry.
func register[C prometheus.Collector](r *registration, c C) C {
	if r.err != nil {
		return c
	}
	err := r.reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
		r.err = fmt.Errorf("collector %T already registered with a different type", c)
		return c
	}
	r.err = err
	return c
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *GeoreferenceCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GeoreferenceCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *GeoreferenceCollector) ObserveOriginUpdate(placement model.OriginPlacement) {
	if c == nil || c.OriginUpdates == nil {
		return
	}
	c.OriginUpdates.WithLabelValues(placement.String()).Inc()
}

func (c *GeoreferenceCollector) SetRegisteredObjects(n int) {
	if c == nil || c.RegisteredObjects == nil {
		return
	}
	c.RegisteredObjects.Set(float64(n))
}

func (c *GeoreferenceCollector) ObserveSubLevelTransition(name string, loaded bool) {
	if c == nil {
		return
	}
	state, value := "unloaded", 0.0
	if loaded {
		state, value = "loaded", 1.0
	}
	if c.SubLevelTransitions != nil {
		c.SubLevelTransitions.WithLabelValues(name, state).Inc()
	}
	if c.SubLevelLoaded != nil {
		c.SubLevelLoaded.WithLabelValues(name).Set(value)
	}
}

func (c *GeoreferenceCollector) ObserveRebase(origin core.IntVector) {
	if c == nil {
		return
	}
	if c.Rebases != nil {
		c.Rebases.Inc()
	}
	if c.FloatingOrigin != nil {
		c.FloatingOrigin.WithLabelValues("x").Set(float64(origin.X))
		c.FloatingOrigin.WithLabelValues("y").Set(float64(origin.Y))
		c.FloatingOrigin.WithLabelValues("z").Set(float64(origin.Z))
	}
}

func (c *GeoreferenceCollector) SetInsideSublevel(inside bool) {
	if c == nil || c.InsideSublevel == nil {
		return
	}
	if inside {
		c.InsideSublevel.Set(1)
		return
	}
	c.InsideSublevel.Set(0)
}

// ObserveTick records the wall-clock cost of one simulation tick.
func (c *GeoreferenceCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDurations == nil {
		return
	}
	c.TickDurations.Observe(d.Seconds())
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
