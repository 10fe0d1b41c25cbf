package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/georeference/internal/api"
	"github.com/signalsfoundry/georeference/internal/config"
	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/internal/observability"
	"github.com/signalsfoundry/georeference/internal/sim"
)

// Options are the command-line flags.
type Options struct {
	ConfigPath  string `short:"c" long:"config" env:"GEOREF_CONFIG" description:"Simulation YAML file" default:"configs/georeference.yaml"`
	GRPCAddr    string `long:"grpc-addr" env:"GEOREF_GRPC_ADDR" description:"TCP address the gRPC server listens on" default:":50061"`
	MetricsAddr string `long:"metrics-addr" env:"GEOREF_METRICS_ADDR" description:"HTTP address for Prometheus /metrics; empty disables it" default:":9090"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
	LogFormat   string `long:"log-format" env:"LOG_FORMAT" description:"Log format" choice:"json" choice:"text" choice:"console" default:"text"`
	Realtime    bool   `long:"realtime" description:"Step the clock in wall-clock time even when the config asks for accelerated time"`
	Serve       bool   `long:"serve" description:"Keep serving gRPC after the clock duration elapses, until interrupted"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.String("path", opts.ConfigPath), logging.Error(err))
		os.Exit(1)
	}
	if opts.Realtime {
		cfg.Clock.Accelerated = false
	}

	lis, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", opts.GRPCAddr), logging.Error(err))
		os.Exit(1)
	}

	if err := run(ctx, opts, cfg, log, lis); err != nil {
		log.Error(ctx, "georef-sim exited with error", logging.Error(err))
		os.Exit(1)
	}
}

// run serves the session until ctx is cancelled or, unless opts.Serve is
// set, until the simulation clock finishes.
func run(ctx context.Context, opts Options, cfg config.Config, log logging.Logger, lis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := observability.NewGeoreferenceCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(opts.MetricsAddr, collector, log)

	session, err := sim.NewSession(cfg, log, sim.WithMetrics(collector))
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			api.RequestIDUnaryServerInterceptor(log),
			api.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	api.RegisterGeoreferenceServer(server, api.NewGeoreferenceService(session, log))

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting georeference gRPC server", logging.String("addr", lis.Addr().String()))
		serveErr <- server.Serve(lis)
	}()

	clockDone := session.Start(ctx)
	if opts.Serve {
		clockDone = nil
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-clockDone:
		logSummary(ctx, log, session.Snapshot())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	log.Info(ctx, "shutting down georeference server")
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func logSummary(ctx context.Context, log logging.Logger, snap sim.Snapshot) {
	log.Info(ctx, "simulation finished",
		logging.Int64("ticks", int64(snap.Ticks)),
		logging.String("sim_time", snap.SimTime.Format(time.RFC3339)),
		logging.String("active_sublevel", snap.ActiveSubLevel),
		logging.String("floating_origin", snap.FloatingOrigin.String()),
		logging.Float64("origin_longitude", snap.Origin.Longitude),
		logging.Float64("origin_latitude", snap.Origin.Latitude),
	)
}

func serveMetrics(addr string, collector *observability.GeoreferenceCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Error(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
