package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/safety.report/internal/config"
	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/vision/monitor"
	"github.com/banshee-data/safety.report/internal/vision/pipeline"
	"github.com/banshee-data/safety.report/internal/vision/storage/sqlite"
	"github.com/banshee-data/safety.report/internal/vision/synthetic"
)

type serveOptions struct {
	configPath string
	dbPath     string
	httpAddr   string
	grpcAddr   string
	logLevel   string
	cameras    int
	fps        float64
	seed       uint64
	latency    time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine over synthetic camera feeds",
		Long: `Run the engine over synthetic camera feeds, persisting verdict events to
SQLite and serving /metrics, /api and /debug over HTTP plus gRPC health.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", config.DefaultConfigPath, "engine config JSON")
	f.StringVar(&opts.dbPath, "db", "sentinel.db", "SQLite event store path")
	f.StringVar(&opts.httpAddr, "listen", ":8080", "HTTP monitor address")
	f.StringVar(&opts.grpcAddr, "grpc", ":50051", "gRPC health address (empty disables)")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.IntVar(&opts.cameras, "cameras", 2, "number of synthetic cameras")
	f.Float64Var(&opts.fps, "fps", 10, "frames per second per camera")
	f.Uint64Var(&opts.seed, "seed", 1, "seed for scenes and detector noise")
	f.DurationVar(&opts.latency, "latency", 0, "simulated inference time per stage")
	return cmd
}

// loadConfig reads path. A missing file at the default path falls back to
// built-in defaults; any other failure is an error.
func loadConfig(path string) (*config.EngineConfig, error) {
	cfg, err := config.LoadEngineConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		monitoring.Named("serve").Warnf("%s not found, using built-in defaults", path)
		return config.DefaultEngineConfig(), nil
	}
	return nil, err
}

// engine is everything serve runs, built before any listener opens.
type engine struct {
	pipeline *pipeline.Pipeline
	cameras  []*synthetic.Camera
	store    *sqlite.EventStore
}

func buildEngine(cfg *config.EngineConfig, opts serveOptions) (*engine, error) {
	if opts.cameras < 1 {
		return nil, fmt.Errorf("need at least one camera, got %d", opts.cameras)
	}
	if opts.fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %v", opts.fps)
	}
	store, err := sqlite.Open(opts.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	interval := time.Duration(float64(time.Second) / opts.fps)
	world := synthetic.NewWorld()
	var cams []*synthetic.Camera
	for i := range opts.cameras {
		scene := synthetic.NewScene(fmt.Sprintf("cam-%d", i+1), opts.seed+uint64(i), synthetic.SceneConfig{
			IdleEvery: 100,
			IdleFor:   30,
		})
		world.Add(scene)
		cams = append(cams, &synthetic.Camera{Scene: scene, Interval: interval})
	}

	p, err := pipeline.New(cfg, pipeline.Options{
		Stages:     synthetic.Stages(world, synthetic.DetectorConfig{Seed: opts.seed, Latency: opts.latency}),
		Boundaries: []pipeline.BoundarySink{store},
		Frames:     []pipeline.FrameSink{store},
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &engine{pipeline: p, cameras: cams, store: store}, nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger, err := monitoring.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	monitoring.SetLogger(logger)
	defer logger.Sync() //nolint:errcheck
	monitoring.RegisterMetrics()
	log := monitoring.Named("serve")

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	e, err := buildEngine(cfg, opts)
	if err != nil {
		return err
	}
	// Closing the pipeline drains it and closes the store.
	defer func() {
		if err := e.pipeline.Close(); err != nil {
			log.Errorf("close pipeline: %v", err)
		}
	}()

	mon, err := monitor.New(monitor.Config{
		Address:  opts.httpAddr,
		Source:   e.pipeline,
		Store:    e.store,
		Gatherer: monitoring.Registry,
	})
	if err != nil {
		return err
	}

	var lis net.Listener
	if opts.grpcAddr != "" {
		if lis, err = net.Listen("tcp", opts.grpcAddr); err != nil {
			return fmt.Errorf("listen %s: %w", opts.grpcAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pipeline.Run(ctx) })
	g.Go(func() error { return mon.Start(ctx) })
	for _, cam := range e.cameras {
		g.Go(func() error { return cam.Run(ctx, e.pipeline) })
	}

	if lis != nil {
		reporter := newHealthReporter(e.pipeline.Saturated, time.Second, nil)
		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, reporter.server)
		g.Go(func() error { return reporter.run(ctx) })
		g.Go(func() error { return serveGRPC(ctx, srv, lis) })
		log.Infof("gRPC health on %s", lis.Addr())
	}

	log.Infof("sentinel serving %d cameras at %.1f fps, monitor on %s", len(e.cameras), opts.fps, opts.httpAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("graceful shutdown complete")
	return nil
}
