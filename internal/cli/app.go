package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/export-queue/internal/config"
	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/internal/events"
	"github.com/ChuLiYu/export-queue/internal/metrics"
	"github.com/ChuLiYu/export-queue/internal/server"
	"github.com/ChuLiYu/export-queue/internal/storage/blob"
	"github.com/ChuLiYu/export-queue/internal/storage/wal"
	"github.com/ChuLiYu/export-queue/internal/tracing"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// AppOptions tunes how the application is assembled.
type AppOptions struct {
	// Registry receives the Prometheus collectors; nil uses the default registry.
	Registry *prometheus.Registry
	// NoServer skips the admin HTTP and gRPC listeners.
	NoServer bool
	Version  string
}

// App is a fully wired export queue.
type App struct {
	Config     *config.Config
	Controller *controller.Controller
	Server     *server.Server
	Journal    *wal.WAL
	// JournalBacklog is the number of records written since the last
	// snapshot rotated the journal, counted when the app is built.
	JournalBacklog int

	blobs           blob.Store
	redis           *redis.Client
	shutdownTracing tracing.ShutdownFunc
}

// NewApp builds every component named in cfg. Nothing is started.
func NewApp(ctx context.Context, cfg *config.Config, opts AppOptions) (app *App, err error) {
	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			app.closeResources(context.Background())
		}
	}()

	app.shutdownTracing, err = tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "exportq",
		Version:     opts.Version,
		PrettyPrint: cfg.Tracing.PrettyPrint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	if err := os.MkdirAll(cfg.Content.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content dir: %w", err)
	}
	source, err := content.NewDirStore(cfg.Content.Dir)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}
	app.blobs, err = blob.New(cfg.Storage.Driver, cfg.Storage.Dir, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	bus := events.NewBus(cfg.Events.History)
	if cfg.Journal.Enabled {
		app.Journal, err = wal.NewWAL(cfg.Journal.Path, cfg.Journal.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		bus.AddSink(wal.NewJournal(app.Journal))
		if err := app.Journal.Replay(func(wal.Event) error {
			app.JournalBacklog++
			return nil
		}); err != nil {
			slog.Warn("journal unreadable", "path", cfg.Journal.Path, "error", err)
		}
		slog.Info("journal opened",
			"path", app.Journal.Path(),
			"last_seq", app.Journal.GetLastSeq(),
			"since_snapshot", app.JournalBacklog)
	}
	if cfg.Events.Redis.Enabled {
		sink, client, err := events.NewRedisSink(ctx, cfg.Events.Redis.Addr, cfg.Events.Redis.Channel)
		if err != nil {
			return nil, err
		}
		app.redis = client
		bus.AddSink(sink)
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registerer)
	}

	app.Controller, err = controller.NewController(cfg.ControllerConfig(), controller.Deps{
		Content: source,
		Blobs:   app.blobs,
		Bus:     bus,
		Metrics: collector,
		Journal: app.Journal,
	})
	if err != nil {
		return nil, err
	}

	if !opts.NoServer {
		srvOpts := server.Options{Gatherer: gatherer, Version: opts.Version}
		if cfg.Metrics.Enabled {
			srvOpts.HTTPAddr = cfg.Metrics.Addr
		}
		if cfg.GRPC.Enabled {
			srvOpts.GRPCAddr = cfg.GRPC.Addr
		}
		if srvOpts.HTTPAddr != "" || srvOpts.GRPCAddr != "" {
			app.Server = server.New(app.Controller, srvOpts)
		}
	}
	return app, nil
}

// Start starts the controller, then the listeners.
func (a *App) Start() error {
	if err := a.Controller.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if a.Server != nil {
		if err := a.Server.Start(); err != nil {
			a.Controller.Stop()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}
	return nil
}

// Close stops the listeners and the controller, then releases the sinks and
// stores the controller still writes to while stopping.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Controller != nil {
		a.Controller.Stop()
	}
	errs = append(errs, a.closeResources(ctx))
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
