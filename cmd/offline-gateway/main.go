// The offline-gateway sits between the storefront and its backend. It
// caches reads, queues writes made while offline, and replays them once
// connectivity returns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/enrichman/httpgrace"
	"github.com/gin-gonic/gin"

	"github.com/thriftline/offlinekit"
	"github.com/thriftline/offlinekit/config"
	"github.com/thriftline/offlinekit/gateway"
	"github.com/thriftline/offlinekit/logging"
	"github.com/thriftline/offlinekit/storage/sqlite"
)

// slogNotifier surfaces user-visible notifications through the log
// stream; a real storefront shell replaces this with its own channel.
type slogNotifier struct {
	logger *logging.Logger
}

func (n *slogNotifier) Notify(ctx context.Context, note offlinekit.Notification) error {
	n.logger.Info("user notification",
		slog.String("title", note.Title),
		slog.String("body", note.Body),
		slog.String("url", note.URL))
	return nil
}

func main() {
	confPath := flag.String("config", "", "directory containing offlinekit.yaml")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.Environment != "production",
		Environment: cfg.Log.Environment,
	})
	logger := logging.WithComponent(logging.Component("main"))

	if cfg.Log.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.New(&sqlite.Config{
		DataSourceName: cfg.Store.Path,
		EnableWAL:      true,
		BusyTimeout:    cfg.Store.BusyTimeout,
		MaxOpenConns:   cfg.Store.MaxOpenConns,
		MaxIdleConns:   cfg.Store.MaxIdleConns,
	}, sqlite.DefaultSchema())
	if err != nil {
		logger.Error("cannot open durable store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	queue := sqlite.NewQueue(store)

	// The cache generation comes from the precache manifest so a deploy
	// that bumps the manifest version rotates the cache.
	generation := "v1"
	var manifest *gateway.Manifest
	if cfg.Gateway.PrecacheManifest != "" {
		manifest, err = gateway.LoadManifest(cfg.Gateway.PrecacheManifest)
		if err != nil {
			logger.Error("cannot load precache manifest", slog.Any("error", err))
			os.Exit(1)
		}
		generation = manifest.Version
	}

	cache := sqlite.NewResponseCache(store, generation)
	evicted, err := cache.Activate(ctx)
	if err != nil {
		logger.Error("cache activation failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("cache activated",
		slog.String("generation", generation),
		slog.Int64("evicted", evicted))

	monitor := offlinekit.NewMonitor(cfg.Connectivity.ProbeURL == "")
	var prober offlinekit.Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober = &offlinekit.HTTPProber{
			URL:    cfg.Connectivity.ProbeURL,
			Client: &http.Client{Timeout: cfg.Connectivity.ProbeTimeout},
		}
	}
	go monitor.RunProbes(ctx, prober, cfg.Connectivity.ProbeInterval)

	notifier := &slogNotifier{logger: logging.WithComponent(logging.Component("notify"))}
	syncer := offlinekit.NewSyncer(queue, monitor, &offlinekit.SyncerOptions{
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff: &offlinekit.ExponentialBackoff{
			InitialDelay: cfg.Sync.InitialBackoff,
			MaxDelay:     cfg.Sync.MaxBackoff,
			Multiplier:   cfg.Sync.BackoffMultiplier,
			Jitter:       cfg.Sync.BackoffJitter,
		},
		HTTPClient: &http.Client{Timeout: cfg.Sync.RequestTimeout},
		Notifier:   notifier,
	})
	defer syncer.AttachMonitor()()
	go syncer.Run(ctx, cfg.Sync.DrainInterval)

	upstreamClient := &http.Client{Timeout: cfg.Gateway.UpstreamTimeout}

	if manifest != nil {
		precacher, err := gateway.NewPrecacher(cfg.Gateway.PrecacheManifest,
			cfg.Gateway.UpstreamURL, upstreamClient, cache)
		if err != nil {
			logger.Error("cannot init precacher", slog.Any("error", err))
			os.Exit(1)
		}
		if err := precacher.Run(ctx); err != nil {
			// An offline start precaches nothing; the watch loop retries
			// on the next manifest change.
			logger.Error("initial precache failed", slog.Any("error", err))
		}
		go func() {
			if err := precacher.Watch(ctx); err != nil {
				logger.Error("manifest watch stopped", slog.Any("error", err))
			}
		}()
	}

	if cfg.Push.URL != "" {
		listener := gateway.NewPushListener(cfg.Push.URL, &offlinekit.ExponentialBackoff{
			InitialDelay: cfg.Push.ReconnectInitial,
			MaxDelay:     cfg.Push.ReconnectMax,
			Multiplier:   2.0,
			Jitter:       0.2,
		}, syncer, notifier)
		go listener.Run(ctx)
	}

	gw, err := gateway.New(gateway.Options{
		UpstreamURL:          cfg.Gateway.UpstreamURL,
		HTTPClient:           upstreamClient,
		OfflinePagePath:      cfg.Gateway.OfflinePage,
		PlaceholderImagePath: cfg.Gateway.PlaceholderImage,
	}, cache, queue, monitor, syncer)
	if err != nil {
		logger.Error("cannot init gateway", slog.Any("error", err))
		os.Exit(1)
	}

	srv := newGraceServer(cfg.Server, gw.Handler(), logger)
	logger.Info("offline gateway listening",
		slog.Int("port", cfg.Server.Port),
		slog.String("upstream", cfg.Gateway.UpstreamURL))

	if err := srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newGraceServer(serverCfg config.ServerConfig, handler http.Handler, logger *logging.Logger) *httpgrace.Server {
	return httpgrace.NewServer(handler,
		httpgrace.WithTimeout(serverCfg.ShutdownTimeout),
		httpgrace.WithSignals(syscall.SIGTERM, syscall.SIGINT),
		httpgrace.WithLogger(logger.Logger),
		httpgrace.WithBeforeShutdown(func() {
			logger.Info("shutting down offline gateway",
				slog.Duration("grace", serverCfg.ShutdownTimeout))
		}),
		httpgrace.WithServerOptions(
			httpgrace.WithReadTimeout(serverCfg.ReadTimeout),
			httpgrace.WithWriteTimeout(serverCfg.WriteTimeout),
			httpgrace.WithIdleTimeout(serverCfg.IdleTimeout),
		),
	)
}
