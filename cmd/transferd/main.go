package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/transferd/internal/cleanup"
	"github.com/italolelis/transferd/internal/config"
	"github.com/italolelis/transferd/internal/download"
	"github.com/italolelis/transferd/internal/http/rest"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/notifier"
	"github.com/italolelis/transferd/internal/prefetch"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("transferd starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Monitor
	mon, err := setupMonitor(ctx, cfg, history, tel)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Transfer Worker
	afs := afero.NewOsFs()

	if err := afs.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	client := download.NewHTTPClient(download.ClientConfig{
		ConnectTimeout:  cfg.Download.ConnectTimeout,
		ResponseTimeout: cfg.Download.ResponseTimeout,
		Token:           cfg.Download.Token,
		Insecure:        cfg.Download.Insecure,
	})

	downloader := download.New(client, tel,
		download.WithChunkSize(cfg.Download.ChunkSize),
		download.WithReadTimeout(cfg.Download.ReadTimeout),
	)

	orchestrator := transfer.NewOrchestrator(afs, mon, transfer.InstrumentDownload(downloader.Start, tel), transfer.Config{
		MaxRetries:           cfg.Transfer.MaxRetries,
		RetryDelay:           cfg.Transfer.RetryDelay,
		BackupUpdateInterval: cfg.Transfer.BackupUpdateInterval,
		BackupUpdateBytes:    cfg.Transfer.BackupUpdateBytes,
		IndexPath:            cfg.IndexPath,
	}, tel)

	cleanupTransfers := func(ctx context.Context) {
		if err := cleanup.Transfers(ctx, afs, cfg.IndexPath, mon); err != nil {
			logger.Error("failed to clean up transfers", "err", err)
		}
	}

	// Leftovers of the previous run are handled before anything is recovered.
	cleanupTransfers(ctx)

	worker := transfer.NewWorker(orchestrator, cfg.Transfer.QueueSize, cfg.Transfer.StepInterval,
		transfer.WithMaintenance(cfg.Transfer.CleanupInterval, cleanupTransfers),
	)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, afs, mon, worker, history, tel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for transfers...",
		"storage_root", cfg.StorageRoot,
		"index", cfg.IndexPath,
		"cleanup_interval", cfg.Transfer.CleanupInterval.String(),
	)

	return g.Wait()
}

// setupMonitor continues the transfer ids where the history left off and
// reports every finished transfer to the history, metrics and notifications.
// Transfers suspended by a shutdown are not reported.
func setupMonitor(ctx context.Context, cfg *config.Config, history storage.TransferHistory, tel *telemetry.Telemetry) (*monitor.Monitor, error) {
	logger := logctx.LoggerFromContext(ctx)

	opts := []monitor.Option{
		monitor.WithHistoryDepth(cfg.Transfer.HistoryDepth),
		monitor.WithOutcomeHook(func(r monitor.Record) {
			if !r.Suspended {
				tel.RecordOutcome(r.Type.String(), r.Outcome.String())
			}
		}),
		monitor.WithOutcomeHook(func(r monitor.Record) {
			// A suspended transfer is recovered under the same id later.
			if r.Suspended {
				return
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := history.RecordOutcome(ctx, storage.FromMonitor(r)); err != nil {
				logger.Error("failed to record transfer outcome", "transfer_id", r.ID, "err", err)
			}
		}),
	}

	maxID, found, err := history.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer history: %w", err)
	}

	if found {
		opts = append(opts, monitor.WithFirstID(monitor.TransferID(maxID)+1))
	}

	if cfg.DiscordWebhookURL != "" {
		n := &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
		opts = append(opts, monitor.WithOutcomeHook(notifier.OutcomeHook(ctx, n, 10*time.Second)))
	}

	return monitor.New(opts...), nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, afs afero.Fs, mon *monitor.Monitor, queue rest.Queue, history storage.TransferHistoryReader, tel *telemetry.Telemetry) *http.Server {
	tHandler := rest.NewTransferHandler(mon, queue, history, cfg.StorageRoot, cfg.API.Username, cfg.API.Password)

	prefetchCfg := prefetch.Config{
		BufferSize:           cfg.Prefetch.BufferSize,
		MaxCommandSize:       cfg.Prefetch.MaxCommandSize,
		MaxRetries:           cfg.Prefetch.MaxRetries,
		RetryInitialInterval: cfg.Prefetch.RetryInterval,
		RetryMaxInterval:     cfg.Prefetch.RetryMaxInterval,
	}
	gHandler := rest.NewGcodeHandler(afs, prefetch.TransferOpener(afs, mon), prefetchCfg, tel,
		cfg.StorageRoot, cfg.Prefetch.ReadTimeout, cfg.API.Username, cfg.API.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/api/v1/gcode", gHandler.Routes())
	r.Mount("/api/v1", tHandler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
