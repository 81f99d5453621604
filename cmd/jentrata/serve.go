package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pvanvliet16/jentrata-VIB/internal/config"
	"github.com/pvanvliet16/jentrata-VIB/internal/keystore"
	"github.com/pvanvliet16/jentrata-VIB/internal/server"
	"github.com/pvanvliet16/jentrata-VIB/internal/telemetry"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/msh"
	"github.com/pvanvliet16/jentrata-VIB/pkg/security"
	"github.com/pvanvliet16/jentrata-VIB/pkg/transport"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: ebMS intake, delivery workers and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, opts.logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.InitTracer(telemetry.TracingConfig{
		Enabled:     cfg.Observability.Tracing.Enabled,
		ServiceName: cfg.Observability.ServiceName,
		PrettyPrint: cfg.Observability.Tracing.PrettyPrint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	var (
		keyStore security.KeyStore
		keys     server.KeyLister
	)
	if cfg.Keystore.Dir != "" {
		fp, err := keystore.NewFileProvider(cfg.Keystore.Dir)
		if err != nil {
			return fmt.Errorf("initializing keystore: %w", err)
		}
		defer fp.Close()
		keyStore, keys = fp, fp
	} else {
		logger.Warn("no keystore configured, agreements requiring signatures will fail")
	}

	repo := loadAgreements(cfg.CPA, logger)

	client, err := newTransport(cfg.Transport)
	if err != nil {
		return err
	}

	events := server.NewEventHub(cfg.MSH.QueueSize)
	handler, err := msh.NewMSH(msh.Config{
		Store:      store,
		Agreements: repo,
		Enforcer:   security.NewEnforcer(security.Config{KeyStore: keyStore, Logger: logger}),
		Transport:  client,
		Resolver: msh.NewMultiResolver(
			msh.NewStaticEndpointResolver(cfg.CPA.Endpoints),
			msh.AgreementResolver{},
		),
		Logger:            logger,
		DefaultCPAID:      cfg.CPA.DefaultCPAID,
		Domain:            cfg.MSH.Domain,
		WorkerCount:       cfg.MSH.Workers,
		MaxQueueSize:      cfg.MSH.QueueSize,
		ProcessingTimeout: cfg.MSH.ProcessingTimeout,
		CompressionLevel:  cfg.MSH.CompressionLevel,
		EventHandler:      events.Publish,
	})
	if err != nil {
		return fmt.Errorf("creating message service handler: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		Store:      store,
		Handler:    handler,
		Agreements: repo,
		Keys:       keys,
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	var watcher *cpa.Watcher
	if cfg.CPA.Watch && len(cfg.CPA.Files) > 0 {
		watcher, err = cpa.NewWatcher(repo, cfg.CPA.Debounce)
		if err != nil {
			return fmt.Errorf("watching partner agreements: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := handler.Start(gctx); err != nil {
		return fmt.Errorf("starting message service handler: %w", err)
	}
	if n, err := handler.Recover(gctx); err != nil {
		logger.Error("recovering pending messages failed", "error", err)
	} else if n > 0 {
		logger.Info("requeued pending messages", "count", n)
	}

	g.Go(srv.Start)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if stopErr := handler.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	})

	return g.Wait()
}

// loadAgreements builds the agreement repository. A document that fails to
// load leaves the repository empty and the gateway running, so a watched
// directory can still be fixed in place.
func loadAgreements(cfg config.CPAConfig, logger *slog.Logger) *cpa.Repository {
	repo := cpa.NewRepository(cfg.Files, logger)
	if len(cfg.Files) == 0 {
		logger.Warn("no partner agreement documents configured, every message will be rejected")
		return repo
	}
	if err := repo.Load(); err != nil {
		logger.Error("starting without partner agreements, every message will be rejected",
			"error", err, "files", cfg.Files)
	}
	return repo
}

func newTransport(cfg config.TransportConfig) (*transport.HTTPSClient, error) {
	httpsCfg := transport.DefaultHTTPSConfig()
	httpsCfg.Timeout = cfg.Timeout

	minVersion, err := transport.ParseTLSVersion(cfg.MinTLSVersion)
	if err != nil {
		return nil, err
	}
	httpsCfg.MinTLSVersion = minVersion

	if cfg.RootCAFile != "" {
		pool, err := transport.LoadRootCAs(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		httpsCfg.RootCAs = pool
	}
	return transport.NewHTTPSClient(httpsCfg), nil
}
