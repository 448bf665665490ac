// Command deskd launches the QuoteDesk terminal backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
	"github.com/quotedesk/quotedesk/internal/infra/persistence"
	"github.com/quotedesk/quotedesk/internal/infra/persistence/memory"
	"github.com/quotedesk/quotedesk/internal/infra/persistence/migrations"
	"github.com/quotedesk/quotedesk/internal/infra/persistence/postgres"
	httpserver "github.com/quotedesk/quotedesk/internal/infra/server/http"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/order"
	"github.com/quotedesk/quotedesk/internal/quote"
	"github.com/quotedesk/quotedesk/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	deskLoggerPrefix         = "deskd "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLogger := newDeskLogger()
	logger := observability.NewStdLogger(stdLogger, false)

	appCfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		stdLogger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		stdLogger.Printf("configuration file not found, using defaults")
	}
	stdLogger.Printf("configuration initialised: env=%s, listen=%s", appCfg.Environment, appCfg.ListenAddr)

	settings := appCfg.Settings()

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		OTLPEndpoint: appCfg.Telemetry.OTLPEndpoint,
		ServiceName:  appCfg.Telemetry.ServiceName,
	})
	if err != nil {
		stdLogger.Fatalf("initialize telemetry: %v", err)
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		stdLogger.Printf("telemetry initialized: endpoint=%s, service=%s",
			appCfg.Telemetry.OTLPEndpoint, appCfg.Telemetry.ServiceName)
	} else {
		stdLogger.Printf("telemetry disabled")
	}

	store, pool, err := buildCommandStore(ctx, appCfg, logger)
	if err != nil {
		stdLogger.Fatalf("initialise command store: %v", err)
	}

	hub := quote.NewHub(settings.Quote, quote.WithLogger(logger))
	hub.Connect(ctx)

	channel := order.NewChannel(store, settings.Order, order.WithLogger(logger))

	var lifecycle conc.WaitGroup
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	lifecycle.Go(func() {
		channel.RunSweeper(sweepCtx)
	})

	apiServer := buildAPIServer(appCfg.ListenAddr, hub, channel)
	startAPIServer(&lifecycle, stdLogger, apiServer)
	stdLogger.Printf("API listening on %s", apiServer.Addr)

	stdLogger.Print("deskd started; awaiting shutdown signal")
	<-ctx.Done()
	stdLogger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, stdLogger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		sweepCancel: sweepCancel,
		lifecycle:   &lifecycle,
		hub:         hub,
		pool:        pool,
		telemetry:   telemetryShutdown,
	})

	stdLogger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return defaultConfigPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDeskLogger() *log.Logger {
	return log.New(os.Stdout, deskLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func buildCommandStore(ctx context.Context, appCfg config.AppConfig, logger observability.Logger) (commandstore.Store, *pgxpool.Pool, error) {
	dsn := appCfg.Storage.PostgresDSN
	if dsn == "" {
		logger.Info("no postgres dsn configured, using in-memory command store")
		return memory.NewCommandStore(), nil, nil
	}
	if err := migrations.Apply(ctx, dsn, appCfg.Storage.MigrationsDir, logger); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := persistence.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	postgres.ObservePoolMetrics(pool, "commands")
	return postgres.NewCommandStore(pool), pool, nil
}

func buildAPIServer(addr string, hub *quote.Hub, channel *order.Channel) *http.Server {
	handler := httpserver.NewHandler(hub, channel)
	return &http.Server{
		Addr:                         addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            readHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	sweepCancel context.CancelFunc
	lifecycle   *conc.WaitGroup
	hub         *quote.Hub
	pool        *pgxpool.Pool
	telemetry   func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.hub != nil {
		logger.Print("shutdown: tearing down quote hub")
		cfg.hub.Teardown()
	}

	if cfg.sweepCancel != nil {
		cfg.sweepCancel()
	}
	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing postgres pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
