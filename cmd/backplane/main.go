// Command backplane is the composition root for the coding-agent execution
// backplane: it wires configuration, logging, the Docker client, the
// container registry, the Container Manager, the per-provider Agent Session
// Brokers, the PTY Session Broker, the Event Bus, and the WebSocket Gateway,
// then serves them behind gin until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/backplane/internal/agentsession"
	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/httpmw"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
	"github.com/kandev/backplane/internal/container/docker"
	"github.com/kandev/backplane/internal/eventbus"
	"github.com/kandev/backplane/internal/filegateway"
	httpapi "github.com/kandev/backplane/internal/gateway/httpapi"
	wsgateway "github.com/kandev/backplane/internal/gateway/websocket"
	"github.com/kandev/backplane/internal/ptysession"
	"github.com/kandev/backplane/internal/registry"
)

// shutdownTimeout bounds how long the HTTP server's graceful Shutdown waits
// for in-flight requests to finish.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "backplane:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	reg, err := registry.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil {
			log.Warn("registry close failed", zap.Error(cerr))
		}
	}()

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("build docker client: %w", err)
	}

	mgr := container.NewManager(dockerClient, reg, cfg.Agent, cfg.Docker, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, bootCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := mgr.ReconcileOnBoot(bootCtx); err != nil {
		log.Warn("boot reconciliation incomplete", zap.Error(err))
	}
	bootCancel()

	mgr.StartIdleReaper(ctx)
	defer mgr.StopIdleReaper()

	bus := eventbus.New(cfg.NATS, cfg.Events.Namespace, log)

	claudeBroker := agentsession.NewBroker("claude", cfg.Agent.Entrypoints["claude"], mgr, cfg.Agent, log)
	cursorBroker := agentsession.NewBroker("cursor", cfg.Agent.Entrypoints["cursor"], mgr, cfg.Agent, log)
	codexBroker := agentsession.NewBroker("codex", cfg.Agent.Entrypoints["codex"], mgr, cfg.Agent, log)
	brokers := wsgateway.AgentChatBrokers(claudeBroker, cursorBroker, codexBroker)

	ptyBroker := ptysession.NewBroker(mgr, cfg.PTY, log)

	// The file gateway has no wire message of its own on the WebSocket
	// multiplex; it is reached over the REST surface registered below.
	fileGateway := filegateway.NewGateway(mgr, cfg.Agent, cfg.Files, log)

	gw := wsgateway.NewGateway(brokers, ptyBroker, bus, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "backplane"))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gw.SetupRoutes(router)
	httpapi.RegisterFileRoutes(router, fileGateway, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.Hub.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		gw.RunBroadcastBridge(gCtx)
		return nil
	})
	g.Go(func() error {
		log.Info("backplane listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-gCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
