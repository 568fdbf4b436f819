package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/agentrelay/internal/config"
	"github.com/sage-x-project/agentrelay/internal/health"
	"github.com/sage-x-project/agentrelay/internal/logger"
	"github.com/sage-x-project/agentrelay/pkg/buffer"
	"github.com/sage-x-project/agentrelay/pkg/presence"
	"github.com/sage-x-project/agentrelay/pkg/registry"
	"github.com/sage-x-project/agentrelay/pkg/router"
	"github.com/sage-x-project/agentrelay/transport/rest"
	"github.com/sage-x-project/agentrelay/transport/ws"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay's WebSocket and REST listeners",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a YAML config file (defaults built in if omitted)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	if serveConfigPath != "" {
		loaded, err := config.Load(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log := logger.NewLogger(os.Stdout, levelFromString(cfg.Logging.Level))
	log.SetPrettyPrint(cfg.Logging.Pretty)
	logger.SetDefaultLogger(log)

	reg := registry.New()
	defer reg.Close()

	buf := buffer.New(cfg.StoredFor, cfg.Buffer.Capacity)
	pres := presence.New(reg, buf, log)
	rt := router.New(reg, buf, log)

	healthReg := health.NewRegistry()
	healthReg.Register("registry", func() (health.Status, string) {
		return health.StatusOK, fmt.Sprintf("%d active sessions", reg.Count())
	})

	wsServer := ws.NewServer(ws.Deps{
		Registry: reg,
		Presence: pres,
		Buffer:   buf,
		Router:   rt,
	}, ws.Config{
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		IdleTimeout:       cfg.WS.IdleTimeout,
	}, log)

	restServer := rest.NewServer(rest.Config{
		JWTSecret:     cfg.REST.JWTSecret,
		TokenTTL:      cfg.REST.TokenTTL,
		QueueCapacity: cfg.REST.QueueCapacity,
	}, reg, buf, rt, pres, healthReg, log)

	wsHTTP := &http.Server{Addr: cfg.WS.Addr, Handler: wsServer.Handler()}
	restHTTP := &http.Server{Addr: cfg.REST.Addr, Handler: restServer.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Info("starting websocket listener", logger.String("addr", cfg.WS.Addr))
		if err := wsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws listener: %w", err)
		}
	}()
	go func() {
		log.Info("starting rest listener", logger.String("addr", cfg.REST.Addr))
		if err := restHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rest listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsHTTP.Shutdown(ctx)
	_ = restHTTP.Shutdown(ctx)
	return nil
}

func levelFromString(s string) logger.Level {
	switch s {
	case "DEBUG":
		return logger.DebugLevel
	case "WARN":
		return logger.WarnLevel
	case "ERROR":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
