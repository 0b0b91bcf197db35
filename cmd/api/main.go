package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aridsondez/pqbus/internal/api"
	"github.com/aridsondez/pqbus/internal/config"
	"github.com/aridsondez/pqbus/pkg/pqbus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log := cfg.Logger()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
	defer cancel()

	bus, err := pqbus.New(connectCtx, cfg.DatabaseURL,
		pqbus.WithNamespace(cfg.Namespace),
		pqbus.WithClaimTimeout(cfg.ClaimTimeout),
		pqbus.WithPollInterval(cfg.PollInterval),
		pqbus.WithSweepInterval(cfg.SweepInterval),
		pqbus.WithMaxConns(int32(cfg.DBMaxConns)),
		pqbus.WithApplicationName("pqbus-api"),
		pqbus.WithLogger(log),
		pqbus.WithAutoInit(),
	)
	if err != nil {
		log.Error("connect", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	go func() {
		if err := bus.RunSweeper(ctx); err != nil {
			log.Error("sweeper", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, api.NewBusQueues(bus), log)

	log.Info("HTTP server listening", "addr", addr, "namespace", cfg.Namespace)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
}
