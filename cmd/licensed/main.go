package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/api"
	"github.com/qs3c/license_go_server/internal/app"
	"github.com/qs3c/license_go_server/internal/pkg/cron"
)

var configPath = flag.String("config", "", "Path to config.yaml (default $CONFIG_PATH or config.yaml)")

func main() {
	flag.Parse()

	// 加载配置
	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.Server.Mode)
	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()
	log.Printf("Store connected (driver=%s)", cfg.Database.Driver)

	// 定时清扫
	scheduler := cron.NewService(a.Sweeper, cfg.Sweeper.Interval, logger)
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("Sweeper started, interval %s", cfg.Sweeper.Interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Subscribe(ctx)
	})

	if cfg.Server.MetricsAddr != "" {
		router := api.NewRouter(a.Metrics.Handler(), a.DB, cfg.Server.Mode)
		server := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           router.Setup(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Printf("Metrics listening on %s", cfg.Server.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("Shutdown with error: %v", err)
		return
	}
	log.Println("Shutdown complete")
}
