package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jasmin-sec/apiguard/internal/config"
	"github.com/jasmin-sec/apiguard/internal/detectors"
	"github.com/jasmin-sec/apiguard/internal/engine"
	"github.com/jasmin-sec/apiguard/internal/handlers"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/publish"
	"github.com/jasmin-sec/apiguard/internal/server"
	"github.com/jasmin-sec/apiguard/internal/service"
	"github.com/jasmin-sec/apiguard/internal/store"
	"github.com/jasmin-sec/apiguard/internal/threatbucket"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(log)
	log = log.With(logging.FieldService, "apiguard")

	client, err := store.New(store.Config{
		URL:       cfg.Redis.URL,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		log.Error("failed to connect to redis", logging.FieldError, err.Error())
		os.Exit(1)
	}
	defer client.Close()

	var alerts publish.AlertPublisher = publish.NoopPublisher{}
	if cfg.Nats.Enabled {
		np, err := publish.NewNatsPublisher(publish.NatsConfig{
			URL:     cfg.Nats.URL,
			Name:    "apiguard",
			Subject: cfg.Nats.Subject,
		})
		if err != nil {
			log.Error("failed to connect to NATS", logging.FieldError, err.Error())
			os.Exit(1)
		}
		alerts = np
	}
	defer alerts.Close()

	threats := threatbucket.New(client)
	chain := detectors.BuildChain(client, cfg.Detectors, threats, log)
	eng := engine.New(log, chain...)

	recorder := publish.NewRecorder(client, publish.RecorderConfig{
		StreamKey:       cfg.Recording.StreamKey,
		CounterTTL:      cfg.Recording.CounterTTL,
		ThreatRetention: cfg.Recording.ThreatRetention,
		MaxBodyBytes:    cfg.Recording.MaxBodyBytes,
		HeaderAllowlist: cfg.Recording.HeaderAllowlist,
	})

	guard := service.NewGuard(engine.NewPreCheck(threats, log), eng, threats, recorder, alerts, log)

	ready := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}

	handler := handlers.NewHandler(guard, ready, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("apiguard listening",
			"addr", srv.Addr, "detectors", len(chain))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", logging.FieldError, err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", logging.FieldError, err.Error())
		os.Exit(1)
	}
	log.Info("stopped")
}
