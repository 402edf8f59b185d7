package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridnest/gridnest/internal/auth"
	"github.com/gridnest/gridnest/internal/automation"
	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/config"
	"github.com/gridnest/gridnest/internal/httpapi"
	"github.com/gridnest/gridnest/internal/ingest"
	"github.com/gridnest/gridnest/internal/inventory"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/observability"
	"github.com/gridnest/gridnest/internal/presence"
	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/rollout"
	"github.com/gridnest/gridnest/internal/store"
	"github.com/gridnest/gridnest/internal/zigbee"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName,
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db open failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migration failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}

	shutdownObs, promHandler, tracer := observability.Setup()
	defer shutdownObs()

	client := mqtt.New(mqtt.Options{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientIDPrefix: "gridnestd",
	})

	broker := realtime.NewBroker(cfg.RingSize)

	orch := command.New(repo, client, broker, command.Options{Timeout: cfg.CommandTimeout})
	tracker := presence.NewTracker(repo, broker, presence.Options{
		DeviceTimeout: cfg.DeviceOfflineAfter,
		HubTimeout:    cfg.HubOfflineAfter,
	})

	inv := inventory.New(repo, rdb, orch)
	rollouts := rollout.New(repo, orch, rollout.Options{
		MaxAttempts: cfg.RolloutMaxAttempts,
		Grace:       cfg.RolloutGrace,
	})
	reconciler := automation.NewReconciler(repo, orch)
	rules := automation.NewService(repo, reconciler)
	pairing := zigbee.NewCoordinator(repo, orch, broker, cfg.PairingWindow)
	authSvc := auth.New(repo, rdb, cfg.JWTSecret)

	ingestor := ingest.New(repo, tracker, orch, broker, ingest.NewStateCache(rdb))
	ingestor.OnDiscovered = pairing.HandleDiscovered
	ingestor.OnHubFirmware = rollouts.HubFirmware

	tracker.OnDeviceOnline(func(deviceDbID, _ uint) {
		orch.FlushPendingFor(context.Background(), deviceDbID, "")
	})
	tracker.OnHubOnline(func(hubID string) {
		orch.FlushPendingFor(context.Background(), 0, hubID)
		rollouts.HubOnline(hubID)
		reconciler.HubOnline(hubID)
	})

	router := bus.NewRouter(client)
	ingestor.Bind(router)
	if err := router.Start(); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		slog.Error("command orchestrator start failed", "error", err)
		os.Exit(1)
	}
	tracker.Start(ctx)
	rollouts.Start(ctx)
	pairing.Start(ctx)
	if err := reconciler.Start(ctx); err != nil {
		slog.Error("automation reconciler start failed", "error", err)
		os.Exit(1)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Repo:     repo,
		Auth:     authSvc,
		Inv:      inv,
		Orch:     orch,
		Rollouts: rollouts,
		Rules:    rules,
		Pairing:  pairing,
		Broker:   broker,
		MQTT:     client,
		Metrics:  promHandler,
		Tracer:   tracer,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("gridnestd started", "port", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	orch.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	client.Disconnect(250)
	slog.Info("gridnestd stopped")
}
