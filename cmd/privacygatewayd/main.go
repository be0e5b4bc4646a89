// Command privacygatewayd runs the IoT privacy gateway: it subscribes to
// inbound device-data and consent-notification topics, mediates each
// data point through its resolved treatment strategy, and runs the
// background aggregation scheduler for accumulated treatments.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"privacygateway/broker"
	"privacygateway/cache"
	"privacygateway/config"
	"privacygateway/consent"
	"privacygateway/ingest"
	"privacygateway/observability/logging"
	"privacygateway/observability/otel"
	"privacygateway/scheduler"
	"privacygateway/strategy"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("privacygatewayd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("privacy-gateway", cfg.Environment)

	shutdownTelemetry, err := otel.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store := cache.NewRedisStore(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		TTL:      cfg.CacheTTL,
		QueueKey: cfg.DueQueueKey,
	}, logger)
	defer func() { _ = store.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("cache unreachable at startup: %w", err)
	}

	brokerClient, err := broker.Dial(broker.Config{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		ClientID: "privacy-gateway",
	}, logger)
	if err != nil {
		return fmt.Errorf("mqtt unreachable at startup: %w", err)
	}
	defer brokerClient.Disconnect()

	limiter := rate.NewLimiter(rate.Limit(50), 50)
	fetcher := consent.NewClient(cfg.ConsentServiceURL, limiter, logger)

	registry := strategy.NewRegistry(store, nil)

	ingestHandler := ingest.New(store, registry, fetcher, brokerClient, cfg.ProcessedTopic, logger)
	if err := brokerClient.Subscribe(cfg.DataTopic, ingestHandler.HandleData); err != nil {
		return fmt.Errorf("subscribe data topic: %w", err)
	}
	if err := brokerClient.Subscribe(cfg.NotificationTopic, ingestHandler.HandleNotification); err != nil {
		return fmt.Errorf("subscribe notification topic: %w", err)
	}

	sched := scheduler.New(store, registry, fetcher, brokerClient, cfg.ProcessedTopic, cfg.SchedulerTick, logger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		sched.Run(stopCtx)
		close(schedulerDone)
	}()

	httpServer := &http.Server{
		Addr:         cfg.AdminListenAddr,
		Handler:      otelhttp.NewHandler(adminRouter(store), "privacy-gateway-admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("privacy gateway listening", "addr", cfg.AdminListenAddr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		<-schedulerDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// adminRouter builds the admin HTTP surface: liveness/readiness probes
// and the Prometheus scrape endpoint. It carries no domain traffic.
func adminRouter(store cache.Store) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("cache unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
