package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/balancer"
	"github.com/relaycore/relay/internal/breaker"
	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/gateway"
	"github.com/relaycore/relay/internal/logging"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/internal/notify"
	"github.com/relaycore/relay/internal/queue"
	"github.com/relaycore/relay/internal/ratelimit"
	"github.com/relaycore/relay/internal/registry"
	"github.com/relaycore/relay/internal/router"
	"github.com/relaycore/relay/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("relay " + version)
	fmt.Println("=============================================")
	fmt.Printf("RELAY_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("RELAY_API_PREFIX=%s\n", cfg.APIPrefix)
	fmt.Printf("RELAY_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("RELAY_AUTH_REQUIRED=%t\n", cfg.AuthRequired)
	fmt.Printf("RELAY_LB_ALGORITHM=%s\n", cfg.LBAlgorithm)
	fmt.Printf("RELAY_RATE_LIMIT_STRATEGY=%s\n", cfg.RateLimitStrategy)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.WebhookSecret))
		log.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(notify.MQTTSettings{
			Broker: cfg.MQTTBroker,
			Topic:  cfg.MQTTTopic,
		}))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker)
	}
	notifier := notify.NewMulti(log, notifiers...)
	notifyCh, cancelNotify := bus.Subscribe()
	defer cancelNotify()
	go notifier.Forward(ctx, notifyCh)

	q := queue.New(queue.Config{
		MaxSize:     cfg.QueueMaxSize,
		DefaultTTL:  cfg.MessageTTL,
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxRetryAttempts,
	}, clk, db, bus, log.Component("queue"))

	reg := registry.New(registry.Config{
		ServiceTTL:          cfg.ServiceTTL,
		HealthCheckInterval: cfg.HealthCheckInterval,
		CleanupInterval:     cfg.CleanupInterval,
		BackupInterval:      cfg.BackupInterval,
		BackupPath:          cfg.BackupPath,
		EventRetention:      cfg.EventRetention,
	}, clk, db, log.Component("registry"))

	bal := balancer.New(balancer.Config{
		Algorithm:        balancer.Algorithm(cfg.LBAlgorithm),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	}, clk, reg, log.Component("balancer"))

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerTimeout,
		RequestTimeout:   cfg.RequestTimeout,
	}, clk, log.Component("breaker"))

	limiterCfg := ratelimit.Config{
		Strategy: ratelimit.Strategy(cfg.RateLimitStrategy),
		Limit:    cfg.RateLimitDefault,
		Window:   cfg.RateLimitWindow,
	}
	if cfg.EnableAdaptive {
		// Queue utilization is the load signal driving adaptive throttling.
		limiterCfg.Load = func() float64 {
			if cfg.QueueMaxSize <= 0 {
				return 0
			}
			return float64(q.Stats().QueueSize) / float64(cfg.QueueMaxSize)
		}
	}
	limiter := ratelimit.New(limiterCfg, clk, log.Component("ratelimit"))

	authn := auth.New(auth.Config{
		TokenSecret:   cfg.TokenSecret,
		WebhookSecret: cfg.WebhookSecret,
	}, clk, db, log.Component("auth"))

	agents := router.NewAgentRegistry(cfg.ServiceTTL, clk, bus)
	rt := router.New(agents, q)

	srv := gateway.New(gateway.Dependencies{
		Config:      cfg,
		Registry:    reg,
		Balancer:    bal,
		Breakers:    breakers,
		Limiter:     limiter,
		Auth:        authn,
		Queue:       q,
		Router:      rt,
		Agents:      agents,
		EventBus:    bus,
		DeadLetters: db,
		Log:         log.Component("gateway"),
	})

	q.Start(ctx)
	defer q.Stop()
	reg.Start(ctx)
	defer reg.Stop()

	if cfg.TextfilePath != "" {
		go textfileLoop(ctx, cfg.TextfilePath, log.Component("metrics"))
	}

	log.Info("relay started", "version", version, "addr", cfg.ListenAddr)

	if err := srv.Start(ctx); err != nil {
		log.Error("relay exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("relay shutdown complete")
}

// textfileLoop periodically exports metrics for node_exporter's
// textfile collector.
func textfileLoop(ctx context.Context, path string, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("textfile export failed", "error", err)
			}
		}
	}
}
