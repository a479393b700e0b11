package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-relay/internal/api"
	"trade-relay/internal/events"
	"trade-relay/internal/gateway"
	"trade-relay/internal/monitor"
	"trade-relay/internal/notify"
	"trade-relay/internal/webhook"
	"trade-relay/pkg/brokers"
	"trade-relay/pkg/config"
	"trade-relay/pkg/crypto"
	"trade-relay/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting trade-relay on port %s (db: %s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations: %v", err)
	}

	keys, err := crypto.NewKeyManager(cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}

	registry, err := brokers.NewRegistry(cfg.BrokersFile, time.Duration(cfg.BrokerTimeoutMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("broker registry: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	metrics := monitor.NewSystemMetrics()

	pool := gateway.NewPool(database.Queries(), keys, registry, gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()

	pipeline := webhook.NewPipeline(database.Queries(), pool, bus, metrics)

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})

	server := api.NewServer(api.Deps{
		Bus:                  bus,
		DB:                   database,
		Keys:                 keys,
		Pool:                 pool,
		Registry:             registry,
		Pipeline:             pipeline,
		Metrics:              metrics,
		Mailer:               mailer,
		JWTSecret:            cfg.JWTSecret,
		BaseURL:              cfg.BaseURL,
		RequireVerifiedEmail: cfg.RequireVerifiedEmail,
	})

	// Keep the broker pool stats on the metrics snapshot fresh.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetPoolStats(pool.Stats())
			}
		}
	}()

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
