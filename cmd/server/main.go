// The server binary runs the HTTP intake API: it accepts lead and
// purchase submissions, persists them, and queues platform deliveries
// for the queue-processor to execute.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/lead-pipeline/internal/api"
	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pipeline"
	"github.com/ignite/lead-pipeline/internal/platform"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/router"
	"github.com/ignite/lead-pipeline/internal/validate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer db.Close()
	log.Println("[Server] connected to database")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Bootstrap(ctx, db); err != nil {
		log.Fatalf("bootstrap schema: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		log.Println("[Server] redis connected")
	}

	events := postgres.NewEventStore(db)
	platforms := postgres.NewPlatformStore(db)
	bots := postgres.NewBotRegistry(db)
	emails := postgres.NewEmailRegistry(db)
	rels := postgres.NewRelationshipStore(db)
	revenue := postgres.NewRevenueStore(db)
	audit := postgres.NewProcessingLogStore(db)
	analytics := postgres.NewAnalyticsStore(db)
	apiKeys := postgres.NewAPIKeyStore(db)

	var index *queue.ReadyIndex
	if redisClient != nil {
		index = queue.NewReadyIndex(redisClient)
	}
	q := queue.New(db, index)

	rt, err := router.New(ctx, platforms)
	if err != nil {
		log.Fatalf("load routing snapshot: %v", err)
	}
	go rt.RefreshEvery(ctx, time.Minute)

	gate := validate.New(bots, emails, cfg.Intake.HoneypotFields, cfg.Validation.CacheTTL(), postgres.ErrNotFound)

	processor := pipeline.NewProcessor(events, q, emails, rels, revenue, audit, rt, gate,
		func(p domain.Platform) (platform.Adapter, error) { return platform.New(p, nil) },
		cfg.Validation.DailyLimit)

	server := api.NewServer(cfg, processor, q, rt, events, analytics, revenue, emails, apiKeys, db, redisClient)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("[Server] stopped")
}
