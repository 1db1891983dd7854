// The queue-processor binary drains the delivery queue: it leases
// pending jobs in batches, executes them against platform adapters, and
// runs the stuck-lease reaper behind a distributed lock.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pipeline"
	"github.com/ignite/lead-pipeline/internal/pkg/distlock"
	"github.com/ignite/lead-pipeline/internal/platform"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/router"
	"github.com/ignite/lead-pipeline/internal/validate"
	"github.com/ignite/lead-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	workers := flag.Int("workers", 4, "concurrent workers")
	batchSize := flag.Int("batch-size", 0, "jobs per lease (0 = config default)")
	sleep := flag.Int("sleep", 0, "idle poll sleep in seconds (0 = config default)")
	once := flag.Bool("once", false, "drain the queue and exit")
	maxRuntime := flag.Duration("max-runtime", 0, "stop after this long (0 = run forever)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *batchSize > 0 {
		cfg.Queue.BatchSize = *batchSize
	}
	if *sleep > 0 {
		cfg.Queue.SleepSeconds = *sleep
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer db.Close()
	log.Println("[QueueProcessor] connected to database")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *maxRuntime)
		defer cancel()
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	events := postgres.NewEventStore(db)
	platforms := postgres.NewPlatformStore(db)
	bots := postgres.NewBotRegistry(db)
	emails := postgres.NewEmailRegistry(db)
	rels := postgres.NewRelationshipStore(db)
	revenue := postgres.NewRevenueStore(db)
	audit := postgres.NewProcessingLogStore(db)

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

	if !*once {
		lock := distlock.New(redisClient, db, "queue-reaper", 2*time.Minute)
		reaper := worker.NewReaper(q, lock, cfg.Queue.ReaperGrace(), time.Minute)
		go reaper.Run(ctx)
	}

	pool := worker.NewPool(q, processor, cfg.Queue, *workers, *once)
	log.Printf("[QueueProcessor] starting %d workers (batch=%d once=%v)", *workers, cfg.Queue.BatchSize, *once)
	pool.Run(ctx)

	if *once && pool.Processed() == 0 {
		log.Println("[QueueProcessor] nothing to process")
	}
	os.Exit(0)
}
