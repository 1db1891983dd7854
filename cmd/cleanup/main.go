// The cleanup binary runs retention maintenance: deleting or archiving
// old queue jobs, purging logs and rate limit windows, recovering stuck
// leases, and rolling up daily analytics. Intended for cron.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	task := flag.String("task", worker.TaskAll, "queue|stuck|logs|ratelimit|archive|analytics|all")
	days := flag.Int("days", 30, "retention window in days")
	batchSize := flag.Int("batch-size", 1000, "rows per delete batch")
	dryRun := flag.Bool("dry-run", false, "report what would be done without changing anything")
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

	ctx := context.Background()
	q := queue.New(db, nil)

	archiver, err := worker.NewArchiver(ctx, q, cfg.Archive)
	if err != nil {
		log.Fatalf("configure archiver: %v", err)
	}

	cleaner := worker.NewCleaner(q,
		postgres.NewProcessingLogStore(db),
		postgres.NewAnalyticsStore(db),
		db, archiver, cfg.Queue.ReaperGrace())

	if err := cleaner.Run(ctx, worker.CleanupOptions{
		Task:      *task,
		Days:      *days,
		DryRun:    *dryRun,
		BatchSize: *batchSize,
	}); err != nil {
		log.Printf("[Cleanup] %s failed: %v", *task, err)
		os.Exit(1)
	}
	log.Printf("[Cleanup] %s done", *task)
}
