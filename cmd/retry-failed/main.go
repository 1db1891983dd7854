// The retry-failed binary requeues failed deliveries that still have
// retry budget, optionally narrowed to one platform. Used after a
// downstream outage ends.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/router"
	"github.com/ignite/lead-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	hours := flag.Int("hours", 24, "look back this many hours")
	platformCode := flag.String("platform", "", "limit to one platform code (empty = all)")
	limit := flag.Int("limit", 1000, "max jobs to requeue")
	dryRun := flag.Bool("dry-run", false, "count matching jobs without requeuing")
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

	var platformID int64
	if *platformCode != "" {
		rt, err := router.New(ctx, postgres.NewPlatformStore(db))
		if err != nil {
			log.Fatalf("load platforms: %v", err)
		}
		p, ok := rt.PlatformByCode(*platformCode)
		if !ok {
			log.Fatalf("unknown platform code %q", *platformCode)
		}
		platformID = p.ID
	}

	n, err := worker.RetryFailed(ctx, queue.New(db, nil), worker.RetryOptions{
		PlatformID: platformID,
		Since:      time.Now().Add(-time.Duration(*hours) * time.Hour),
		Limit:      *limit,
		DryRun:     *dryRun,
	})
	if err != nil {
		log.Printf("[Retry] failed: %v", err)
		os.Exit(1)
	}
	if *dryRun {
		log.Printf("[Retry] dry run: %d jobs eligible", n)
	}
}
