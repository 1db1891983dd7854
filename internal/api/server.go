// Package api exposes the pipeline over HTTP: the public intake
// endpoints that web forms post to, the authenticated stats endpoint,
// and health probes.
package api

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/pipeline"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/router"
)

// Server wires handlers to the pipeline and its stores.
type Server struct {
	cfg       *config.Config
	processor *pipeline.Processor
	queue     *queue.Queue
	router    *router.Router

	events    *postgres.EventStore
	analytics *postgres.AnalyticsStore
	revenue   *postgres.RevenueStore
	emails    *postgres.EmailRegistry
	apiKeys   *postgres.APIKeyStore

	db    *sql.DB
	redis *redis.Client // nil when not configured; rate limiting then allows all

	startTime time.Time
}

// NewServer builds the HTTP server. redisClient may be nil.
func NewServer(
	cfg *config.Config,
	processor *pipeline.Processor,
	q *queue.Queue,
	rt *router.Router,
	events *postgres.EventStore,
	analytics *postgres.AnalyticsStore,
	revenue *postgres.RevenueStore,
	emails *postgres.EmailRegistry,
	apiKeys *postgres.APIKeyStore,
	db *sql.DB,
	redisClient *redis.Client,
) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		queue:     q,
		router:    rt,
		events:    events,
		analytics: analytics,
		revenue:   revenue,
		emails:    emails,
		apiKeys:   apiKeys,
		db:        db,
		redis:     redisClient,
		startTime: time.Now(),
	}
}
