// Package pipeline orchestrates the two halves of the system: turning
// raw submissions into persisted events with queued deliveries, and
// executing those deliveries against platform adapters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/logger"
	"github.com/ignite/lead-pipeline/internal/platform"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/validate"
)

// Skip and cancellation reasons written onto jobs.
const (
	SkipReasonConditions = "Platform conditions not met"
	SkipReasonBudget     = "daily_validation_budget"
	CancelReasonInvalid  = "email_invalid"
)

// EventStore is the event persistence surface the processor needs.
type EventStore interface {
	Insert(ctx context.Context, e *domain.Event) error
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	UpdateValidation(ctx context.Context, id int64, status string, activeInDays int) error
	UpdateAcquisition(ctx context.Context, id int64, source, campaign, term, date, formTitle string) error
	MergeEventData(ctx context.Context, id int64, extra map[string]interface{}) error
	FindLatestLeadByEmail(ctx context.Context, email string, excludeID int64) (*domain.Event, error)
	FinalizeIfDone(ctx context.Context, id int64) error
}

// JobQueue is the queue surface the processor needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.QueueJob) error
	Complete(ctx context.Context, jobID int64, workerID string, responseCode int, responseBody string, revenue float64, revenueStatus string) error
	Fail(ctx context.Context, job *domain.QueueJob, workerID string, responseCode int, errMsg string) error
	FailPermanent(ctx context.Context, jobID int64, workerID, errMsg string) error
	Skip(ctx context.Context, jobID int64, workerID, reason string) error
	CancelSiblings(ctx context.Context, eventID int64, reason string) (int64, error)
}

// EmailRegistry is the verdict cache surface the processor needs.
type EmailRegistry interface {
	UpsertValidation(ctx context.Context, entry *domain.EmailValidationEntry) error
	ConsumeDailyBudget(ctx context.Context, limit int) (bool, error)
}

// RelationshipStore records event edges.
type RelationshipStore interface {
	Link(ctx context.Context, rel *domain.EventRelationship) error
}

// RevenueStore records delivery revenue.
type RevenueStore interface {
	Record(ctx context.Context, rec *domain.RevenueRecord) error
}

// AuditLog is the processing log surface.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.ProcessingLogEntry) error
}

// PlatformRouter resolves delivery targets.
type PlatformRouter interface {
	RoutesFor(e *domain.Event) []domain.Platform
	ValidationPlatform() (domain.Platform, bool)
	PlatformByID(id int64) (domain.Platform, bool)
}

// AdapterFactory builds the adapter for a platform. Injected so tests
// can substitute fakes; production wires platform.New.
type AdapterFactory func(p domain.Platform) (platform.Adapter, error)

// Processor is the orchestrator for intake and job execution.
type Processor struct {
	events   EventStore
	queue    JobQueue
	emails   EmailRegistry
	revenue  RevenueStore
	audit    AuditLog
	router   PlatformRouter
	linker   *Linker
	gate     *validate.Validator
	adapters AdapterFactory

	validationDailyLimit int
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(
	events EventStore,
	jobs JobQueue,
	emails EmailRegistry,
	rels RelationshipStore,
	revenue RevenueStore,
	audit AuditLog,
	router PlatformRouter,
	gate *validate.Validator,
	adapters AdapterFactory,
	validationDailyLimit int,
) *Processor {
	return &Processor{
		events:               events,
		queue:                jobs,
		emails:               emails,
		revenue:              revenue,
		audit:                audit,
		router:               router,
		linker:               NewLinker(events, rels),
		gate:                 gate,
		adapters:             adapters,
		validationDailyLimit: validationDailyLimit,
	}
}

// IntakeResult is what the HTTP layer reports back to the submitter.
type IntakeResult struct {
	EventID         uuid.UUID
	Accepted        bool
	BlockReason     string
	QueuedPlatforms int
}

// Intake turns a submission into a persisted event with queued
// deliveries. The event counts as accepted once persisted; enqueue
// failures after that are logged and absorbed (at-least-once fanout).
func (p *Processor) Intake(ctx context.Context, sub Submission) (*IntakeResult, error) {
	event := buildEvent(sub, time.Now())

	verdict := p.gate.Check(ctx, sub.Fields, event.Email, event.Phone, event.IPAddress)
	if !verdict.Allowed {
		event.Status = domain.EventStatusBlocked
		event.BlockedReason = composeBlockReason(verdict.BlockReason)
		if err := p.events.Insert(ctx, event); err != nil {
			return nil, fmt.Errorf("persist blocked event: %w", err)
		}
		logger.Warn("intake blocked",
			"event_type", string(event.EventType), "event_id", event.EventID.String(),
			"reason", event.BlockedReason, "email", event.Email, "phone", event.Phone)
		return &IntakeResult{EventID: event.EventID, BlockReason: event.BlockedReason}, nil
	}

	if verdict.CachedStatus != "" {
		event.EmailValidationStatus = verdict.CachedStatus
		event.ZBLastActive = verdict.CachedActive
	}

	if err := p.events.Insert(ctx, event); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if event.EventType == domain.EventTypePurchase {
		if err := p.linker.LinkPurchase(ctx, event); err != nil {
			log.Printf("[Processor] link purchase %s: %v", event.EventID, err)
		}
	}

	routes := p.router.RoutesFor(event)
	queued := 0
	routedValidation := false
	for _, target := range routes {
		if target.PlatformType == domain.PlatformTypeValidation {
			routedValidation = true
		}
		if p.enqueue(ctx, event, target) {
			queued++
		}
	}

	// A fresh or stale email gets a provider check even when no routing
	// rule targets the validation platform.
	if verdict.NeedsValidation && event.Email != "" && !routedValidation {
		if vp, ok := p.router.ValidationPlatform(); ok {
			if p.enqueue(ctx, event, vp) {
				queued++
			}
		}
	}

	logger.Info("intake accepted",
		"event_type", string(event.EventType), "event_id", event.EventID.String(),
		"email", event.Email, "queued", queued)
	return &IntakeResult{EventID: event.EventID, Accepted: true, QueuedPlatforms: queued}, nil
}

func (p *Processor) enqueue(ctx context.Context, event *domain.Event, target domain.Platform) bool {
	job := &domain.QueueJob{
		EventID:    event.ID,
		PlatformID: target.ID,
		MaxRetries: target.RetryBudget(),
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		log.Printf("[Processor] enqueue event %d -> %s: %v", event.ID, target.PlatformCode, err)
		return false
	}
	return true
}

func composeBlockReason(reason string) string {
	switch reason {
	case validate.ReasonHoneypot, validate.ReasonKnownBot:
		return "bot_detected:" + reason
	default:
		return "validation_failed:" + reason
	}
}

// ExecuteJob runs one leased delivery to its terminal or retry state.
// The returned error is for the worker's log; every queue transition
// has already happened by the time it returns.
func (p *Processor) ExecuteJob(ctx context.Context, job *domain.QueueJob, workerID string) error {
	event, err := p.events.GetByID(ctx, job.EventID)
	if errors.Is(err, postgres.ErrNotFound) {
		p.failPermanent(ctx, job, workerID, "event not found")
		return fmt.Errorf("job %d: event %d not found", job.ID, job.EventID)
	}
	if err != nil {
		// Store hiccup: leave the lease to expire and be reaped.
		return fmt.Errorf("job %d: load event: %w", job.ID, err)
	}

	target, ok := p.router.PlatformByID(job.PlatformID)
	if !ok {
		p.failPermanent(ctx, job, workerID, "platform not found")
		p.finalize(ctx, job.EventID)
		return fmt.Errorf("job %d: platform %d not found", job.ID, job.PlatformID)
	}

	adapter, err := p.adapters(target)
	if err != nil {
		// Bad stored config is fatal for this platform until an operator
		// fixes it; retrying cannot help.
		p.failPermanent(ctx, job, workerID, "adapter config: "+err.Error())
		p.finalize(ctx, job.EventID)
		return fmt.Errorf("job %d: build adapter: %w", job.ID, err)
	}

	if target.PlatformType == domain.PlatformTypeValidation {
		return p.validationPath(ctx, job, workerID, event, target, adapter)
	}

	if reason, skip := shouldSkip(event, target); skip {
		if err := p.queue.Skip(ctx, job.ID, workerID, reason); err != nil {
			return fmt.Errorf("job %d: skip: %w", job.ID, err)
		}
		p.finalize(ctx, job.EventID)
		return nil
	}

	started := time.Now()
	result, err := adapter.Send(ctx, event)
	if err != nil {
		if errors.Is(err, platform.ErrNoPhone) {
			// Precondition, not a failure; retrying cannot grow a phone.
			if skipErr := p.queue.Skip(ctx, job.ID, workerID, SkipReasonConditions); skipErr != nil {
				return fmt.Errorf("job %d: skip: %w", job.ID, skipErr)
			}
			p.finalize(ctx, job.EventID)
			return nil
		}
		p.failOrRetry(ctx, job, workerID, 0, err.Error())
		p.finalize(ctx, job.EventID)
		return fmt.Errorf("job %d: send to %s: %w", job.ID, target.PlatformCode, err)
	}

	p.appendAudit(ctx, job, event, target, adapter, result, time.Since(started))

	if !result.Success {
		p.failOrRetry(ctx, job, workerID, result.StatusCode, truncate(result.ResponseBody, 500))
		p.finalize(ctx, job.EventID)
		return nil
	}

	if err := p.queue.Complete(ctx, job.ID, workerID, result.StatusCode,
		result.ResponseBody, result.Revenue, string(result.RevenueStatus)); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Printf("[Processor] job %d: lease lost before complete", job.ID)
			return nil
		}
		return fmt.Errorf("job %d: complete: %w", job.ID, err)
	}

	if result.Revenue > 0 {
		if err := p.revenue.Record(ctx, &domain.RevenueRecord{
			EventID:    event.ID,
			PlatformID: target.ID,
			Gross:      result.Revenue,
			Net:        result.Revenue,
			Status:     result.RevenueStatus,
		}); err != nil {
			log.Printf("[Processor] record revenue for job %d: %v", job.ID, err)
		}
	}

	if len(result.EventDataPatch) > 0 {
		if err := p.events.MergeEventData(ctx, event.ID, result.EventDataPatch); err != nil {
			log.Printf("[Processor] merge event_data for event %d: %v", event.ID, err)
		}
	}

	p.finalize(ctx, job.EventID)
	return nil
}

// validationPath is the distinguished execution for validation
// platforms: the verdict lands on the event and the registry, and an
// invalid verdict cancels every sibling still pending.
func (p *Processor) validationPath(ctx context.Context, job *domain.QueueJob, workerID string, event *domain.Event, target domain.Platform, adapter platform.Adapter) error {
	allowed, err := p.emails.ConsumeDailyBudget(ctx, p.validationDailyLimit)
	if err != nil {
		log.Printf("[Processor] validation budget check: %v", err)
	} else if !allowed {
		// Budget spent: the verdict stays unknown, siblings proceed.
		log.Printf("[Processor] daily validation budget exhausted, skipping job %d", job.ID)
		if err := p.queue.Skip(ctx, job.ID, workerID, SkipReasonBudget); err != nil {
			return fmt.Errorf("job %d: skip: %w", job.ID, err)
		}
		p.finalize(ctx, job.EventID)
		return nil
	}

	started := time.Now()
	result, err := adapter.Send(ctx, event)
	if err != nil {
		p.failOrRetry(ctx, job, workerID, 0, err.Error())
		p.finalize(ctx, job.EventID)
		return fmt.Errorf("job %d: validate email: %w", job.ID, err)
	}

	p.appendAudit(ctx, job, event, target, adapter, result, time.Since(started))

	if !result.Success || result.Validation == nil {
		p.failOrRetry(ctx, job, workerID, result.StatusCode, truncate(result.ResponseBody, 500))
		p.finalize(ctx, job.EventID)
		return nil
	}

	outcome := result.Validation
	isValid := domain.DeliverableStatus(outcome.Status)
	logger.Info("email validation verdict",
		"event_id", event.ID, "email", event.Email,
		"status", outcome.Status, "sub_status", outcome.RawSubStatus)

	eventStatus := domain.EmailStatusValid
	if !isValid {
		eventStatus = domain.EmailStatusInvalid
	}
	if err := p.events.UpdateValidation(ctx, event.ID, eventStatus, outcome.ActiveInDays); err != nil {
		log.Printf("[Processor] update event %d validation: %v", event.ID, err)
	}

	if err := p.emails.UpsertValidation(ctx, &domain.EmailValidationEntry{
		Email:           event.Email,
		EmailMD5:        event.EmailMD5,
		Status:          outcome.Status,
		SubStatus:       outcome.RawSubStatus,
		ZBStatus:        outcome.RawStatus,
		ZBSubStatus:     outcome.RawSubStatus,
		ZBActive:        outcome.ActiveInDays,
		HasMX:           outcome.HasMX,
		FreeEmail:       outcome.FreeEmail,
		SMTPProvider:    outcome.SMTPProvider,
		LastValidatedAt: time.Now(),
	}); err != nil {
		logger.Error("email registry upsert failed", "email", event.Email, "error", err)
	}

	if !isValid {
		cancelled, err := p.queue.CancelSiblings(ctx, event.ID, CancelReasonInvalid)
		if err != nil {
			log.Printf("[Processor] cancel siblings for event %d: %v", event.ID, err)
		} else if cancelled > 0 {
			log.Printf("[Processor] event %d email invalid, cancelled %d pending deliveries", event.ID, cancelled)
		}
	}

	if err := p.queue.Complete(ctx, job.ID, workerID, result.StatusCode, result.ResponseBody, 0, ""); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			return nil
		}
		return fmt.Errorf("job %d: complete: %w", job.ID, err)
	}
	p.finalize(ctx, job.EventID)
	return nil
}

// shouldSkip applies the delivery preconditions that make a send
// pointless rather than failed.
func shouldSkip(event *domain.Event, target domain.Platform) (string, bool) {
	if target.RequiresValidEmail && event.EmailValidationStatus == domain.EmailStatusInvalid {
		return SkipReasonConditions, true
	}
	if target.PlatformType == domain.PlatformTypeSMS && event.Phone == "" {
		return SkipReasonConditions, true
	}
	return "", false
}

func (p *Processor) failOrRetry(ctx context.Context, job *domain.QueueJob, workerID string, code int, errMsg string) {
	if err := p.queue.Fail(ctx, job, workerID, code, errMsg); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Printf("[Processor] job %d: lease lost before fail", job.ID)
			return
		}
		log.Printf("[Processor] job %d: fail transition: %v", job.ID, err)
	}
}

func (p *Processor) failPermanent(ctx context.Context, job *domain.QueueJob, workerID, reason string) {
	if err := p.queue.FailPermanent(ctx, job.ID, workerID, reason); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		log.Printf("[Processor] job %d: permanent fail: %v", job.ID, err)
	}
}

func (p *Processor) finalize(ctx context.Context, eventID int64) {
	if err := p.events.FinalizeIfDone(ctx, eventID); err != nil {
		log.Printf("[Processor] finalize event %d: %v", eventID, err)
	}
}

func (p *Processor) appendAudit(ctx context.Context, job *domain.QueueJob, event *domain.Event, target domain.Platform, adapter platform.Adapter, result *platform.SendResult, took time.Duration) {
	if err := p.audit.Append(ctx, &domain.ProcessingLogEntry{
		EventID:      event.ID,
		PlatformID:   target.ID,
		JobID:        job.ID,
		MappedFields: adapter.MapFields(event),
		ResponseCode: result.StatusCode,
		ResponseBody: truncate(result.ResponseBody, 2000),
		Success:      result.Success,
		DurationMS:   took.Milliseconds(),
	}); err != nil {
		log.Printf("[Processor] processing log for job %d: %v", job.ID, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
