// Package validate implements the intake gate: the cheap, synchronous
// checks that decide whether a submission becomes an event at all.
// Provider validation is asynchronous and lives with the platform
// adapters; this package only consults local state.
package validate

import (
	"context"
	"log"
	"time"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/logger"
)

// Block reasons recorded on rejected events.
const (
	ReasonHoneypot      = "honeypot_triggered"
	ReasonKnownBot      = "known_bot"
	ReasonCachedInvalid = "email_known_invalid"
	ReasonBadEmail      = "email_format"
	ReasonMissingEmail  = "email_missing"
)

// BotChecker is the registry lookup side of the gate.
type BotChecker interface {
	IsBot(ctx context.Context, email, phone, ip string) (bool, error)
	RecordHoneypotBot(ctx context.Context, email, phone, ip string, honeypotFields []string) error
}

// EmailCache is the cached-verdict side of the gate.
type EmailCache interface {
	FindByEmail(ctx context.Context, email string) (*domain.EmailValidationEntry, error)
}

// Verdict is the gate's decision for one submission.
type Verdict struct {
	Allowed     bool
	BlockReason string

	// Cached verdict applied to the event when the registry had a fresh
	// entry. Empty when the address is unseen or stale.
	CachedStatus string
	CachedActive int

	// NeedsValidation asks the processor to enqueue a provider check:
	// either the address is unseen or its cached verdict aged out.
	NeedsValidation bool
}

// Validator runs the intake gate.
type Validator struct {
	bots   BotChecker
	emails EmailCache

	honeypotFields []string
	cacheTTL       time.Duration

	notFound error // the cache's sentinel for a miss
}

// New builds a validator. notFound is the error the email cache returns
// on a miss, typically postgres.ErrNotFound.
func New(bots BotChecker, emails EmailCache, honeypotFields []string, cacheTTL time.Duration, notFound error) *Validator {
	return &Validator{
		bots:           bots,
		emails:         emails,
		honeypotFields: honeypotFields,
		cacheTTL:       cacheTTL,
		notFound:       notFound,
	}
}

// Check runs the gate over the raw form values and the already
// normalized identifiers. Checks run cheapest-first and the first
// failure wins. Registry writes are best effort: a failed bot upsert
// never turns a block into an accept or vice versa.
func (v *Validator) Check(ctx context.Context, form map[string]string, email, phone, ip string) Verdict {
	// Honeypot fields are invisible to humans; any value means a bot.
	for _, field := range v.honeypotFields {
		if val, ok := form[field]; ok && val != "" {
			logger.Warn("honeypot triggered",
				"field", field, "email", email, "phone", phone, "ip", ip)
			if err := v.bots.RecordHoneypotBot(ctx, email, phone, ip, []string{field}); err != nil {
				log.Printf("[IntakeGate] record honeypot bot: %v", err)
			}
			return Verdict{BlockReason: ReasonHoneypot}
		}
	}

	known, err := v.bots.IsBot(ctx, email, phone, ip)
	if err != nil {
		// Fail open on registry errors; the gate is a filter, not a wall.
		log.Printf("[IntakeGate] bot lookup: %v", err)
	} else if known {
		return Verdict{BlockReason: ReasonKnownBot}
	}

	if email == "" {
		return Verdict{BlockReason: ReasonMissingEmail}
	}
	if !domain.ValidEmailFormat(email) {
		return Verdict{BlockReason: ReasonBadEmail}
	}

	entry, err := v.emails.FindByEmail(ctx, email)
	switch {
	case err == v.notFound:
		// Unseen address: accept, ask for a provider check.
		return Verdict{Allowed: true, NeedsValidation: true}
	case err != nil:
		log.Printf("[IntakeGate] email cache lookup: %v", err)
		return Verdict{Allowed: true, NeedsValidation: true}
	}

	if entry.Status == domain.EmailStatusInvalid {
		return Verdict{BlockReason: ReasonCachedInvalid}
	}

	verdict := Verdict{
		Allowed:      true,
		CachedStatus: entry.Status,
		CachedActive: entry.ZBActive,
	}
	if entry.NeedsRevalidation(v.cacheTTL, time.Now()) {
		verdict.NeedsValidation = true
	}
	return verdict
}
