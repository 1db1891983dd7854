package domain

import "time"

// PlatformType categorizes what a downstream platform does. The
// validation type gets the privileged early-delivery path.
type PlatformType string

const (
	PlatformTypeCRM          PlatformType = "crm"
	PlatformTypeAnalytics    PlatformType = "analytics"
	PlatformTypeSMS          PlatformType = "sms"
	PlatformTypeValidation   PlatformType = "validation"
	PlatformTypeMonetization PlatformType = "monetization"
	PlatformTypeEmail        PlatformType = "email"
)

// Platform is a downstream delivery target. Definitions are stored, not
// configured via env, and are immutable for a worker's lifetime.
type Platform struct {
	ID           int64
	PlatformCode string // unique, e.g. "zerobounce"
	DisplayName  string
	PlatformType PlatformType
	IsActive     bool

	// APIConfig is the opaque per-platform configuration. A nested
	// "api_config" key, if present, is merged into the top level by the
	// adapter factory before parameter resolution.
	APIConfig map[string]interface{}

	MaxRetries     int
	TimeoutSeconds int

	// RequiresValidEmail gates delivery when the event's email verdict
	// is invalid. Defaults to true.
	RequiresValidEmail bool

	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeout returns the per-platform HTTP timeout, defaulting to 30s.
func (p *Platform) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RetryBudget returns the per-platform retry cap, defaulting to
// DefaultMaxRetries.
func (p *Platform) RetryBudget() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// RoutingRule maps an event type to a platform, guarded by a
// conjunction of field predicates and ordered by ascending priority.
type RoutingRule struct {
	ID         int64
	EventType  EventType
	PlatformID int64

	// Conditions is the stored key→predicate JSON map. The router
	// parses it into typed predicates at load time.
	Conditions map[string]interface{}

	Priority  int
	IsActive  bool
	CreatedAt time.Time
}
