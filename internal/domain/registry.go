package domain

import "time"

// IdentifierType keys a bot registry entry.
type IdentifierType string

const (
	IdentifierEmail IdentifierType = "email"
	IdentifierPhone IdentifierType = "phone"
	IdentifierIP    IdentifierType = "ip"
)

// BotSeverity escalates with repeat offenses.
type BotSeverity string

const (
	SeverityLow    BotSeverity = "low"
	SeverityMedium BotSeverity = "medium"
	SeverityHigh   BotSeverity = "high"
)

// SeverityForAttempts promotes severity by attempt count:
// >=10 high, >=5 medium, else low.
func SeverityForAttempts(attempts int) BotSeverity {
	switch {
	case attempts >= 10:
		return SeverityHigh
	case attempts >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// BotEntry records a known-bot identifier plus the identifiers that
// co-occurred with it in submissions.
type BotEntry struct {
	ID              int64
	IdentifierType  IdentifierType
	IdentifierValue string

	DetectionMethod string
	HoneypotFields  []string
	AttemptCount    int
	Severity        BotSeverity

	// Associated identifiers seen alongside this one. A match against
	// any of these also counts as a known bot.
	AssociatedEmails []string
	AssociatedPhones []string
	AssociatedIPs    []string

	FirstSeen time.Time
	LastSeen  time.Time
}

// Permanent-invalid ZeroBounce substatuses. Entries carrying one of
// these are never revalidated regardless of cache age.
var permanentInvalidSubstatuses = map[string]bool{
	"mailbox_not_found": true,
	"mailbox_invalid":   true,
	"no_dns_entries":    true,
}

// IsPermanentInvalidSubstatus reports whether the substatus marks an
// address as unrecoverable.
func IsPermanentInvalidSubstatus(sub string) bool {
	return permanentInvalidSubstatuses[sub]
}

// MapValidationStatus maps a raw provider verdict onto the canonical
// set stored on events and in the registry.
func MapValidationStatus(raw string) string {
	switch raw {
	case "valid":
		return EmailStatusValid
	case "invalid", "spamtrap", "abuse", "do_not_mail", "toxic":
		return EmailStatusInvalid
	case "catch-all":
		return EmailStatusCatchAll
	case "role":
		return EmailStatusRole
	case "disposable":
		return EmailStatusDisposable
	case "unknown":
		return EmailStatusUnknown
	default:
		return EmailStatusUnknown
	}
}

// DeliverableStatus reports whether a canonical verdict is good for
// downstream delivery.
func DeliverableStatus(status string) bool {
	switch status {
	case EmailStatusValid, EmailStatusCatchAll, EmailStatusUnknown:
		return true
	}
	return false
}

// StatusChange is one entry in a registry row's verdict history.
type StatusChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
}

// EmailValidationEntry caches a provider verdict for one email.
type EmailValidationEntry struct {
	ID       int64
	Email    string
	EmailMD5 string

	Status    string // canonical verdict
	SubStatus string

	// Raw provider fields, kept for audit.
	ZBStatus    string
	ZBSubStatus string
	ZBActive    int // active_in_days

	HasMX        bool
	FreeEmail    bool
	SMTPProvider string

	ValidationCount  int
	FirstSeenValid   time.Time
	FirstSeenInvalid time.Time
	StatusHistory    []StatusChange

	LastValidatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NeedsRevalidation reports whether the cached verdict is older than
// ttl and eligible for a fresh provider check.
func (e *EmailValidationEntry) NeedsRevalidation(ttl time.Duration, now time.Time) bool {
	if IsPermanentInvalidSubstatus(e.SubStatus) {
		return false
	}
	return now.Sub(e.LastValidatedAt) > ttl
}
