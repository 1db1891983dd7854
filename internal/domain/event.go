package domain

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of submission an event represents.
type EventType string

const (
	EventTypeLead       EventType = "lead"
	EventTypePurchase   EventType = "purchase"
	EventTypeEmailOpen  EventType = "email_open"
	EventTypeEmailClick EventType = "email_click"
)

// EventStatus is the lifecycle state of an event.
// Terminal states: completed, blocked, failed.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusBlocked    EventStatus = "blocked"
)

// Email validation verdicts as stored on events and in the email registry.
const (
	EmailStatusValid      = "valid"
	EmailStatusInvalid    = "invalid"
	EmailStatusCatchAll   = "catch-all"
	EmailStatusUnknown    = "unknown"
	EmailStatusRole       = "role"
	EmailStatusDisposable = "disposable"
)

// Event is a single lead or purchase submission. It is created at intake
// and mutated only by the processor.
type Event struct {
	ID        int64
	EventID   uuid.UUID // stable external identity
	EventType EventType

	Email     string
	EmailMD5  string
	Phone     string // canonicalized: 11 digits, leading 1
	FirstName string
	LastName  string
	IPAddress string

	// Acquisition block: the first touch. For leads these are the
	// submitted attribution fields; purchases inherit them from the
	// linked lead when empty.
	AcqSource    string
	AcqCampaign  string
	AcqTerm      string
	AcqDate      string
	AcqFormTitle string

	// Current block: attribution for this specific event.
	CurrentSource   string
	CurrentMedium   string
	CurrentCampaign string
	CurrentContent  string
	CurrentTerm     string
	GCLID           string
	GAClientID      string

	// Purchase block: present only when EventType is purchase.
	PurchaseOffer         string
	PurchasePublisher     string
	PurchaseAmount        float64
	PurchaseTrafficSource string

	EmailValidationStatus string // empty until validated
	ZBLastActive          int    // days since last activity per validator

	// EventData carries residual submitted keys plus platform additions
	// (e.g. CRM contact ids). Opaque to the pipeline.
	EventData map[string]interface{}

	Status        EventStatus
	BlockedReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasValidatedEmail reports whether the event carries a verdict that is
// good for downstream delivery (valid, catch-all, unknown, role).
func (e *Event) HasValidatedEmail() bool {
	switch e.EmailValidationStatus {
	case EmailStatusValid, EmailStatusCatchAll, EmailStatusUnknown, EmailStatusRole:
		return true
	}
	return false
}

// EmailDomain returns the part after '@', lowercased, or "" when the
// event has no parseable email.
func (e *Event) EmailDomain() string {
	at := strings.LastIndex(e.Email, "@")
	if at < 0 || at == len(e.Email)-1 {
		return ""
	}
	return strings.ToLower(e.Email[at+1:])
}

var emailFormatRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// NormalizeEmail lowercases and trims an email address. This is the
// canonical form used for registry keys and fingerprints.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailFingerprint returns the MD5 hex digest of the normalized email,
// the stable identity key used across registries and suppression data.
func EmailFingerprint(email string) string {
	cleaned := NormalizeEmail(email)
	if cleaned == "" {
		return ""
	}
	sum := md5.Sum([]byte(cleaned))
	return hex.EncodeToString(sum[:])
}

// ValidEmailFormat reports whether the email passes the RFC-ish shape
// check used at intake. Registry and provider checks are separate.
func ValidEmailFormat(email string) bool {
	return emailFormatRegex.MatchString(NormalizeEmail(email))
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone canonicalizes a phone number to 11 digits with a
// leading 1. Returns "" when the input cannot be canonicalized.
func NormalizePhone(phone string) string {
	digits := nonDigits.ReplaceAllString(phone, "")
	switch {
	case len(digits) == 10:
		return "1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return digits
	default:
		return ""
	}
}

// SplitName splits a free-form "First Last" value. Everything after the
// first space goes to the last name.
func SplitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.SplitN(name, " ", 2)
	first = parts[0]
	if len(parts) == 2 {
		last = strings.TrimSpace(parts[1])
	}
	return first, last
}
