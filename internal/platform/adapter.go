// Package platform contains the delivery adapters, one per downstream
// platform type.
//
// Adapters are split into individual files:
//   - crm.go:          CRM contact upsert plus last-submission touch
//   - analytics.go:    identify + track calls to the analytics collector
//   - sms.go:          SMS list subscription
//   - zerobounce.go:   email validation provider
//   - monetization.go: lead monetization network postback
//   - emaillist.go:    email list subscription
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// Adapter delivers one event to one platform type.
type Adapter interface {
	// Send performs the delivery. A non-nil error with a nil result is
	// an infrastructure failure; a result with Success false carries the
	// platform's rejection.
	Send(ctx context.Context, event *domain.Event) (*SendResult, error)

	// MapFields returns the outbound payload for auditing. The same
	// mapping Send uses, exposed so the processing log can record it.
	MapFields(event *domain.Event) map[string]interface{}

	// ValidateConfig checks the stored api_config at adapter build time.
	ValidateConfig() error

	// TestConnection performs a cheap live check against the platform.
	TestConnection(ctx context.Context) error
}

// ValidationOutcome carries a provider verdict back to the processor.
type ValidationOutcome struct {
	RawStatus    string // provider status, e.g. "do_not_mail"
	RawSubStatus string
	Status       string // canonical, via domain.MapValidationStatus
	ActiveInDays int
	HasMX        bool
	FreeEmail    bool
	SMTPProvider string
}

// SendResult is the outcome of one delivery attempt.
type SendResult struct {
	Success      bool
	StatusCode   int
	ResponseBody string

	// Revenue earned by this delivery, when the platform pays per lead.
	Revenue       float64
	RevenueStatus domain.RevenueStatus

	// Validation is set only by validation adapters.
	Validation *ValidationOutcome

	// EventDataPatch carries platform-assigned identifiers (contact ids
	// and the like) to merge into the event's data map.
	EventDataPatch map[string]interface{}
}

// ErrNotConfigured is returned by the factory when required api_config
// keys are missing.
var ErrNotConfigured = errors.New("platform not configured")

// New builds the adapter for a platform definition. The shared retry
// client handles transient HTTP failures inside a single attempt; queue
// level retries cover everything else.
func New(p domain.Platform, client *http.Client) (Adapter, error) {
	cfg := flattenConfig(p.APIConfig)
	var doer httpretry.HTTPDoer
	if client != nil {
		doer = client
	}
	retry := httpretry.New(doer, 2, p.Timeout())

	var a Adapter
	switch p.PlatformType {
	case domain.PlatformTypeCRM:
		a = &CRMAdapter{cfg: cfg, client: retry}
	case domain.PlatformTypeAnalytics:
		a = &AnalyticsAdapter{cfg: cfg, client: retry}
	case domain.PlatformTypeSMS:
		a = &SMSAdapter{cfg: cfg, client: retry}
	case domain.PlatformTypeValidation:
		a = &ZeroBounceAdapter{cfg: cfg, client: retry}
	case domain.PlatformTypeMonetization:
		a = &MonetizationAdapter{cfg: cfg, client: retry}
	case domain.PlatformTypeEmail:
		a = &EmailListAdapter{cfg: cfg, client: retry}
	default:
		return nil, fmt.Errorf("unsupported platform type: %s", p.PlatformType)
	}

	if err := a.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("platform %s: %w", p.PlatformCode, err)
	}
	return a, nil
}

// flattenConfig merges a nested "api_config" object into the top level.
// Some stored definitions carry credentials one level down.
func flattenConfig(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "api_config" {
			continue
		}
		out[k] = v
	}
	if nested, ok := raw["api_config"].(map[string]interface{}); ok {
		for k, v := range nested {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out
}

// cfgString resolves the first present key to a string.
func cfgString(cfg map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// cfgFloat resolves the first present key to a float.
func cfgFloat(cfg map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		switch v := cfg[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}
