package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// ErrNoPhone marks an event that cannot be delivered to an SMS platform.
// The processor turns this into a skip, not a retry.
var ErrNoPhone = fmt.Errorf("event has no canonical phone")

// SMSAdapter subscribes the submitter's phone to an SMS list.
type SMSAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

func (a *SMSAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "endpoint") == "" {
		return fmt.Errorf("%w: endpoint required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "api_key") == "" {
		return fmt.Errorf("%w: api_key required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "list_id") == "" {
		return fmt.Errorf("%w: list_id required", ErrNotConfigured)
	}
	return nil
}

func (a *SMSAdapter) MapFields(e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"phone":      e.Phone,
		"email":      e.Email,
		"first_name": e.FirstName,
		"list_id":    cfgString(a.cfg, "list_id"),
	}
}

func (a *SMSAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	// Canonical phones are 11 digits with a leading 1; anything else was
	// zeroed at intake.
	if len(e.Phone) != 11 {
		return nil, ErrNoPhone
	}

	values := url.Values{}
	values.Set("api_key", cfgString(a.cfg, "api_key"))
	values.Set("list_id", cfgString(a.cfg, "list_id"))
	values.Set("phone", e.Phone)
	if e.FirstName != "" {
		values.Set("first_name", e.FirstName)
	}
	if e.Email != "" {
		values.Set("email", e.Email)
	}

	code, body, err := postForm(ctx, a.client, cfgString(a.cfg, "endpoint"), values)
	if err != nil {
		return nil, fmt.Errorf("sms subscribe: %w", err)
	}
	return &SendResult{Success: successStatus(code), StatusCode: code, ResponseBody: body}, nil
}

func (a *SMSAdapter) TestConnection(ctx context.Context) error {
	code, _, err := getJSON(ctx, a.client, cfgString(a.cfg, "endpoint"))
	if err != nil {
		return fmt.Errorf("sms endpoint: %w", err)
	}
	// Many SMS gateways 405 a bare GET; reachability is all we check.
	if code >= 500 {
		return fmt.Errorf("sms endpoint: status %d", code)
	}
	return nil
}
