package platform

import (
	"context"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// EmailListAdapter subscribes the submitter to an email list.
type EmailListAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

func (a *EmailListAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "base_url") == "" {
		return fmt.Errorf("%w: base_url required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "api_key") == "" {
		return fmt.Errorf("%w: api_key required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "list_id") == "" {
		return fmt.Errorf("%w: list_id required", ErrNotConfigured)
	}
	return nil
}

func (a *EmailListAdapter) MapFields(e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"email":      e.Email,
		"first_name": e.FirstName,
		"last_name":  e.LastName,
		"list_id":    cfgString(a.cfg, "list_id"),
		"source":     e.AcqSource,
	}
}

func (a *EmailListAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/lists/%s/subscribers",
		cfgString(a.cfg, "base_url"), cfgString(a.cfg, "list_id"))
	headers := map[string]string{"X-Api-Key": cfgString(a.cfg, "api_key")}

	code, body, err := postJSON(ctx, a.client, endpoint, headers, a.MapFields(e))
	if err != nil {
		return nil, fmt.Errorf("email list subscribe: %w", err)
	}
	// 409 means already subscribed, which is the state we wanted.
	success := successStatus(code) || code == 409
	return &SendResult{Success: success, StatusCode: code, ResponseBody: body}, nil
}

func (a *EmailListAdapter) TestConnection(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/lists/%s", cfgString(a.cfg, "base_url"), cfgString(a.cfg, "list_id"))
	code, _, err := getJSON(ctx, a.client, endpoint)
	if err != nil {
		return fmt.Errorf("email list lookup: %w", err)
	}
	if !successStatus(code) {
		return fmt.Errorf("email list lookup: status %d", code)
	}
	return nil
}
