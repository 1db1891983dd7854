package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// ZeroBounceAdapter checks an email against the validation provider.
// The raw verdict rides back on SendResult.Validation; mapping to the
// canonical set and the follow-on sibling cancellation are the
// processor's job.
type ZeroBounceAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

const defaultZeroBounceURL = "https://api.zerobounce.net/v2"

func (a *ZeroBounceAdapter) baseURL() string {
	if u := cfgString(a.cfg, "base_url"); u != "" {
		return u
	}
	return defaultZeroBounceURL
}

func (a *ZeroBounceAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "api_key") == "" {
		return fmt.Errorf("%w: api_key required", ErrNotConfigured)
	}
	return nil
}

func (a *ZeroBounceAdapter) MapFields(e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"email":      e.Email,
		"ip_address": e.IPAddress,
	}
}

type zeroBounceResponse struct {
	Address      string `json:"address"`
	Status       string `json:"status"`
	SubStatus    string `json:"sub_status"`
	FreeEmail    bool   `json:"free_email"`
	MXFound      string `json:"mx_found"` // "true"/"false" per provider
	SMTPProvider string `json:"smtp_provider"`
	ActiveInDays string `json:"active_in_days"`
}

func (a *ZeroBounceAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	q := url.Values{}
	q.Set("api_key", cfgString(a.cfg, "api_key"))
	q.Set("email", e.Email)
	if e.IPAddress != "" {
		q.Set("ip_address", e.IPAddress)
	}
	endpoint := a.baseURL() + "/validate?" + q.Encode()

	code, body, err := getJSON(ctx, a.client, endpoint)
	if err != nil {
		return nil, fmt.Errorf("zerobounce validate: %w", err)
	}
	if !successStatus(code) {
		return &SendResult{StatusCode: code, ResponseBody: body}, nil
	}

	var zb zeroBounceResponse
	if err := json.Unmarshal([]byte(body), &zb); err != nil {
		return nil, fmt.Errorf("zerobounce response: %w", err)
	}

	outcome := &ValidationOutcome{
		RawStatus:    zb.Status,
		RawSubStatus: zb.SubStatus,
		Status:       domain.MapValidationStatus(zb.Status),
		HasMX:        zb.MXFound == "true",
		FreeEmail:    zb.FreeEmail,
		SMTPProvider: zb.SMTPProvider,
	}
	fmt.Sscanf(zb.ActiveInDays, "%d", &outcome.ActiveInDays)

	return &SendResult{
		Success:      true,
		StatusCode:   code,
		ResponseBody: body,
		Validation:   outcome,
	}, nil
}

func (a *ZeroBounceAdapter) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("api_key", cfgString(a.cfg, "api_key"))
	code, _, err := getJSON(ctx, a.client, a.baseURL()+"/getcredits?"+q.Encode())
	if err != nil {
		return fmt.Errorf("zerobounce credits: %w", err)
	}
	if !successStatus(code) {
		return fmt.Errorf("zerobounce credits: status %d", code)
	}
	return nil
}
