package platform

import (
	"context"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// AnalyticsAdapter sends an identify call followed by a track call. The
// identify ties the email to the analytics client id; track records the
// event itself. Both must succeed for the delivery to count.
type AnalyticsAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

func (a *AnalyticsAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "endpoint") == "" {
		return fmt.Errorf("%w: endpoint required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "write_key") == "" {
		return fmt.Errorf("%w: write_key required", ErrNotConfigured)
	}
	return nil
}

func (a *AnalyticsAdapter) MapFields(e *domain.Event) map[string]interface{} {
	props := map[string]interface{}{
		"event_type": string(e.EventType),
		"source":     e.CurrentSource,
		"medium":     e.CurrentMedium,
		"campaign":   e.CurrentCampaign,
	}
	if e.GCLID != "" {
		props["gclid"] = e.GCLID
	}
	if e.GAClientID != "" {
		props["client_id"] = e.GAClientID
	}
	if e.EventType == domain.EventTypePurchase {
		props["revenue"] = e.PurchaseAmount
		props["offer"] = e.PurchaseOffer
	}
	return props
}

func (a *AnalyticsAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	endpoint := cfgString(a.cfg, "endpoint")
	headers := map[string]string{"Authorization": "Bearer " + cfgString(a.cfg, "write_key")}

	identify := map[string]interface{}{
		"user_id": e.EmailMD5,
		"traits": map[string]interface{}{
			"email":      e.Email,
			"first_name": e.FirstName,
			"last_name":  e.LastName,
		},
	}
	code, body, err := postJSON(ctx, a.client, endpoint+"/identify", headers, identify)
	if err != nil {
		return nil, fmt.Errorf("analytics identify: %w", err)
	}
	if !successStatus(code) {
		return &SendResult{StatusCode: code, ResponseBody: body}, nil
	}

	track := map[string]interface{}{
		"user_id":    e.EmailMD5,
		"event":      eventName(e.EventType),
		"properties": a.MapFields(e),
	}
	code, body, err = postJSON(ctx, a.client, endpoint+"/track", headers, track)
	if err != nil {
		return nil, fmt.Errorf("analytics track: %w", err)
	}
	if !successStatus(code) {
		return &SendResult{StatusCode: code, ResponseBody: body}, nil
	}

	// Optional extra events configured per platform, best effort.
	if extra := cfgString(a.cfg, "sub_event"); extra != "" {
		sub := map[string]interface{}{
			"user_id":    e.EmailMD5,
			"event":      extra,
			"properties": a.MapFields(e),
		}
		// Mandatory calls already landed; ignore the outcome.
		postJSON(ctx, a.client, endpoint+"/track", headers, sub)
	}

	return &SendResult{Success: true, StatusCode: code, ResponseBody: body}, nil
}

func (a *AnalyticsAdapter) TestConnection(ctx context.Context) error {
	code, _, err := getJSON(ctx, a.client, cfgString(a.cfg, "endpoint")+"/health")
	if err != nil {
		return fmt.Errorf("analytics health: %w", err)
	}
	if !successStatus(code) {
		return fmt.Errorf("analytics health: status %d", code)
	}
	return nil
}

func eventName(t domain.EventType) string {
	switch t {
	case domain.EventTypeLead:
		return "Lead Submitted"
	case domain.EventTypePurchase:
		return "Purchase Completed"
	default:
		return string(t)
	}
}
