package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// MonetizationAdapter posts the lead to a monetization network. The
// network's legacy API answers 200 with a plain-text body; the literal
// word "Success" is the accepted signal and earns the configured payout.
type MonetizationAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

const defaultPayout = 2.00

func (a *MonetizationAdapter) payout() float64 {
	if v := cfgFloat(a.cfg, "payout"); v > 0 {
		return v
	}
	return defaultPayout
}

func (a *MonetizationAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "endpoint") == "" {
		return fmt.Errorf("%w: endpoint required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "publisher_id", "affiliate_id") == "" {
		return fmt.Errorf("%w: publisher_id required", ErrNotConfigured)
	}
	return nil
}

func (a *MonetizationAdapter) MapFields(e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"email":        e.Email,
		"first_name":   e.FirstName,
		"last_name":    e.LastName,
		"ip":           e.IPAddress,
		"source":       e.AcqSource,
		"publisher_id": cfgString(a.cfg, "publisher_id", "affiliate_id"),
	}
}

func (a *MonetizationAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	values := url.Values{}
	values.Set("publisher_id", cfgString(a.cfg, "publisher_id", "affiliate_id"))
	values.Set("email", e.Email)
	values.Set("first_name", e.FirstName)
	values.Set("last_name", e.LastName)
	if e.IPAddress != "" {
		values.Set("ip", e.IPAddress)
	}
	if e.AcqSource != "" {
		values.Set("source", e.AcqSource)
	}

	code, body, err := postForm(ctx, a.client, cfgString(a.cfg, "endpoint"), values)
	if err != nil {
		return nil, fmt.Errorf("monetization post: %w", err)
	}

	result := &SendResult{StatusCode: code, ResponseBody: body}
	if successStatus(code) && strings.Contains(body, "Success") {
		result.Success = true
		result.Revenue = a.payout()
		result.RevenueStatus = domain.RevenuePending
	}
	return result, nil
}

func (a *MonetizationAdapter) TestConnection(ctx context.Context) error {
	code, _, err := getJSON(ctx, a.client, cfgString(a.cfg, "endpoint"))
	if err != nil {
		return fmt.Errorf("monetization endpoint: %w", err)
	}
	if code >= 500 {
		return fmt.Errorf("monetization endpoint: status %d", code)
	}
	return nil
}
