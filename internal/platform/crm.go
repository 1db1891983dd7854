package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

// CRMAdapter upserts the event as a CRM contact, then touches the
// contact's last-submission timestamp in a second call. The contact id
// from the first response is patched into the event's data map.
type CRMAdapter struct {
	cfg    map[string]interface{}
	client *httpretry.RetryClient
}

func (a *CRMAdapter) ValidateConfig() error {
	if cfgString(a.cfg, "base_url") == "" {
		return fmt.Errorf("%w: base_url required", ErrNotConfigured)
	}
	if cfgString(a.cfg, "api_key") == "" {
		return fmt.Errorf("%w: api_key required", ErrNotConfigured)
	}
	return nil
}

func (a *CRMAdapter) MapFields(e *domain.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"email":      e.Email,
		"first_name": e.FirstName,
		"last_name":  e.LastName,
	}
	if e.Phone != "" {
		fields["phone"] = e.Phone
	}
	if e.AcqSource != "" {
		fields["source"] = e.AcqSource
	}
	if e.AcqCampaign != "" {
		fields["campaign"] = e.AcqCampaign
	}
	if e.AcqFormTitle != "" {
		fields["form_title"] = e.AcqFormTitle
	}
	if e.EventType == domain.EventTypePurchase {
		fields["purchase_offer"] = e.PurchaseOffer
		fields["purchase_amount"] = e.PurchaseAmount
	}
	if tags := cfgString(a.cfg, "tags"); tags != "" {
		fields["tags"] = tags
	}
	return fields
}

func (a *CRMAdapter) Send(ctx context.Context, e *domain.Event) (*SendResult, error) {
	base := cfgString(a.cfg, "base_url")
	headers := map[string]string{"Authorization": "Bearer " + cfgString(a.cfg, "api_key")}

	code, body, err := postJSON(ctx, a.client, base+"/contacts/upsert", headers, a.MapFields(e))
	if err != nil {
		return nil, fmt.Errorf("crm upsert: %w", err)
	}
	if !successStatus(code) {
		return &SendResult{StatusCode: code, ResponseBody: body}, nil
	}

	var upsert struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.Unmarshal([]byte(body), &upsert); err != nil || upsert.ContactID == "" {
		// Upsert landed but the contact id is unusable; still a success,
		// just without the follow-up touch.
		return &SendResult{Success: true, StatusCode: code, ResponseBody: body}, nil
	}

	result := &SendResult{
		Success:      true,
		StatusCode:   code,
		ResponseBody: body,
		EventDataPatch: map[string]interface{}{
			"crm_contact_id": upsert.ContactID,
		},
	}

	touch := map[string]interface{}{"field": "last_submission", "value": "now"}
	touchCode, touchBody, err := postJSON(ctx, a.client,
		fmt.Sprintf("%s/contacts/%s/fields", base, upsert.ContactID), headers, touch)
	if err != nil || !successStatus(touchCode) {
		// The contact exists; a failed touch is not worth a retry cycle.
		result.ResponseBody = body + "; touch failed: " + touchBody
	}
	return result, nil
}

func (a *CRMAdapter) TestConnection(ctx context.Context) error {
	base := cfgString(a.cfg, "base_url")
	code, _, err := getJSON(ctx, a.client, base+"/ping")
	if err != nil {
		return fmt.Errorf("crm ping: %w", err)
	}
	if !successStatus(code) {
		return fmt.Errorf("crm ping: status %d", code)
	}
	return nil
}
