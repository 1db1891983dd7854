package pipeline

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/lead-pipeline/internal/domain"
)

// Submission is the raw intake input: the declared event type plus the
// flattened form/JSON fields and the caller's IP.
type Submission struct {
	Type   domain.EventType
	Fields map[string]string
	IP     string
}

// Form keys lifted onto named event columns. Everything else lands in
// event_data untouched.
var namedKeys = map[string]bool{
	"email": true, "phone": true, "name": true,
	"first_name": true, "last_name": true,
	"source": true, "campaign": true, "term": true, "form_title": true,
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_content": true, "utm_term": true,
	"gclid": true, "ga_client_id": true,
	"offer": true, "publisher": true, "amount": true, "traffic_source": true,
}

// buildEvent maps a submission onto a new Event. Lead attribution keys
// become the acquisition block; purchases leave it empty so the linker
// can inherit it from the originating lead.
func buildEvent(sub Submission, now time.Time) *domain.Event {
	f := sub.Fields
	e := &domain.Event{
		EventID:   uuid.New(),
		EventType: sub.Type,
		Status:    domain.EventStatusPending,
		IPAddress: sub.IP,
		EventData: map[string]interface{}{},
	}

	e.Email = domain.NormalizeEmail(f["email"])
	e.EmailMD5 = domain.EmailFingerprint(e.Email)
	e.Phone = domain.NormalizePhone(f["phone"])

	e.FirstName = f["first_name"]
	e.LastName = f["last_name"]
	if e.FirstName == "" && e.LastName == "" && f["name"] != "" {
		e.FirstName, e.LastName = domain.SplitName(f["name"])
	}

	e.CurrentSource = f["utm_source"]
	e.CurrentMedium = f["utm_medium"]
	e.CurrentCampaign = f["utm_campaign"]
	e.CurrentContent = f["utm_content"]
	e.CurrentTerm = f["utm_term"]
	e.GCLID = f["gclid"]
	e.GAClientID = f["ga_client_id"]

	switch sub.Type {
	case domain.EventTypeLead:
		e.AcqSource = f["source"]
		e.AcqCampaign = f["campaign"]
		e.AcqTerm = f["term"]
		e.AcqFormTitle = f["form_title"]
		e.AcqDate = now.Format("2006-01-02")
	case domain.EventTypePurchase:
		e.PurchaseOffer = f["offer"]
		e.PurchasePublisher = f["publisher"]
		e.PurchaseTrafficSource = f["traffic_source"]
		if amt, err := strconv.ParseFloat(f["amount"], 64); err == nil {
			e.PurchaseAmount = amt
		}
	}

	for k, v := range f {
		if !namedKeys[k] && v != "" {
			e.EventData[k] = v
		}
	}
	return e
}
