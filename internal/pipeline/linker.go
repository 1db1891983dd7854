package pipeline

import (
	"context"
	"errors"
	"log"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
)

// Linker connects a purchase back to the lead that preceded it and
// inherits first-touch attribution the purchase arrived without.
type Linker struct {
	events EventStore
	rels   RelationshipStore
}

// NewLinker builds a linker over the event and relationship stores.
func NewLinker(events EventStore, rels RelationshipStore) *Linker {
	return &Linker{events: events, rels: rels}
}

// LinkPurchase finds the newest lead sharing the purchase's email and
// records a lead_to_purchase edge. Acquisition fields are copied per
// field, only where the purchase's own value is empty; values the
// purchase carried itself are trusted. Errors are returned for logging
// but callers must never let them block the fanout.
func (l *Linker) LinkPurchase(ctx context.Context, purchase *domain.Event) error {
	if purchase.Email == "" {
		return nil
	}

	lead, err := l.events.FindLatestLeadByEmail(ctx, purchase.Email, purchase.ID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	inherit := false
	if purchase.AcqSource == "" && lead.AcqSource != "" {
		purchase.AcqSource = lead.AcqSource
		inherit = true
	}
	if purchase.AcqCampaign == "" && lead.AcqCampaign != "" {
		purchase.AcqCampaign = lead.AcqCampaign
		inherit = true
	}
	if purchase.AcqTerm == "" && lead.AcqTerm != "" {
		purchase.AcqTerm = lead.AcqTerm
		inherit = true
	}
	if purchase.AcqDate == "" && lead.AcqDate != "" {
		purchase.AcqDate = lead.AcqDate
		inherit = true
	}
	if purchase.AcqFormTitle == "" && lead.AcqFormTitle != "" {
		purchase.AcqFormTitle = lead.AcqFormTitle
		inherit = true
	}
	if inherit {
		if err := l.events.UpdateAcquisition(ctx, purchase.ID,
			purchase.AcqSource, purchase.AcqCampaign, purchase.AcqTerm,
			purchase.AcqDate, purchase.AcqFormTitle); err != nil {
			log.Printf("[Linker] inherit acquisition for event %d: %v", purchase.ID, err)
		}
	}

	return l.rels.Link(ctx, &domain.EventRelationship{
		ParentID: lead.ID,
		ChildID:  purchase.ID,
		Type:     domain.RelLeadToPurchase,
		Criteria: domain.MatchCriteria{
			Email: true,
			IP:    lead.IPAddress != "" && lead.IPAddress == purchase.IPAddress,
		},
	})
}
