package domain

import "time"

// RelationshipType labels a directed edge between two events.
type RelationshipType string

// RelLeadToPurchase links a purchase back to the lead that preceded it.
const RelLeadToPurchase RelationshipType = "lead_to_purchase"

// MatchCriteria records why two events were linked.
type MatchCriteria struct {
	Email bool `json:"email"`
	IP    bool `json:"ip"`
}

// EventRelationship is a directed parent→child edge. The graph is kept
// acyclic by policy: a purchase is only ever linked forward from a lead.
type EventRelationship struct {
	ID        int64
	ParentID  int64
	ChildID   int64
	Type      RelationshipType
	Criteria  MatchCriteria
	CreatedAt time.Time
}

// RevenueStatus is the settlement state of a revenue record.
type RevenueStatus string

const (
	RevenuePending   RevenueStatus = "pending"
	RevenueConfirmed RevenueStatus = "confirmed"
	RevenuePaid      RevenueStatus = "paid"
	RevenueRejected  RevenueStatus = "rejected"
	RevenueRefunded  RevenueStatus = "refunded"
)

// RevenueRecord attributes revenue from one platform response to one event.
type RevenueRecord struct {
	ID         int64
	EventID    int64
	PlatformID int64
	Gross      float64
	Net        float64
	Currency   string // always USD today
	Status     RevenueStatus
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProcessingLogEntry is the audit row written for every adapter send.
type ProcessingLogEntry struct {
	ID           int64
	EventID      int64
	PlatformID   int64
	JobID        int64
	MappedFields map[string]interface{}
	ResponseCode int
	ResponseBody string
	Success      bool
	DurationMS   int64
	CreatedAt    time.Time
}
