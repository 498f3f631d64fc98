package model

import "time"

// AuditSession is a bounded exercise of counting physical stock at one
// location and reconciling it against recorded stock.
type AuditSession struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	LocationID    *int64     `json:"location_id"`
	OpenedBy      *int64     `json:"opened_by,omitempty"`
	State         string     `json:"state"`
	ItemsTotal    int        `json:"items_total"`
	ItemsScanned  int        `json:"items_scanned"`
	Discrepancies int        `json:"discrepancies"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	// MergingAt is set while a close is merging the session's items.
	MergingAt *time.Time `json:"merging_at,omitempty"`

	// Joined fields (not always populated).
	LocationCode string `json:"location_code,omitempty"`
	LocationName string `json:"location_name,omitempty"`
}

// Audit session states.
const (
	AuditStateOpen   = "open"
	AuditStateClosed = "closed"
)

// IsOpen reports whether the session has not been closed yet.
func (s *AuditSession) IsOpen() bool {
	return s.State == AuditStateOpen
}

// AcceptsItems reports whether items may still be added or removed.
func (s *AuditSession) AcceptsItems() bool {
	return s.IsOpen() && s.MergingAt == nil
}

// ReconciledItem is one counted submission for a product within a session.
type ReconciledItem struct {
	ID               int64      `json:"id"`
	AuditSessionID   int64      `json:"audit_session_id"`
	ProductCode      string     `json:"product_code"`
	PrimaryLot       string     `json:"primary_lot"`
	Lots             []LotEntry `json:"lots"`
	SystemQuantity   int        `json:"system_quantity"`
	PhysicalQuantity int        `json:"physical_quantity"`
	DiscrepancyType  string     `json:"discrepancy_type"`
	Notes            string     `json:"notes,omitempty"`
	PendingDeduction bool       `json:"pending_deduction"`
	RecordedBy       *int64     `json:"recorded_by,omitempty"`
	RecordedAt       time.Time  `json:"recorded_at"`
}

// Discrepancy types.
const (
	DiscrepancyMatches  = "matches"
	DiscrepancyExcess   = "excess"
	DiscrepancyShortage = "shortage"
)

// ClassifyDiscrepancy derives the discrepancy type from the sign of
// physical minus system quantity.
func ClassifyDiscrepancy(physical, system int) string {
	switch diff := physical - system; {
	case diff > 0:
		return DiscrepancyExcess
	case diff < 0:
		return DiscrepancyShortage
	default:
		return DiscrepancyMatches
	}
}

// RecordedByActor reports whether actor submitted the item.
func (i *ReconciledItem) RecordedByActor(actor Actor) bool {
	return i.RecordedBy != nil && *i.RecordedBy == actor.ID
}

// HasNonconforming reports whether any lot carries rejected units.
func HasNonconforming(lots []LotEntry) bool {
	for _, l := range lots {
		if l.NonconformingQuantity > 0 {
			return true
		}
	}
	return false
}

// SumCounted returns the total counted quantity across lots.
func SumCounted(lots []LotEntry) int {
	total := 0
	for _, l := range lots {
		total += l.CountedQuantity
	}
	return total
}
