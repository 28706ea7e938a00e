package workorders

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a work order.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusOnHold     Status = "ON_HOLD"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusOnHold, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the work order can no longer move parts.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ErrTerminalState is returned when posting parts against a completed or
// cancelled work order.
var ErrTerminalState = errors.New("workorders: work order is completed or cancelled")

// ErrInvalidStatus is returned for unknown or disallowed status values.
var ErrInvalidStatus = errors.New("workorders: invalid status")

// WorkOrder is a maintenance job that consumes spare parts.
type WorkOrder struct {
	ID          int64      `json:"id"`
	WONumber    string     `json:"wo_number"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Equipment   string     `json:"equipment,omitempty"`
	Status      Status     `json:"status"`
	CreatedBy   int64      `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IssuedPart summarizes the net consumption of one part by a work order.
type IssuedPart struct {
	PartID      int64           `json:"part_id"`
	PartNo      string          `json:"part_no"`
	Description string          `json:"description"`
	QtyIssued   int64           `json:"qty_issued"`
	QtyReturned int64           `json:"qty_returned"`
	NetQty      int64           `json:"net_qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// ListFilters narrows work order listings.
type ListFilters struct {
	Page   int
	Limit  int
	Search string
	Status Status
}
