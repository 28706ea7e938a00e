package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// POStatus is the lifecycle state of a purchase order.
type POStatus string

const (
	POStatusOpen              POStatus = "OPEN"
	POStatusSent              POStatus = "SENT"
	POStatusPartiallyReceived POStatus = "PARTIALLY_RECEIVED"
	POStatusReceived          POStatus = "RECEIVED"
	POStatusCancelled         POStatus = "CANCELLED"
)

// Receivable reports whether goods may still arrive against the order.
func (s POStatus) Receivable() bool {
	return s != POStatusReceived && s != POStatusCancelled
}

// Editable reports whether header and lines may still be changed.
func (s POStatus) Editable() bool {
	return s == POStatusOpen
}

var (
	// ErrNotEditable indicates the order left the draft state.
	ErrNotEditable = errors.New("procurement: purchase order is no longer editable")
	// ErrNotReceivable indicates the order is fully received or cancelled.
	ErrNotReceivable = errors.New("procurement: purchase order cannot receive goods")
	// ErrExceedsOrderedQuantity indicates a receipt beyond the line's open quantity.
	ErrExceedsOrderedQuantity = errors.New("procurement: receipt exceeds ordered quantity")
	// ErrExceedsReceivedQuantity indicates a reversal beyond what the line received.
	ErrExceedsReceivedQuantity = errors.New("procurement: reversal exceeds received quantity")
	// ErrHasReceipts indicates the order already has posted receipts.
	ErrHasReceipts = errors.New("procurement: purchase order has posted receipts")
	// ErrInvalidTransition indicates an unsupported status change.
	ErrInvalidTransition = errors.New("procurement: invalid status transition")
)

// PurchaseOrder is an order placed with a vendor for spare parts.
type PurchaseOrder struct {
	ID         int64      `json:"id"`
	PONumber   string     `json:"po_number"`
	Vendor     string     `json:"vendor"`
	Status     POStatus   `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	CreatedBy  int64      `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	ReceivedBy *int64     `json:"received_by,omitempty"`
	Lines      []Line     `json:"lines,omitempty"`
}

// Line is one part position on a purchase order.
type Line struct {
	ID            int64           `json:"id"`
	POID          int64           `json:"po_id"`
	PartID        int64           `json:"part_id"`
	QtyOrdered    int64           `json:"qty_ordered"`
	QtyReceived   int64           `json:"qty_received"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	FinalDelivery bool            `json:"final_delivery"`
}

// Complete reports whether the line needs no further deliveries. A line is
// complete when fully received, or when a short shipment was flagged as the
// final delivery.
func (l Line) Complete() bool {
	return l.QtyReceived >= l.QtyOrdered || l.FinalDelivery
}

// Remaining is the open quantity still expected on the line.
func (l Line) Remaining() int64 {
	if l.QtyReceived >= l.QtyOrdered {
		return 0
	}
	return l.QtyOrdered - l.QtyReceived
}

// ListFilters narrows purchase order listings.
type ListFilters struct {
	Page   int
	Limit  int
	Search string
	Status POStatus
}
