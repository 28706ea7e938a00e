package costing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction enumerates supported goods movements.
type Direction string

const (
	// DirectionIssue moves stock out of inventory to a work order.
	DirectionIssue Direction = "ISSUE"
	// DirectionReturn moves stock back from a work order into inventory.
	DirectionReturn Direction = "RETURN"
	// DirectionReceipt moves stock into inventory from a purchase order delivery.
	DirectionReceipt Direction = "RECEIPT"
	// DirectionReversal undoes a previously posted receipt.
	DirectionReversal Direction = "REVERSAL"
)

// ReasonCode classifies why a receipt was reversed.
type ReasonCode string

const (
	ReasonDamaged       ReasonCode = "DAMAGED"
	ReasonWrongItem     ReasonCode = "WRONG_ITEM"
	ReasonOverShipment  ReasonCode = "OVER_SHIPMENT"
	ReasonQualityReject ReasonCode = "QUALITY_REJECT"
	ReasonOther         ReasonCode = "OTHER"
)

// Valid reports whether the reason code is one of the known values.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonDamaged, ReasonWrongItem, ReasonOverShipment, ReasonQualityReject, ReasonOther:
		return true
	}
	return false
}

// StockAccount is the per-part costing aggregate: quantity on hand, moving
// average price and total inventory value. Mutated only by the Engine.
type StockAccount struct {
	PartID     int64
	QtyOnHand  int64
	AvgPrice   decimal.Decimal
	TotalValue decimal.Decimal
	UpdatedAt  time.Time
}

// Movement is an immutable ledger entry describing one goods movement.
type Movement struct {
	ID          int64
	PartID      int64
	Qty         int64
	Direction   Direction
	UnitCost    decimal.Decimal
	ActorID     int64
	WorkOrderID int64
	POLineID    int64
	Reason      ReasonCode
	Note        string
	PostedAt    time.Time
}

// MovementFilter narrows ledger listings.
type MovementFilter struct {
	PartID      int64
	WorkOrderID int64
	POLineID    int64
	From        time.Time
	To          time.Time
	Limit       int
}

// PostingResult reports the appended movement and the account state after it.
type PostingResult struct {
	Movement Movement
	Account  StockAccount
}

// IssueInput describes a part issue to a work order.
type IssueInput struct {
	PartID      int64
	Qty         int64
	WorkOrderID int64
	ActorID     int64
	Note        string
}

// ReturnInput describes a part return from a work order.
type ReturnInput struct {
	PartID      int64
	Qty         int64
	WorkOrderID int64
	ActorID     int64
	Note        string
}

// ReceiveInput describes a goods receipt at a vendor-invoiced unit cost.
type ReceiveInput struct {
	PartID   int64
	Qty      int64
	UnitCost decimal.Decimal
	POLineID int64
	ActorID  int64
	Note     string
}

// ReverseReceiptInput describes the undo of a previously posted receipt.
type ReverseReceiptInput struct {
	PartID   int64
	Qty      int64
	UnitCost decimal.Decimal
	POLineID int64
	ActorID  int64
	Reason   ReasonCode
	Note     string
}

var (
	// ErrInsufficientStock indicates a movement would drive quantity on hand negative.
	ErrInsufficientStock = errors.New("costing: insufficient stock")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("costing: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("costing: unit cost must be >= 0")
	// ErrExceedsIssuedQuantity indicates a return larger than the net issued amount.
	ErrExceedsIssuedQuantity = errors.New("costing: return exceeds net issued quantity")
	// ErrInvalidState indicates a movement against state that disallows it.
	ErrInvalidState = errors.New("costing: invalid state for movement")
	// ErrMissingReasonCode indicates a reversal without a reason, or reason
	// OTHER without an explanatory note.
	ErrMissingReasonCode = errors.New("costing: reversal requires reason code")
)
