package parts

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicatePartNo is returned when a part number is already taken.
var ErrDuplicatePartNo = errors.New("parts: part number already exists")

// ErrPartInUse is returned when deleting a part that has ledger history.
var ErrPartInUse = errors.New("parts: part has stock movements")

// StockStatus classifies on-hand quantity against the part's thresholds.
type StockStatus string

const (
	StockStatusOK      StockStatus = "ok"
	StockStatusLow     StockStatus = "low"
	StockStatusExceeds StockStatus = "exceeds"
)

// Part is a spare part master record.
type Part struct {
	ID                int64     `json:"id"`
	PartNo            string    `json:"part_no"`
	Description       string    `json:"description"`
	VendorDescription string    `json:"vendor_description,omitempty"`
	StorageLocation   string    `json:"storage_location,omitempty"`
	StorageBin        string    `json:"storage_bin,omitempty"`
	ReorderPoint      int64     `json:"reorder_point"`
	MaximumStock      int64     `json:"maximum_stock"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PartStock is a part joined with its stock account.
type PartStock struct {
	Part
	QtyOnHand  int64           `json:"qty_on_hand"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	TotalValue decimal.Decimal `json:"total_value"`
	Status     StockStatus     `json:"stock_status"`
}

// StockStatusFor classifies qty against the part's reorder point and maximum.
// Stock sitting exactly on the reorder point is not yet low.
func StockStatusFor(p Part, qtyOnHand int64) StockStatus {
	if p.ReorderPoint > 0 && qtyOnHand < p.ReorderPoint {
		return StockStatusLow
	}
	if p.MaximumStock > 0 && qtyOnHand > p.MaximumStock {
		return StockStatusExceeds
	}
	return StockStatusOK
}

// ListFilters narrows part listings.
type ListFilters struct {
	Page    int
	Limit   int
	Search  string
	Status  StockStatus
	SortBy  string
	SortDir string
}

// StockSummary aggregates the whole stock room.
type StockSummary struct {
	PartCount      int             `json:"part_count"`
	TotalQty       int64           `json:"total_qty"`
	TotalValue     decimal.Decimal `json:"total_value"`
	LowStockCount  int             `json:"low_stock_count"`
	OverStockCount int             `json:"over_stock_count"`
	GeneratedAt    time.Time       `json:"generated_at"`
}
