package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type AdjustmentType string

const (
	AdjustmentEntry      AdjustmentType = "ENTRY"
	AdjustmentExit       AdjustmentType = "EXIT"
	AdjustmentLoss       AdjustmentType = "LOSS"
	AdjustmentCorrection AdjustmentType = "CORRECTION"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentEntry, AdjustmentExit, AdjustmentLoss, AdjustmentCorrection:
		return true
	}
	return false
}

const (
	ReasonInitial          = "INITIAL"
	ReasonSale             = "SALE"
	ReasonCancelSale       = "CANCEL SALE"
	ReasonTransferOut      = "TRANSFER OUT"
	ReasonTransferIn       = "TRANSFER IN"
	ReasonSaleCancellation = "SALE CANCELLATION"
)

// MaxQuantity is the largest stock or line quantity a row can hold.
const MaxQuantity = math.MaxInt32

const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleCashier    = "cashier"
)

// StockKey identifies one ledger row.
type StockKey struct {
	EventID   int64 `json:"eventId"`
	BarID     int64 `json:"barId"`
	ProductID int64 `json:"productId"`
}

func (k StockKey) Less(other StockKey) bool {
	if k.EventID != other.EventID {
		return k.EventID < other.EventID
	}
	if k.BarID != other.BarID {
		return k.BarID < other.BarID
	}
	return k.ProductID < other.ProductID
}

type Product struct {
	ID        int64           `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Category  string          `json:"category" db:"category"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"`
	Unit      string          `json:"unit" db:"unit"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

type InventoryItem struct {
	ID        int64     `json:"id" db:"id"`
	EventID   int64     `json:"eventId" db:"event_id"`
	BarID     int64     `json:"barId" db:"bar_id"`
	ProductID int64     `json:"productId" db:"product_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	MinStock  int       `json:"minStock" db:"min_stock"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

func (i InventoryItem) Key() StockKey {
	return StockKey{EventID: i.EventID, BarID: i.BarID, ProductID: i.ProductID}
}

type InventoryAdjustment struct {
	ID        int64          `json:"id" db:"id"`
	EventID   int64          `json:"eventId" db:"event_id"`
	BarID     int64          `json:"barId" db:"bar_id"`
	ProductID int64          `json:"productId" db:"product_id"`
	Quantity  int            `json:"quantity" db:"quantity"`
	Type      AdjustmentType `json:"type" db:"type"`
	Reason    string         `json:"reason,omitempty" db:"reason"`
	UserID    int64          `json:"userId" db:"user_id"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

type Sale struct {
	ID                 int64           `json:"id" db:"id"`
	EventID            int64           `json:"eventId" db:"event_id"`
	BarID              int64           `json:"barId" db:"bar_id"`
	UserID             int64           `json:"userId" db:"user_id"`
	Total              decimal.Decimal `json:"total" db:"total"`
	Cancelled          bool            `json:"cancelled" db:"cancelled"`
	CancelledBy        *int64          `json:"cancelledBy,omitempty" db:"cancelled_by"`
	CancellationReason string          `json:"cancellationReason,omitempty" db:"cancellation_reason"`
	CancelledAt        *time.Time      `json:"cancelledAt,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
	Items              []SaleItem      `json:"items" db:"-"`
}

type SaleItem struct {
	ID          int64           `json:"id" db:"id"`
	SaleID      int64           `json:"saleId" db:"sale_id"`
	LineNo      int             `json:"lineNo" db:"line_no"`
	ProductID   int64           `json:"productId" db:"product_id"`
	Quantity    int             `json:"quantity" db:"quantity"`
	PriceAtSale decimal.Decimal `json:"priceAtSale" db:"price_at_sale"`
}

func (i SaleItem) Subtotal() decimal.Decimal {
	return i.PriceAtSale.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// SaleFilter selects sales for reporting; zero fields are ignored.
type SaleFilter struct {
	EventID int64
	BarID   int64
	UserID  int64
}

type UserAccount struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"-" db:"password"`
	Role      string    `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type Actor struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}
