package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	UserID      int64  `json:"userId"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type ProductCreateRequest struct {
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	Unit     string          `json:"unit"`
}

type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Category *string          `json:"category,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
	Unit     *string          `json:"unit,omitempty"`
}

// Pointer fields distinguish a missing value from an explicit zero.
type InitialInventoryRequest struct {
	EventID   int64 `json:"eventId"`
	BarID     int64 `json:"barId"`
	ProductID int64 `json:"productId"`
	Quantity  *int  `json:"quantity"`
	ActorID   int64 `json:"actorId"`
}

type MinStockRequest struct {
	EventID   int64 `json:"eventId"`
	BarID     int64 `json:"barId"`
	ProductID int64 `json:"productId"`
	MinStock  *int  `json:"minStock"`
}

type AdjustmentRequest struct {
	EventID   int64          `json:"eventId"`
	BarID     int64          `json:"barId"`
	ProductID int64          `json:"productId"`
	Quantity  *int           `json:"quantity"`
	Type      AdjustmentType `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	ActorID   int64          `json:"actorId"`
}

type AdjustmentResponse struct {
	NewQuantity int                 `json:"newQuantity"`
	Adjustment  InventoryAdjustment `json:"adjustment"`
}

type TransferRequest struct {
	EventID   int64  `json:"eventId"`
	FromBarID int64  `json:"fromBarId"`
	ToBarID   int64  `json:"toBarId"`
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
	ActorID   int64  `json:"actorId"`
}

type TransferResponse struct {
	OriginQty      int `json:"originQty"`
	DestinationQty int `json:"destinationQty"`
}

type SaleLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type CreateSaleRequest struct {
	EventID int64      `json:"eventId"`
	BarID   int64      `json:"barId"`
	UserID  int64      `json:"userId"`
	Lines   []SaleLine `json:"lines"`
}

type CancelSaleRequest struct {
	SaleID  int64  `json:"saleId"`
	ActorID int64  `json:"actorId"`
	Reason  string `json:"reason,omitempty"`
}

// StockLevel is one row of a per-bar inventory listing.
type StockLevel struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Unit        string `json:"unit"`
	BarID       int64  `json:"barId"`
	Quantity    int    `json:"quantity"`
	MinStock    int    `json:"minStock"`
	LowStock    bool   `json:"lowStock"`
}

type SalesScope string

const (
	ScopeEvent   SalesScope = "event"
	ScopeBar     SalesScope = "bar"
	ScopeCashier SalesScope = "cashier"
)

type SalesTotals struct {
	Total          decimal.Decimal `json:"total"`
	TotalCancelled decimal.Decimal `json:"totalCancelled"`
	Net            decimal.Decimal `json:"net"`
	Tickets        int             `json:"tickets"`
	AverageTicket  decimal.Decimal `json:"averageTicket"`
}

type SalesBreakdown struct {
	ID       int64           `json:"id"`
	Label    string          `json:"label,omitempty"`
	Total    decimal.Decimal `json:"total"`
	Quantity int             `json:"quantity"`
}

type ProductSales struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Revenue   decimal.Decimal `json:"revenue"`
}

type SalesReport struct {
	Scope       SalesScope       `json:"scope"`
	ScopeID     int64            `json:"scopeId"`
	Totals      SalesTotals      `json:"totals"`
	ByEvent     []SalesBreakdown `json:"byEvent"`
	ByBar       []SalesBreakdown `json:"byBar"`
	ByCashier   []SalesBreakdown `json:"byCashier"`
	Products    []ProductSales   `json:"products"`
	Sales       []Sale           `json:"sales"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
