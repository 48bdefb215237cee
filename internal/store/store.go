package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"barpos/internal/domain"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
	// ErrConflict marks contention that is safe to retry as a whole unit.
	ErrConflict = errors.New("concurrent write conflict")
)

// InsufficientStockError reports the stock seen when a decrement was refused.
type InsufficientStockError struct {
	ProductID int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Tx is the set of writes allowed inside one atomic unit. Ledger rows may only
// be read or written for keys that were passed to WithinTx.
type Tx interface {
	GetItem(ctx context.Context, key domain.StockKey) (*domain.InventoryItem, error)
	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	SetQuantity(ctx context.Context, key domain.StockKey, qty int, at time.Time) error
	AppendAdjustment(ctx context.Context, adj domain.InventoryAdjustment) (*domain.InventoryAdjustment, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	MarkSaleCancelled(ctx context.Context, id int64, by int64, reason string, at time.Time) error
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)

	GetInventoryItem(ctx context.Context, key domain.StockKey) (*domain.InventoryItem, error)
	ListInventory(ctx context.Context, eventID int64, barID int64) ([]domain.InventoryItem, error)
	ListInventoryByEvent(ctx context.Context, eventID int64) ([]domain.InventoryItem, error)
	SetMinStock(ctx context.Context, key domain.StockKey, minStock int) (*domain.InventoryItem, error)
	ListAdjustments(ctx context.Context, eventID int64, barID int64, limit int) ([]domain.InventoryAdjustment, error)

	FindSaleByID(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	// WithinTx runs fn as one all-or-nothing unit with every key serialized
	// against other units touching the same key.
	WithinTx(ctx context.Context, keys []domain.StockKey, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// SortedKeys returns the distinct keys in a stable lock order.
func SortedKeys(keys []domain.StockKey) []domain.StockKey {
	seen := make(map[domain.StockKey]struct{}, len(keys))
	out := make([]domain.StockKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Less(out[j])
	})
	return out
}
