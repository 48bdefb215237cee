// Package ledger holds the stock-row primitives every engine mutates through.
// All functions run inside a store.Tx whose keys already include the row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"barpos/internal/domain"
	"barpos/internal/store"
)

// Change describes one ledger mutation and the adjustment row recorded for it.
type Change struct {
	Key    domain.StockKey
	Type   domain.AdjustmentType
	Reason string
	UserID int64
	At     time.Time
}

// GetStock returns the row for key, or store.ErrNotFound.
func GetStock(ctx context.Context, tx store.Tx, key domain.StockKey) (*domain.InventoryItem, error) {
	return tx.GetItem(ctx, key)
}

// SetInitial upserts the row with qty and logs an INITIAL entry.
func SetInitial(ctx context.Context, tx store.Tx, key domain.StockKey, qty int, actorID int64, at time.Time) (*domain.InventoryItem, *domain.InventoryAdjustment, error) {
	if err := checkQuantity(qty); err != nil {
		return nil, nil, err
	}

	item, err := EnsureRow(ctx, tx, key, at)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.SetQuantity(ctx, key, qty, at); err != nil {
		return nil, nil, err
	}
	adj, err := tx.AppendAdjustment(ctx, domain.InventoryAdjustment{
		EventID:   key.EventID,
		BarID:     key.BarID,
		ProductID: key.ProductID,
		Quantity:  qty,
		Type:      domain.AdjustmentEntry,
		Reason:    domain.ReasonInitial,
		UserID:    actorID,
		CreatedAt: at,
	})
	if err != nil {
		return nil, nil, err
	}

	item.Quantity = qty
	item.UpdatedAt = at
	return item, adj, nil
}

// EnsureRow returns the row for key, creating it empty when absent.
func EnsureRow(ctx context.Context, tx store.Tx, key domain.StockKey, at time.Time) (*domain.InventoryItem, error) {
	item, err := tx.GetItem(ctx, key)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return tx.CreateItem(ctx, domain.InventoryItem{
		EventID:   key.EventID,
		BarID:     key.BarID,
		ProductID: key.ProductID,
		Quantity:  0,
		MinStock:  0,
		UpdatedAt: at,
	})
}

// ApplyDelta adds delta to the row and appends one adjustment with |delta|.
// A decrement on a missing row or below zero fails with
// *store.InsufficientStockError; an increment on a missing row fails with
// store.ErrNotFound. A result above domain.MaxQuantity is an invalid argument.
func ApplyDelta(ctx context.Context, tx store.Tx, change Change, delta int) (int, *domain.InventoryAdjustment, error) {
	if delta == 0 {
		return 0, nil, fmt.Errorf("%w: delta must not be zero", store.ErrInvalidArgument)
	}
	if delta > domain.MaxQuantity || delta < -domain.MaxQuantity {
		return 0, nil, fmt.Errorf("%w: quantity cannot exceed %d", store.ErrInvalidArgument, domain.MaxQuantity)
	}

	item, err := tx.GetItem(ctx, change.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && delta < 0 {
			return 0, nil, &store.InsufficientStockError{ProductID: change.Key.ProductID, Available: 0, Requested: -delta}
		}
		return 0, nil, err
	}

	if delta > 0 && item.Quantity > domain.MaxQuantity-delta {
		return 0, nil, fmt.Errorf("%w: stock for product %d would exceed %d", store.ErrInvalidArgument, change.Key.ProductID, domain.MaxQuantity)
	}
	next := item.Quantity + delta
	if next < 0 {
		return 0, nil, &store.InsufficientStockError{ProductID: change.Key.ProductID, Available: item.Quantity, Requested: -delta}
	}

	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	adj, err := write(ctx, tx, change, next, magnitude)
	if err != nil {
		return 0, nil, err
	}
	return next, adj, nil
}

// SetAbsolute replaces the row quantity with qty and records qty itself as
// the adjustment quantity. No sufficiency check applies.
func SetAbsolute(ctx context.Context, tx store.Tx, change Change, qty int) (int, *domain.InventoryAdjustment, error) {
	if err := checkQuantity(qty); err != nil {
		return 0, nil, err
	}
	if _, err := tx.GetItem(ctx, change.Key); err != nil {
		return 0, nil, err
	}
	adj, err := write(ctx, tx, change, qty, qty)
	if err != nil {
		return 0, nil, err
	}
	return qty, adj, nil
}

func write(ctx context.Context, tx store.Tx, change Change, next int, recorded int) (*domain.InventoryAdjustment, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := tx.SetQuantity(ctx, change.Key, next, at); err != nil {
		return nil, err
	}
	return tx.AppendAdjustment(ctx, domain.InventoryAdjustment{
		EventID:   change.Key.EventID,
		BarID:     change.Key.BarID,
		ProductID: change.Key.ProductID,
		Quantity:  recorded,
		Type:      change.Type,
		Reason:    change.Reason,
		UserID:    change.UserID,
		CreatedAt: at,
	})
}

func checkQuantity(qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", store.ErrInvalidArgument)
	}
	if qty > domain.MaxQuantity {
		return fmt.Errorf("%w: quantity cannot exceed %d", store.ErrInvalidArgument, domain.MaxQuantity)
	}
	return nil
}
