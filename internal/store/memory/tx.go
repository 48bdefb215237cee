package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"barpos/internal/domain"
	"barpos/internal/store"
)

type quantityWrite struct {
	qty int
	at  time.Time
}

type cancellation struct {
	by     int64
	reason string
	at     time.Time
}

// memTx stages every write; nothing is visible to other readers until commit.
type memTx struct {
	s             *Store
	locked        map[domain.StockKey]struct{}
	created       map[domain.StockKey]domain.InventoryItem
	quantities    map[domain.StockKey]quantityWrite
	adjustments   []domain.InventoryAdjustment
	sales         map[int64]*domain.Sale
	cancellations map[int64]cancellation
}

func (s *Store) WithinTx(ctx context.Context, keys []domain.StockKey, fn func(ctx context.Context, tx store.Tx) error) error {
	ordered := store.SortedKeys(keys)
	unlock := s.lockKeys(ordered)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:             s,
		locked:        make(map[domain.StockKey]struct{}, len(ordered)),
		created:       make(map[domain.StockKey]domain.InventoryItem),
		quantities:    make(map[domain.StockKey]quantityWrite),
		sales:         make(map[int64]*domain.Sale),
		cancellations: make(map[int64]cancellation),
	}
	for _, key := range ordered {
		tx.locked[key] = struct{}{}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// lockKeys acquires the per-key mutexes in the given order.
func (s *Store) lockKeys(keys []domain.StockKey) func() {
	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		s.keyMu.Lock()
		m, ok := s.keyLocks[key]
		if !ok {
			m = &sync.Mutex{}
			s.keyLocks[key] = m
		}
		s.keyMu.Unlock()

		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (t *memTx) requireLocked(key domain.StockKey) error {
	if _, ok := t.locked[key]; !ok {
		return fmt.Errorf("stock key %d/%d/%d is not part of this unit", key.EventID, key.BarID, key.ProductID)
	}
	return nil
}

func (t *memTx) GetItem(_ context.Context, key domain.StockKey) (*domain.InventoryItem, error) {
	if err := t.requireLocked(key); err != nil {
		return nil, err
	}

	item, ok := t.created[key]
	if !ok {
		t.s.mu.RLock()
		item, ok = t.s.inventory[key]
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	if w, staged := t.quantities[key]; staged {
		item.Quantity = w.qty
		item.UpdatedAt = w.at
	}
	return &item, nil
}

func (t *memTx) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	key := item.Key()
	if err := t.requireLocked(key); err != nil {
		return nil, err
	}
	if item.Quantity < 0 || item.MinStock < 0 {
		return nil, store.ErrInvalidArgument
	}
	if existing, err := t.GetItem(ctx, key); err == nil {
		return existing, nil
	}

	item.ID = t.s.nextItemID.Add(1)
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	t.created[key] = item
	return &item, nil
}

func (t *memTx) SetQuantity(ctx context.Context, key domain.StockKey, qty int, at time.Time) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", store.ErrInvalidArgument)
	}
	if _, err := t.GetItem(ctx, key); err != nil {
		return err
	}
	t.quantities[key] = quantityWrite{qty: qty, at: at}
	return nil
}

func (t *memTx) AppendAdjustment(_ context.Context, adj domain.InventoryAdjustment) (*domain.InventoryAdjustment, error) {
	key := domain.StockKey{EventID: adj.EventID, BarID: adj.BarID, ProductID: adj.ProductID}
	if err := t.requireLocked(key); err != nil {
		return nil, err
	}
	adj.ID = t.s.nextAdjustmentID.Add(1)
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	t.adjustments = append(t.adjustments, adj)
	return &adj, nil
}

func (t *memTx) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidArgument
	}
	sale.ID = t.s.nextSaleID.Add(1)
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	items := make([]domain.SaleItem, len(sale.Items))
	for i, item := range sale.Items {
		item.ID = t.s.nextSaleItemID.Add(1)
		item.SaleID = sale.ID
		item.LineNo = i + 1
		items[i] = item
	}
	sale.Items = items
	t.sales[sale.ID] = cloneSale(&sale)
	return cloneSale(&sale), nil
}

func (t *memTx) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	sale, ok := t.sales[id]
	if !ok {
		t.s.mu.RLock()
		sale, ok = t.s.sales[id]
		sale = cloneSale(sale)
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	sale = cloneSale(sale)
	if c, staged := t.cancellations[id]; staged {
		applyCancellation(sale, c)
	}
	return sale, nil
}

func (t *memTx) MarkSaleCancelled(ctx context.Context, id int64, by int64, reason string, at time.Time) error {
	sale, err := t.GetSale(ctx, id)
	if err != nil {
		return err
	}
	if sale.Cancelled {
		return fmt.Errorf("%w: sale %d is already cancelled", store.ErrInvalidState, id)
	}
	t.cancellations[id] = cancellation{by: by, reason: reason, at: at}
	return nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sales are not covered by key locks, so their state is checked again here.
	for id := range t.cancellations {
		if _, staged := t.sales[id]; staged {
			continue
		}
		sale, ok := s.sales[id]
		if !ok {
			return store.ErrNotFound
		}
		if sale.Cancelled {
			return fmt.Errorf("%w: sale %d is already cancelled", store.ErrInvalidState, id)
		}
	}

	for key, item := range t.created {
		if _, exists := s.inventory[key]; !exists {
			s.inventory[key] = item
		}
	}
	for key, w := range t.quantities {
		item := s.inventory[key]
		item.Quantity = w.qty
		item.UpdatedAt = w.at
		s.inventory[key] = item
	}
	s.adjustments = append(s.adjustments, t.adjustments...)
	for id, sale := range t.sales {
		s.sales[id] = sale
	}
	for id, c := range t.cancellations {
		applyCancellation(s.sales[id], c)
	}
	return nil
}

func applyCancellation(sale *domain.Sale, c cancellation) {
	by := c.by
	at := c.at
	sale.Cancelled = true
	sale.CancelledBy = &by
	sale.CancellationReason = c.reason
	sale.CancelledAt = &at
}
