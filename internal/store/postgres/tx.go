package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"barpos/internal/domain"
	"barpos/internal/store"
)

type pgTx struct {
	tx *sqlx.Tx
}

// WithinTx runs fn in a read committed transaction. Existing rows for keys are
// locked up front in key order so concurrent units queue on the row lock
// instead of deadlocking. Each statement re-reads the latest committed row, so
// a waiter sees the quantity left by the unit it queued behind.
func (s *Store) WithinTx(ctx context.Context, keys []domain.StockKey, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &pgTx{tx: sqlTx}
	for _, key := range store.SortedKeys(keys) {
		if _, err := t.GetItem(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			return mapError(err)
		}
	}

	if err := fn(ctx, t); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) GetItem(ctx context.Context, key domain.StockKey) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := t.tx.GetContext(ctx, &item, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE event_id = $1 AND bar_id = $2 AND product_id = $3
		FOR UPDATE
	`, key.EventID, key.BarID, key.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *pgTx) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Quantity < 0 || item.MinStock < 0 {
		return nil, store.ErrInvalidArgument
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO inventory_items (event_id, bar_id, product_id, quantity, min_stock, updated_at)
		VALUES (:event_id, :bar_id, :product_id, :quantity, :min_stock, :updated_at)
		ON CONFLICT (event_id, bar_id, product_id) DO NOTHING
	`, item)
	if err != nil {
		return nil, err
	}
	return t.GetItem(ctx, item.Key())
}

func (t *pgTx) SetQuantity(ctx context.Context, key domain.StockKey, qty int, at time.Time) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", store.ErrInvalidArgument)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET quantity = $4, updated_at = $5
		WHERE event_id = $1 AND bar_id = $2 AND product_id = $3
	`, key.EventID, key.BarID, key.ProductID, qty, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendAdjustment(ctx context.Context, adj domain.InventoryAdjustment) (*domain.InventoryAdjustment, error) {
	stmt, err := t.tx.PrepareNamedContext(ctx, `
		INSERT INTO inventory_adjustments (event_id, bar_id, product_id, quantity, type, reason, user_id, created_at)
		VALUES (:event_id, :bar_id, :product_id, :quantity, :type, NULLIF(:reason, ''), :user_id, :created_at)
		RETURNING id
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	if err := stmt.GetContext(ctx, &adj.ID, adj); err != nil {
		return nil, err
	}
	return &adj, nil
}

func (t *pgTx) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidArgument
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	err := t.tx.GetContext(ctx, &sale.ID, `
		INSERT INTO sales (event_id, bar_id, user_id, total, cancelled, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
		RETURNING id
	`, sale.EventID, sale.BarID, sale.UserID, sale.Total, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	stmt, err := t.tx.PrepareNamedContext(ctx, `
		INSERT INTO sale_items (sale_id, line_no, product_id, quantity, price_at_sale)
		VALUES (:sale_id, :line_no, :product_id, :quantity, :price_at_sale)
		RETURNING id
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	items := make([]domain.SaleItem, len(sale.Items))
	for i, item := range sale.Items {
		item.SaleID = sale.ID
		item.LineNo = i + 1
		if err := stmt.GetContext(ctx, &item.ID, item); err != nil {
			return nil, err
		}
		items[i] = item
	}
	sale.Items = items
	return &sale, nil
}

func (t *pgTx) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := t.tx.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := loadSaleItems(ctx, t.tx, []int64{id})
	if err != nil {
		return nil, err
	}
	sale.Items = items[id]
	return &sale, nil
}

func (t *pgTx) MarkSaleCancelled(ctx context.Context, id int64, by int64, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET cancelled = true, cancelled_by = $2, cancellation_reason = NULLIF($3, ''), cancelled_at = $4
		WHERE id = $1 AND cancelled = false
	`, id, by, reason, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: sale %d is already cancelled", store.ErrInvalidState, id)
	}
	return nil
}
