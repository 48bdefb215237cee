package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"barpos/internal/domain"
	"barpos/internal/store"
)

const (
	productColumns    = `id, name, category, price, cost, unit, created_at, updated_at`
	itemColumns       = `id, event_id, bar_id, product_id, quantity, min_stock, updated_at`
	adjustmentColumns = `id, event_id, bar_id, product_id, quantity, type, COALESCE(reason, '') AS reason, user_id, created_at`
	saleColumns       = `id, event_id, bar_id, user_id, total, cancelled, cancelled_by, COALESCE(cancellation_reason, '') AS cancellation_reason, cancelled_at, created_at`
	saleItemColumns   = `id, sale_id, line_no, product_id, quantity, price_at_sale`
	userColumns       = `id, username, password, role, active, created_at`
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidArgument
	}

	var created domain.Product
	err := s.db.GetContext(ctx, &created, `
		INSERT INTO products (name, category, price, cost, unit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+productColumns,
		product.Name, product.Category, product.Price, product.Cost, product.Unit,
	)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var updated domain.Product
	err := s.db.GetContext(ctx, &updated, `
		UPDATE products
		SET name = $2, category = $3, price = $4, cost = $5, unit = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.Price, product.Cost, product.Unit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT `+productColumns+` FROM products WHERE id IN (?)`, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(ids))
	if err := s.db.SelectContext(ctx, &products, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, key domain.StockKey) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.GetContext(ctx, &item, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE event_id = $1 AND bar_id = $2 AND product_id = $3
	`, key.EventID, key.BarID, key.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListInventory(ctx context.Context, eventID int64, barID int64) ([]domain.InventoryItem, error) {
	items := make([]domain.InventoryItem, 0, 32)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE event_id = $1 AND bar_id = $2
		ORDER BY product_id
	`, eventID, barID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListInventoryByEvent(ctx context.Context, eventID int64) ([]domain.InventoryItem, error) {
	items := make([]domain.InventoryItem, 0, 64)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE event_id = $1
		ORDER BY bar_id, product_id
	`, eventID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SetMinStock(ctx context.Context, key domain.StockKey, minStock int) (*domain.InventoryItem, error) {
	if minStock < 0 {
		return nil, store.ErrInvalidArgument
	}
	var item domain.InventoryItem
	err := s.db.GetContext(ctx, &item, `
		UPDATE inventory_items
		SET min_stock = $4, updated_at = now()
		WHERE event_id = $1 AND bar_id = $2 AND product_id = $3
		RETURNING `+itemColumns,
		key.EventID, key.BarID, key.ProductID, minStock,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (s *Store) ListAdjustments(ctx context.Context, eventID int64, barID int64, limit int) ([]domain.InventoryAdjustment, error) {
	adjustments := make([]domain.InventoryAdjustment, 0, 64)
	err := s.db.SelectContext(ctx, &adjustments, `
		SELECT `+adjustmentColumns+`
		FROM inventory_adjustments
		WHERE event_id = $1 AND bar_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($3::int, 0)
	`, eventID, barID, limit)
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := loadSaleItems(ctx, s.db, []int64{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)
	for _, f := range []struct {
		column string
		value  int64
	}{
		{"event_id", filter.EventID},
		{"bar_id", filter.BarID},
		{"user_id", filter.UserID},
	} {
		if f.value == 0 {
			continue
		}
		args = append(args, f.value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", f.column, len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sales := make([]domain.Sale, 0, 64)
	err := s.db.SelectContext(ctx, &sales, `
		SELECT `+saleColumns+`
		FROM sales
		`+where+`
		ORDER BY created_at DESC, id DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]int64, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
	}
	items, err := loadSaleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return nil, store.ErrInvalidArgument
	}

	var created domain.UserAccount
	err := s.db.GetContext(ctx, &created, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING `+userColumns,
		username, user.Password, user.Role, user.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username already exists", store.ErrInvalidArgument)
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	if err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
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

func loadSaleItems(ctx context.Context, q sqlx.QueryerContext, saleIDs []int64) (map[int64][]domain.SaleItem, error) {
	query, args, err := sqlx.In(`
		SELECT `+saleItemColumns+`
		FROM sale_items
		WHERE sale_id IN (?)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}

	items := make([]domain.SaleItem, 0, len(saleIDs)*2)
	if err := sqlx.SelectContext(ctx, q, &items, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	grouped := make(map[int64][]domain.SaleItem, len(saleIDs))
	for _, item := range items {
		grouped[item.SaleID] = append(grouped[item.SaleID], item)
	}
	return grouped, nil
}

// mapError turns serialization failures and deadlocks into store.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
