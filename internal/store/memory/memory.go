package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"barpos/internal/domain"
	"barpos/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	products    map[int64]domain.Product
	inventory   map[domain.StockKey]domain.InventoryItem
	adjustments []domain.InventoryAdjustment
	sales       map[int64]*domain.Sale
	users       map[string]domain.UserAccount

	keyMu    sync.Mutex
	keyLocks map[domain.StockKey]*sync.Mutex

	nextProductID    atomic.Int64
	nextItemID       atomic.Int64
	nextAdjustmentID atomic.Int64
	nextSaleID       atomic.Int64
	nextSaleItemID   atomic.Int64
	nextUserID       atomic.Int64
}

func New() *Store {
	return &Store{
		products:    make(map[int64]domain.Product),
		inventory:   make(map[domain.StockKey]domain.InventoryItem),
		adjustments: make([]domain.InventoryAdjustment, 0, 256),
		sales:       make(map[int64]*domain.Sale),
		users:       make(map[string]domain.UserAccount),
		keyLocks:    make(map[domain.StockKey]*sync.Mutex),
	}
}

// NewSeeded returns a store with a demo bar catalog and one account per role.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_SUPERVISOR_PASSWORD and
// SEED_CASHIER_PASSWORD; dev defaults are used when unset.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()

	now := time.Now().UTC()
	for _, p := range []struct {
		name     string
		category string
		price    string
		cost     string
		unit     string
	}{
		{"Lager Can", "beer", "4.50", "1.20", "can"},
		{"Water 50cl", "soft", "2.00", "0.30", "bottle"},
		{"Cola", "soft", "3.00", "0.60", "can"},
		{"House Red Glass", "wine", "5.50", "1.40", "glass"},
		{"Cava Glass", "wine", "6.00", "1.80", "glass"},
		{"Rum and Cola", "spirits", "9.00", "2.50", "glass"},
		{"Premium Gin and Tonic", "spirits", "20.00", "4.75", "glass"},
		{"Energy Drink", "soft", "4.00", "1.10", "can"},
	} {
		id := s.nextProductID.Add(1)
		s.products[id] = domain.Product{
			ID:        id,
			Name:      p.name,
			Category:  p.category,
			Price:     decimal.RequireFromString(p.price),
			Cost:      decimal.RequireFromString(p.cost),
			Unit:      p.unit,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SUPERVISOR_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_*_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), domain.RoleAdmin},
		{"supervisor", envOr("SEED_SUPERVISOR_PASSWORD", "supervisor123"), domain.RoleSupervisor},
		{"cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		id := s.nextUserID.Add(1)
		s.users[u.username] = domain.UserAccount{
			ID:        id,
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidArgument
	}

	now := time.Now().UTC()
	product.ID = s.nextProductID.Add(1)
	product.CreatedAt = now
	product.UpdatedAt = now

	s.mu.Lock()
	s.products[product.ID] = product
	s.mu.Unlock()

	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetInventoryItem(_ context.Context, key domain.StockKey) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.inventory[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) ListInventory(_ context.Context, eventID int64, barID int64) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryItem, 0, 16)
	for key, item := range s.inventory {
		if key.EventID == eventID && key.BarID == barID {
			result = append(result, item)
		}
	}
	slices.SortFunc(result, compareItems)
	return result, nil
}

func (s *Store) ListInventoryByEvent(_ context.Context, eventID int64) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryItem, 0, 32)
	for key, item := range s.inventory {
		if key.EventID == eventID {
			result = append(result, item)
		}
	}
	slices.SortFunc(result, compareItems)
	return result, nil
}

func (s *Store) SetMinStock(_ context.Context, key domain.StockKey, minStock int) (*domain.InventoryItem, error) {
	if minStock < 0 {
		return nil, store.ErrInvalidArgument
	}
	unlock := s.lockKeys([]domain.StockKey{key})
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.inventory[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	item.MinStock = minStock
	item.UpdatedAt = time.Now().UTC()
	s.inventory[key] = item
	return &item, nil
}

func (s *Store) ListAdjustments(_ context.Context, eventID int64, barID int64, limit int) ([]domain.InventoryAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryAdjustment, 0, 32)
	for i := len(s.adjustments) - 1; i >= 0; i-- {
		adj := s.adjustments[i]
		if adj.EventID != eventID || adj.BarID != barID {
			continue
		}
		result = append(result, adj)
	}
	slices.SortStableFunc(result, func(a, b domain.InventoryAdjustment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) FindSaleByID(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.EventID != 0 && sale.EventID != filter.EventID {
			continue
		}
		if filter.BarID != 0 && sale.BarID != filter.BarID {
			continue
		}
		if filter.UserID != 0 && sale.UserID != filter.UserID {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return nil, store.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return nil, fmt.Errorf("%w: username already exists", store.ErrInvalidArgument)
	}
	user.ID = s.nextUserID.Add(1)
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[username] = user
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func compareItems(a, b domain.InventoryItem) int {
	if a.Key().Less(b.Key()) {
		return -1
	}
	if b.Key().Less(a.Key()) {
		return 1
	}
	return 0
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	if sale == nil {
		return nil
	}
	copied := *sale
	copied.Items = append([]domain.SaleItem(nil), sale.Items...)
	if sale.CancelledBy != nil {
		by := *sale.CancelledBy
		copied.CancelledBy = &by
	}
	if sale.CancelledAt != nil {
		at := *sale.CancelledAt
		copied.CancelledAt = &at
	}
	return &copied
}
