package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barpos/internal/domain"
	"barpos/internal/reports"
	"barpos/internal/store"
	"barpos/internal/store/memory"
)

const (
	adminID   int64 = 1
	cashierID int64 = 3
	ginTonic  int64 = 7
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded(nil)
	return New(repo, reports.NewEngine(nil, time.Second, nil), nil, nil, Options{MaxRetries: 3}), repo
}

func intPtr(v int) *int { return &v }

func mustSetInitial(t *testing.T, svc *Service, eventID, barID, productID int64, qty int) {
	t.Helper()
	_, err := svc.SetInitial(context.Background(), domain.InitialInventoryRequest{
		EventID: eventID, BarID: barID, ProductID: productID, Quantity: intPtr(qty), ActorID: adminID,
	})
	if err != nil {
		t.Fatalf("set initial: %v", err)
	}
}

func stockOf(t *testing.T, svc *Service, eventID, barID, productID int64) int {
	t.Helper()
	item, err := svc.GetStock(context.Background(), domain.StockKey{EventID: eventID, BarID: barID, ProductID: productID})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return item.Quantity
}

func historyLen(t *testing.T, svc *Service, eventID, barID int64) int {
	t.Helper()
	history, err := svc.GetHistory(context.Background(), eventID, barID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return len(history)
}

func TestSetInitialLogsEntry(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 50)

	if got := stockOf(t, svc, 1, 1, ginTonic); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	history, _ := svc.GetHistory(context.Background(), 1, 1, 10)
	if len(history) != 1 || history[0].Type != domain.AdjustmentEntry || history[0].Reason != domain.ReasonInitial {
		t.Fatalf("expected one INITIAL entry, got %+v", history)
	}
}

func TestSetInitialValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetInitial(ctx, domain.InitialInventoryRequest{EventID: 1, BarID: 1, ProductID: ginTonic, ActorID: adminID})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing quantity, got %v", err)
	}
	_, err = svc.SetInitial(ctx, domain.InitialInventoryRequest{BarID: 1, ProductID: ginTonic, Quantity: intPtr(1), ActorID: adminID})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing event, got %v", err)
	}
	_, err = svc.SetInitial(ctx, domain.InitialInventoryRequest{EventID: 1, BarID: 1, ProductID: 999, Quantity: intPtr(1), ActorID: adminID})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown product, got %v", err)
	}
}

func TestAdjustExitAndInsufficientStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 50)

	resp, err := svc.Adjust(ctx, domain.AdjustmentRequest{
		EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(10), Type: domain.AdjustmentExit, ActorID: adminID,
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if resp.NewQuantity != 40 || resp.Adjustment.Quantity != 10 || resp.Adjustment.Type != domain.AdjustmentExit {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, err = svc.Adjust(ctx, domain.AdjustmentRequest{
		EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(41), Type: domain.AdjustmentExit, ActorID: adminID,
	})
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.Available != 40 || stockErr.Requested != 41 {
		t.Fatalf("expected insufficient stock 40/41, got %v", err)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 40 {
		t.Fatalf("expected stock to stay 40, got %d", got)
	}
	if got := historyLen(t, svc, 1, 1); got != 2 {
		t.Fatalf("expected 2 adjustments, got %d", got)
	}
}

func TestAdjustTypes(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.AdjustmentType
		qty     *int
		want    int
		wantErr error
	}{
		{name: "entry", typ: domain.AdjustmentEntry, qty: intPtr(5), want: 25},
		{name: "loss", typ: domain.AdjustmentLoss, qty: intPtr(3), want: 17},
		{name: "correction", typ: domain.AdjustmentCorrection, qty: intPtr(99), want: 99},
		{name: "correction to zero", typ: domain.AdjustmentCorrection, qty: intPtr(0), want: 0},
		{name: "zero entry", typ: domain.AdjustmentEntry, qty: intPtr(0), wantErr: store.ErrInvalidArgument},
		{name: "negative correction", typ: domain.AdjustmentCorrection, qty: intPtr(-1), wantErr: store.ErrInvalidArgument},
		{name: "missing quantity", typ: domain.AdjustmentEntry, wantErr: store.ErrInvalidArgument},
		{name: "unknown type", typ: "REFILL", qty: intPtr(1), wantErr: store.ErrInvalidArgument},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			mustSetInitial(t, svc, 1, 1, ginTonic, 20)

			resp, err := svc.Adjust(context.Background(), domain.AdjustmentRequest{
				EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: tc.qty, Type: tc.typ, Reason: "count", ActorID: adminID,
			})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if got := stockOf(t, svc, 1, 1, ginTonic); got != 20 {
					t.Fatalf("expected stock unchanged, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("adjust: %v", err)
			}
			if resp.NewQuantity != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.NewQuantity)
			}
			if resp.Adjustment.Quantity != *tc.qty || resp.Adjustment.Reason != "count" {
				t.Fatalf("expected literal quantity and reason, got %+v", resp.Adjustment)
			}
		})
	}
}

func TestAdjustRequiresExistingRow(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Adjust(context.Background(), domain.AdjustmentRequest{
		EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(5), Type: domain.AdjustmentEntry, ActorID: adminID,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransferCreatesDestination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 40)

	resp, err := svc.Transfer(ctx, domain.TransferRequest{
		EventID: 1, FromBarID: 1, ToBarID: 2, ProductID: ginTonic, Quantity: 15, ActorID: adminID,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if resp.OriginQty != 25 || resp.DestinationQty != 15 {
		t.Fatalf("unexpected quantities %+v", resp)
	}

	dest, err := svc.GetInventoryByBar(ctx, 1, 2)
	if err != nil {
		t.Fatalf("inventory by bar: %v", err)
	}
	if len(dest) != 1 || dest[0].Quantity != 15 || dest[0].MinStock != 0 {
		t.Fatalf("expected auto-created destination row, got %+v", dest)
	}

	out, _ := svc.GetHistory(ctx, 1, 1, 1)
	in, _ := svc.GetHistory(ctx, 1, 2, 1)
	if out[0].Type != domain.AdjustmentExit || out[0].Reason != domain.ReasonTransferOut {
		t.Fatalf("unexpected origin log %+v", out[0])
	}
	if in[0].Type != domain.AdjustmentEntry || in[0].Reason != domain.ReasonTransferIn || in[0].Quantity != 15 {
		t.Fatalf("unexpected destination log %+v", in[0])
	}
}

func TestTransferInsufficientLeavesNoTrace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)
	mustSetInitial(t, svc, 1, 2, ginTonic, 4)

	_, err := svc.Transfer(ctx, domain.TransferRequest{
		EventID: 1, FromBarID: 1, ToBarID: 2, ProductID: ginTonic, Quantity: 11, ActorID: adminID,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockOf(t, svc, 1, 1, ginTonic) != 10 || stockOf(t, svc, 1, 2, ginTonic) != 4 {
		t.Fatalf("expected both rows unchanged")
	}
	if historyLen(t, svc, 1, 1) != 1 || historyLen(t, svc, 1, 2) != 1 {
		t.Fatalf("expected no new adjustment rows")
	}

	_, err = svc.Transfer(ctx, domain.TransferRequest{
		EventID: 1, FromBarID: 3, ToBarID: 4, ProductID: ginTonic, Quantity: 1, ActorID: adminID,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for missing origin, got %v", err)
	}
	if levels, _ := svc.GetInventoryByBar(ctx, 1, 4); len(levels) != 0 {
		t.Fatalf("expected no destination row after failed transfer, got %+v", levels)
	}
}

func TestTransferRejectsSameBar(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)

	_, err := svc.Transfer(context.Background(), domain.TransferRequest{
		EventID: 1, FromBarID: 1, ToBarID: 1, ProductID: ginTonic, Quantity: 1, ActorID: adminID,
	})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSaleAndCancelScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 40)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Total.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected total 100.00, got %s", sale.Total)
	}
	if len(sale.Items) != 1 || !sale.Items[0].PriceAtSale.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("unexpected lines %+v", sale.Items)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 35 {
		t.Fatalf("expected 35, got %d", got)
	}

	cancelled, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: sale.ID, ActorID: adminID})
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if !cancelled.Cancelled || cancelled.CancellationReason != domain.ReasonSaleCancellation || *cancelled.CancelledBy != adminID {
		t.Fatalf("unexpected cancelled sale %+v", cancelled)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 40 {
		t.Fatalf("expected 40 after cancel, got %d", got)
	}

	history, _ := svc.GetHistory(ctx, 1, 1, 1)
	if history[0].Type != domain.AdjustmentEntry || history[0].Reason != domain.ReasonCancelSale || history[0].Quantity != 5 {
		t.Fatalf("unexpected cancel log %+v", history[0])
	}

	_, err = svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: sale.ID, ActorID: adminID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on second cancel, got %v", err)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 40 {
		t.Fatalf("expected no further stock change, got %d", got)
	}

	stored, err := svc.GetSale(ctx, sale.ID)
	if err != nil || !stored.Cancelled || len(stored.Items) != 1 {
		t.Fatalf("expected sale to be kept with its lines, got %+v (%v)", stored, err)
	}
}

func TestCreateSaleRollsBackOnInsufficientLine(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, 1, 10)
	mustSetInitial(t, svc, 1, 1, ginTonic, 2)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: 1, Quantity: 4}, {ProductID: ginTonic, Quantity: 3}},
	})
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.ProductID != ginTonic || stockErr.Available != 2 {
		t.Fatalf("expected insufficient stock on product 7, got %v", err)
	}

	if stockOf(t, svc, 1, 1, 1) != 10 || stockOf(t, svc, 1, 1, ginTonic) != 2 {
		t.Fatalf("expected no partial decrement")
	}
	if historyLen(t, svc, 1, 1) != 2 {
		t.Fatalf("expected only the initial adjustments")
	}
	sales, _ := repo.ListSales(ctx, domain.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("expected no sale to persist, got %d", len(sales))
	}
}

func TestCreateSaleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 5)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{EventID: 1, BarID: 1, UserID: cashierID})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty lines, got %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}, {ProductID: 404, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown product, got %v", err)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 5 {
		t.Fatalf("expected no mutation before product resolution, got %d", got)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 2, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for bar without row, got %v", err)
	}
}

func TestQuantityUpperBound(t *testing.T) {
	const maxInt = int(^uint(0) >> 1)
	tooLarge := domain.MaxQuantity + 1

	tests := []struct {
		name string
		call func(ctx context.Context, svc *Service) error
	}{
		{"set initial", func(ctx context.Context, svc *Service) error {
			_, err := svc.SetInitial(ctx, domain.InitialInventoryRequest{EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(tooLarge), ActorID: adminID})
			return err
		}},
		{"adjust entry max int", func(ctx context.Context, svc *Service) error {
			_, err := svc.Adjust(ctx, domain.AdjustmentRequest{EventID: 1, BarID: 1, ProductID: ginTonic, Type: domain.AdjustmentEntry, Quantity: intPtr(maxInt), ActorID: adminID})
			return err
		}},
		{"adjust correction", func(ctx context.Context, svc *Service) error {
			_, err := svc.Adjust(ctx, domain.AdjustmentRequest{EventID: 1, BarID: 1, ProductID: ginTonic, Type: domain.AdjustmentCorrection, Quantity: intPtr(tooLarge), ActorID: adminID})
			return err
		}},
		{"transfer", func(ctx context.Context, svc *Service) error {
			_, err := svc.Transfer(ctx, domain.TransferRequest{EventID: 1, FromBarID: 1, ToBarID: 2, ProductID: ginTonic, Quantity: tooLarge, ActorID: adminID})
			return err
		}},
		{"sale line", func(ctx context.Context, svc *Service) error {
			_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
				EventID: 1, BarID: 1, UserID: cashierID,
				Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: tooLarge}},
			})
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			mustSetInitial(t, svc, 1, 1, ginTonic, 50)

			err := tc.call(ctx, svc)
			if !errors.Is(err, store.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if got := stockOf(t, svc, 1, 1, ginTonic); got != 50 {
				t.Fatalf("expected stock unchanged at 50, got %d", got)
			}
			if got := historyLen(t, svc, 1, 1); got != 1 {
				t.Fatalf("expected only the initial entry, got %d", got)
			}
		})
	}
}

func TestAdjustEntryCannotPushStockPastBound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, domain.MaxQuantity-1)

	_, err := svc.Adjust(ctx, domain.AdjustmentRequest{EventID: 1, BarID: 1, ProductID: ginTonic, Type: domain.AdjustmentEntry, Quantity: intPtr(5), ActorID: adminID})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != domain.MaxQuantity-1 {
		t.Fatalf("expected stock unchanged, got %d", got)
	}
}

func TestCreateSaleKeepsDuplicateLines(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 2}, {ProductID: ginTonic, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if len(sale.Items) != 2 || !sale.Total.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected two lines totalling 100, got %+v", sale)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if got := historyLen(t, svc, 1, 1); got != 3 {
		t.Fatalf("expected one EXIT per line, got %d adjustments", got)
	}
}

func TestPriceAtSaleSurvivesPriceEdit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	newPrice := decimal.RequireFromString("25.00")
	if _, err := svc.UpdateProduct(ctx, ginTonic, domain.ProductUpdateRequest{Price: &newPrice}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	stored, _ := svc.GetSale(ctx, sale.ID)
	if !stored.Items[0].PriceAtSale.Equal(decimal.RequireFromString("20.00")) || !stored.Total.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("expected recorded price to stay 20.00, got %+v", stored)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
				EventID: 1, BarID: 1, UserID: cashierID,
				Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 20 {
		t.Fatalf("expected exactly 20 sales, got %d", succeeded)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestConcurrentCancelReversesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CancelSale(context.Background(), domain.CancelSaleRequest{SaleID: sale.ID, ActorID: adminID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrInvalidState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful cancel, got %d", wins)
	}
	if got := stockOf(t, svc, 1, 1, ginTonic); got != 10 {
		t.Fatalf("expected stock restored once to 10, got %d", got)
	}
}

func TestCancelSaleNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CancelSale(context.Background(), domain.CancelSaleRequest{SaleID: 12345, ActorID: adminID})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActorFallsBackToContext(t *testing.T) {
	svc, _ := newTestService(t)
	mustSetInitial(t, svc, 1, 1, ginTonic, 10)
	ctx := WithActor(context.Background(), domain.Actor{UserID: cashierID, Username: "cashier", Role: domain.RoleCashier})

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1,
		Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.UserID != cashierID {
		t.Fatalf("expected cashier from context, got %d", sale.UserID)
	}
}

func TestLowAndCriticalStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 5)
	mustSetInitial(t, svc, 1, 1, 1, 30)
	mustSetInitial(t, svc, 1, 2, ginTonic, 5)

	for _, req := range []domain.MinStockRequest{
		{EventID: 1, BarID: 1, ProductID: ginTonic, MinStock: intPtr(5)},
		{EventID: 1, BarID: 2, ProductID: ginTonic, MinStock: intPtr(8)},
	} {
		if _, err := svc.SetMinStock(ctx, req); err != nil {
			t.Fatalf("set min stock: %v", err)
		}
	}

	low, err := svc.GetLowStock(ctx, 1, 1)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].ProductID != ginTonic || low[0].ProductName != "Premium Gin and Tonic" {
		t.Fatalf("expected gin at threshold to be low, got %+v", low)
	}

	critical, err := svc.GetCriticalStock(ctx, 1)
	if err != nil {
		t.Fatalf("critical stock: %v", err)
	}
	if len(critical) != 1 || critical[0].BarID != 2 {
		t.Fatalf("expected only bar 2 to be critical, got %+v", critical)
	}

	if historyLen(t, svc, 1, 1) != 2 {
		t.Fatalf("min stock changes must not log adjustments")
	}
}

func TestSalesReportByBar(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustSetInitial(t, svc, 1, 1, ginTonic, 40)

	first, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID, Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	report, err := svc.SalesByBar(ctx, 1)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Totals.Total.Equal(decimal.RequireFromString("100")) || report.Totals.Tickets != 1 {
		t.Fatalf("unexpected totals %+v", report.Totals)
	}

	if _, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		EventID: 1, BarID: 1, UserID: cashierID, Lines: []domain.SaleLine{{ProductID: ginTonic, Quantity: 1}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: first.ID, ActorID: adminID}); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}

	report, err = svc.SalesByCashier(ctx, cashierID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Totals.Total.Equal(decimal.RequireFromString("20")) ||
		!report.Totals.TotalCancelled.Equal(decimal.RequireFromString("100")) ||
		!report.Totals.Net.Equal(decimal.RequireFromString("-80")) {
		t.Fatalf("unexpected netting %+v", report.Totals)
	}
	if len(report.Sales) != 2 || len(report.ByCashier) != 1 || report.ByCashier[0].Label != "cashier" {
		t.Fatalf("unexpected report %+v", report)
	}
}

type conflictRepo struct {
	*memory.Store
	failures int
	calls    int
}

func (r *conflictRepo) WithinTx(ctx context.Context, keys []domain.StockKey, fn func(ctx context.Context, tx store.Tx) error) error {
	r.calls++
	if r.calls <= r.failures {
		return store.ErrConflict
	}
	return r.Store.WithinTx(ctx, keys, fn)
}

func TestConflictIsRetried(t *testing.T) {
	repo := &conflictRepo{Store: memory.NewSeeded(nil), failures: 2}
	svc := New(repo, nil, nil, nil, Options{MaxRetries: 3, RetryBackoff: time.Millisecond})

	_, err := svc.SetInitial(context.Background(), domain.InitialInventoryRequest{
		EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(3), ActorID: adminID,
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}
}

func TestConflictRetriesAreBounded(t *testing.T) {
	repo := &conflictRepo{Store: memory.NewSeeded(nil), failures: 100}
	svc := New(repo, nil, nil, nil, Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	_, err := svc.SetInitial(context.Background(), domain.InitialInventoryRequest{
		EventID: 1, BarID: 1, ProductID: ginTonic, Quantity: intPtr(3), ActorID: adminID,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}
	if _, err := repo.GetInventoryItem(context.Background(), domain.StockKey{EventID: 1, BarID: 1, ProductID: ginTonic}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
}
