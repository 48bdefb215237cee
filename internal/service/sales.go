package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"barpos/internal/domain"
	"barpos/internal/events"
	"barpos/internal/ledger"
	"barpos/internal/store"
)

// CreateSale prices every line at the current catalog price, then records the
// sale and decrements each line in one unit. Duplicate products stay separate
// lines.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (sale domain.Sale, err error) {
	ctx, span := startSpan(ctx, "sales.CreateSale")
	defer func() { finishSpan(span, err) }()

	req.UserID = resolveActor(ctx, req.UserID)
	if err := requireIDs(
		idField{"eventId", req.EventID},
		idField{"barId", req.BarID},
		idField{"userId", req.UserID},
	); err != nil {
		return domain.Sale{}, err
	}
	if len(req.Lines) == 0 {
		return domain.Sale{}, invalidArgument("sale must contain at least one line")
	}

	ids := make([]int64, 0, len(req.Lines))
	for i, line := range req.Lines {
		if line.ProductID <= 0 {
			return domain.Sale{}, invalidArgument("line %d: productId is required", i+1)
		}
		if line.Quantity <= 0 {
			return domain.Sale{}, invalidArgument("line %d: quantity must be greater than zero", i+1)
		}
		if line.Quantity > domain.MaxQuantity {
			return domain.Sale{}, invalidArgument("line %d: quantity cannot exceed %d", i+1, domain.MaxQuantity)
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Sale{}, err
	}

	total := decimal.Zero
	items := make([]domain.SaleItem, 0, len(req.Lines))
	keys := make([]domain.StockKey, 0, len(req.Lines))
	for _, line := range req.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			return domain.Sale{}, fmt.Errorf("%w: product %d does not exist", store.ErrNotFound, line.ProductID)
		}
		item := domain.SaleItem{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			PriceAtSale: product.Price,
		}
		total = total.Add(item.Subtotal())
		items = append(items, item)
		keys = append(keys, domain.StockKey{EventID: req.EventID, BarID: req.BarID, ProductID: line.ProductID})
	}

	span.SetAttributes(
		attribute.Int64("sale.event_id", req.EventID),
		attribute.Int64("sale.bar_id", req.BarID),
		attribute.Int("sale.lines", len(items)),
		attribute.String("sale.total", total.StringFixed(2)),
	)
	now := s.now()

	err = s.atomic(ctx, "create sale", keys, func(ctx context.Context, tx store.Tx) error {
		created, err := tx.CreateSale(ctx, domain.Sale{
			EventID:   req.EventID,
			BarID:     req.BarID,
			UserID:    req.UserID,
			Total:     total,
			CreatedAt: now,
			Items:     items,
		})
		if err != nil {
			return err
		}

		for i, item := range created.Items {
			_, _, err := ledger.ApplyDelta(ctx, tx, ledger.Change{
				Key:    keys[i],
				Type:   domain.AdjustmentExit,
				Reason: domain.ReasonSale,
				UserID: req.UserID,
				At:     now,
			}, -item.Quantity)
			if err != nil {
				return err
			}
		}
		sale = *created
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logger.Info("sale created",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("event_id", sale.EventID),
		zap.Int64("bar_id", sale.BarID),
		zap.Int64("user_id", sale.UserID),
		zap.String("total", sale.Total.StringFixed(2)),
	)
	s.reporter.Invalidate(ctx, sale)
	s.publish(ctx, events.TypeSaleCreated, sale.EventID, sale.UserID, sale)
	return sale, nil
}

// CancelSale flips the sale to cancelled and restores every line's stock. The
// sale row is re-read inside the unit so two racing cancels cannot both
// reverse stock.
func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (sale domain.Sale, err error) {
	ctx, span := startSpan(ctx, "sales.CancelSale")
	defer func() { finishSpan(span, err) }()

	req.ActorID = resolveActor(ctx, req.ActorID)
	if err := requireIDs(idField{"saleId", req.SaleID}, idField{"actorId", req.ActorID}); err != nil {
		return domain.Sale{}, err
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonSaleCancellation
	}
	span.SetAttributes(attribute.Int64("sale.id", req.SaleID))

	existing, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, fmt.Errorf("%w: sale %d does not exist", store.ErrNotFound, req.SaleID)
		}
		return domain.Sale{}, err
	}
	if existing.Cancelled {
		return domain.Sale{}, fmt.Errorf("%w: sale %d is already cancelled", store.ErrInvalidState, req.SaleID)
	}

	keys := make([]domain.StockKey, 0, len(existing.Items))
	for _, item := range existing.Items {
		keys = append(keys, domain.StockKey{EventID: existing.EventID, BarID: existing.BarID, ProductID: item.ProductID})
	}
	now := s.now()

	err = s.atomic(ctx, "cancel sale", keys, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetSale(ctx, req.SaleID)
		if err != nil {
			return err
		}
		if current.Cancelled {
			return fmt.Errorf("%w: sale %d is already cancelled", store.ErrInvalidState, req.SaleID)
		}
		if err := tx.MarkSaleCancelled(ctx, current.ID, req.ActorID, req.Reason, now); err != nil {
			return err
		}

		for _, item := range current.Items {
			_, _, err := ledger.ApplyDelta(ctx, tx, ledger.Change{
				Key:    domain.StockKey{EventID: current.EventID, BarID: current.BarID, ProductID: item.ProductID},
				Type:   domain.AdjustmentEntry,
				Reason: domain.ReasonCancelSale,
				UserID: req.ActorID,
				At:     now,
			}, item.Quantity)
			if err != nil {
				return err
			}
		}

		by, at := req.ActorID, now
		current.Cancelled = true
		current.CancelledBy = &by
		current.CancellationReason = req.Reason
		current.CancelledAt = &at
		sale = *current
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logger.Info("sale cancelled",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("cancelled_by", req.ActorID),
		zap.String("reason", req.Reason),
	)
	s.reporter.Invalidate(ctx, sale)
	s.publish(ctx, events.TypeSaleCancelled, sale.EventID, req.ActorID, sale)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	if id <= 0 {
		return domain.Sale{}, invalidArgument("saleId is required")
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}
