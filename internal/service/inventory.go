package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"barpos/internal/domain"
	"barpos/internal/events"
	"barpos/internal/ledger"
	"barpos/internal/store"
)

func (s *Service) SetInitial(ctx context.Context, req domain.InitialInventoryRequest) (item domain.InventoryItem, err error) {
	ctx, span := startSpan(ctx, "inventory.SetInitial")
	defer func() { finishSpan(span, err) }()

	req.ActorID = resolveActor(ctx, req.ActorID)
	if err := requireIDs(
		idField{"eventId", req.EventID},
		idField{"barId", req.BarID},
		idField{"productId", req.ProductID},
		idField{"actorId", req.ActorID},
	); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.Quantity == nil {
		return domain.InventoryItem{}, invalidArgument("quantity is required")
	}
	if *req.Quantity < 0 {
		return domain.InventoryItem{}, invalidArgument("quantity cannot be negative")
	}
	if *req.Quantity > domain.MaxQuantity {
		return domain.InventoryItem{}, errQuantityTooLarge
	}
	if _, err := s.repo.GetProduct(ctx, req.ProductID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InventoryItem{}, fmt.Errorf("%w: product %d does not exist", store.ErrNotFound, req.ProductID)
		}
		return domain.InventoryItem{}, err
	}

	key := domain.StockKey{EventID: req.EventID, BarID: req.BarID, ProductID: req.ProductID}
	span.SetAttributes(stockAttributes(key)...)
	now := s.now()

	var adj *domain.InventoryAdjustment
	err = s.atomic(ctx, "set initial", []domain.StockKey{key}, func(ctx context.Context, tx store.Tx) error {
		written, logged, err := ledger.SetInitial(ctx, tx, key, *req.Quantity, req.ActorID, now)
		if err != nil {
			return err
		}
		item = *written
		adj = logged
		return nil
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logger.Info("initial inventory set",
		zap.Int64("event_id", key.EventID),
		zap.Int64("bar_id", key.BarID),
		zap.Int64("product_id", key.ProductID),
		zap.Int("quantity", item.Quantity),
	)
	s.publish(ctx, events.TypeInventoryInitialized, key.EventID, req.ActorID, adj)
	return item, nil
}

func (s *Service) SetMinStock(ctx context.Context, req domain.MinStockRequest) (domain.InventoryItem, error) {
	if err := requireIDs(
		idField{"eventId", req.EventID},
		idField{"barId", req.BarID},
		idField{"productId", req.ProductID},
	); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.MinStock == nil || *req.MinStock < 0 {
		return domain.InventoryItem{}, invalidArgument("minStock must be zero or more")
	}

	key := domain.StockKey{EventID: req.EventID, BarID: req.BarID, ProductID: req.ProductID}
	item, err := s.repo.SetMinStock(ctx, key, *req.MinStock)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InventoryItem{}, errNoInventory
		}
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

var (
	errNoInventory      = fmt.Errorf("%w: no inventory associated to this bar/event/product", store.ErrNotFound)
	errQuantityTooLarge = fmt.Errorf("%w: quantity cannot exceed %d", store.ErrInvalidArgument, domain.MaxQuantity)
)

func (s *Service) Adjust(ctx context.Context, req domain.AdjustmentRequest) (resp domain.AdjustmentResponse, err error) {
	ctx, span := startSpan(ctx, "inventory.Adjust")
	defer func() { finishSpan(span, err) }()

	req.ActorID = resolveActor(ctx, req.ActorID)
	if err := requireIDs(
		idField{"eventId", req.EventID},
		idField{"barId", req.BarID},
		idField{"productId", req.ProductID},
		idField{"actorId", req.ActorID},
	); err != nil {
		return domain.AdjustmentResponse{}, err
	}
	if !req.Type.Valid() {
		return domain.AdjustmentResponse{}, invalidArgument("unknown adjustment type %q", req.Type)
	}
	if req.Quantity == nil {
		return domain.AdjustmentResponse{}, invalidArgument("quantity is required")
	}
	qty := *req.Quantity
	if req.Type == domain.AdjustmentCorrection {
		if qty < 0 {
			return domain.AdjustmentResponse{}, invalidArgument("correction quantity cannot be negative")
		}
	} else if qty <= 0 {
		return domain.AdjustmentResponse{}, invalidArgument("quantity must be greater than zero")
	}
	if qty > domain.MaxQuantity {
		return domain.AdjustmentResponse{}, errQuantityTooLarge
	}

	key := domain.StockKey{EventID: req.EventID, BarID: req.BarID, ProductID: req.ProductID}
	span.SetAttributes(stockAttributes(key)...)
	span.SetAttributes(attribute.String("adjustment.type", string(req.Type)), attribute.Int("adjustment.quantity", qty))
	change := ledger.Change{Key: key, Type: req.Type, Reason: req.Reason, UserID: req.ActorID, At: s.now()}

	err = s.atomic(ctx, "adjust", []domain.StockKey{key}, func(ctx context.Context, tx store.Tx) error {
		if _, err := ledger.GetStock(ctx, tx, key); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errNoInventory
			}
			return err
		}

		var (
			next int
			adj  *domain.InventoryAdjustment
			err  error
		)
		switch req.Type {
		case domain.AdjustmentEntry:
			next, adj, err = ledger.ApplyDelta(ctx, tx, change, qty)
		case domain.AdjustmentExit, domain.AdjustmentLoss:
			next, adj, err = ledger.ApplyDelta(ctx, tx, change, -qty)
		case domain.AdjustmentCorrection:
			next, adj, err = ledger.SetAbsolute(ctx, tx, change, qty)
		}
		if err != nil {
			return err
		}
		resp = domain.AdjustmentResponse{NewQuantity: next, Adjustment: *adj}
		return nil
	})
	if err != nil {
		return domain.AdjustmentResponse{}, err
	}

	s.publish(ctx, events.TypeInventoryAdjusted, key.EventID, req.ActorID, resp)
	return resp, nil
}

func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (resp domain.TransferResponse, err error) {
	ctx, span := startSpan(ctx, "inventory.Transfer")
	defer func() { finishSpan(span, err) }()

	req.ActorID = resolveActor(ctx, req.ActorID)
	if err := requireIDs(
		idField{"eventId", req.EventID},
		idField{"fromBarId", req.FromBarID},
		idField{"toBarId", req.ToBarID},
		idField{"productId", req.ProductID},
		idField{"actorId", req.ActorID},
	); err != nil {
		return domain.TransferResponse{}, err
	}
	if req.Quantity <= 0 {
		return domain.TransferResponse{}, invalidArgument("quantity must be greater than zero")
	}
	if req.Quantity > domain.MaxQuantity {
		return domain.TransferResponse{}, errQuantityTooLarge
	}
	if req.FromBarID == req.ToBarID {
		return domain.TransferResponse{}, invalidArgument("origin and destination bar must differ")
	}

	origin := domain.StockKey{EventID: req.EventID, BarID: req.FromBarID, ProductID: req.ProductID}
	destination := domain.StockKey{EventID: req.EventID, BarID: req.ToBarID, ProductID: req.ProductID}
	span.SetAttributes(
		attribute.Int64("stock.event_id", req.EventID),
		attribute.Int64("transfer.from_bar_id", req.FromBarID),
		attribute.Int64("transfer.to_bar_id", req.ToBarID),
		attribute.Int64("stock.product_id", req.ProductID),
		attribute.Int("transfer.quantity", req.Quantity),
	)

	outReason, inReason := domain.ReasonTransferOut, domain.ReasonTransferIn
	if req.Reason != "" {
		outReason, inReason = req.Reason, req.Reason
	}
	now := s.now()

	err = s.atomic(ctx, "transfer", []domain.StockKey{origin, destination}, func(ctx context.Context, tx store.Tx) error {
		source, err := ledger.GetStock(ctx, tx, origin)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &store.InsufficientStockError{ProductID: req.ProductID, Available: 0, Requested: req.Quantity}
			}
			return err
		}
		if source.Quantity < req.Quantity {
			return &store.InsufficientStockError{ProductID: req.ProductID, Available: source.Quantity, Requested: req.Quantity}
		}
		if _, err := ledger.EnsureRow(ctx, tx, destination, now); err != nil {
			return err
		}

		originQty, _, err := ledger.ApplyDelta(ctx, tx, ledger.Change{
			Key: origin, Type: domain.AdjustmentExit, Reason: outReason, UserID: req.ActorID, At: now,
		}, -req.Quantity)
		if err != nil {
			return err
		}
		destinationQty, _, err := ledger.ApplyDelta(ctx, tx, ledger.Change{
			Key: destination, Type: domain.AdjustmentEntry, Reason: inReason, UserID: req.ActorID, At: now,
		}, req.Quantity)
		if err != nil {
			return err
		}

		resp = domain.TransferResponse{OriginQty: originQty, DestinationQty: destinationQty}
		return nil
	})
	if err != nil {
		return domain.TransferResponse{}, err
	}

	s.publish(ctx, events.TypeInventoryTransferred, req.EventID, req.ActorID, map[string]any{
		"fromBarId":      req.FromBarID,
		"toBarId":        req.ToBarID,
		"productId":      req.ProductID,
		"quantity":       req.Quantity,
		"originQty":      resp.OriginQty,
		"destinationQty": resp.DestinationQty,
	})
	return resp, nil
}

func (s *Service) GetStock(ctx context.Context, key domain.StockKey) (domain.InventoryItem, error) {
	if err := requireIDs(
		idField{"eventId", key.EventID},
		idField{"barId", key.BarID},
		idField{"productId", key.ProductID},
	); err != nil {
		return domain.InventoryItem{}, err
	}
	item, err := s.repo.GetInventoryItem(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InventoryItem{}, errNoInventory
		}
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

func (s *Service) GetInventoryByBar(ctx context.Context, eventID int64, barID int64) ([]domain.StockLevel, error) {
	if err := requireIDs(idField{"eventId", eventID}, idField{"barId", barID}); err != nil {
		return nil, err
	}
	items, err := s.repo.ListInventory(ctx, eventID, barID)
	if err != nil {
		return nil, err
	}
	return s.stockLevels(ctx, items)
}

// GetLowStock lists rows at or below their reorder threshold.
func (s *Service) GetLowStock(ctx context.Context, eventID int64, barID int64) ([]domain.StockLevel, error) {
	levels, err := s.GetInventoryByBar(ctx, eventID, barID)
	if err != nil {
		return nil, err
	}
	low := make([]domain.StockLevel, 0, len(levels))
	for _, level := range levels {
		if level.LowStock {
			low = append(low, level)
		}
	}
	return low, nil
}

// GetCriticalStock lists rows across every bar of the event that are strictly
// below their reorder threshold.
func (s *Service) GetCriticalStock(ctx context.Context, eventID int64) ([]domain.StockLevel, error) {
	if err := requireIDs(idField{"eventId", eventID}); err != nil {
		return nil, err
	}
	items, err := s.repo.ListInventoryByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	critical := make([]domain.InventoryItem, 0, len(items))
	for _, item := range items {
		if item.Quantity < item.MinStock {
			critical = append(critical, item)
		}
	}
	return s.stockLevels(ctx, critical)
}

func (s *Service) GetHistory(ctx context.Context, eventID int64, barID int64, limit int) ([]domain.InventoryAdjustment, error) {
	if err := requireIDs(idField{"eventId", eventID}, idField{"barId", barID}); err != nil {
		return nil, err
	}
	return s.repo.ListAdjustments(ctx, eventID, barID, limit)
}

func (s *Service) stockLevels(ctx context.Context, items []domain.InventoryItem) ([]domain.StockLevel, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	levels := make([]domain.StockLevel, 0, len(items))
	for _, item := range items {
		product := products[item.ProductID]
		levels = append(levels, domain.StockLevel{
			ProductID:   item.ProductID,
			ProductName: product.Name,
			Unit:        product.Unit,
			BarID:       item.BarID,
			Quantity:    item.Quantity,
			MinStock:    item.MinStock,
			LowStock:    item.Quantity <= item.MinStock,
		})
	}
	return levels, nil
}

func stockAttributes(key domain.StockKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("stock.event_id", key.EventID),
		attribute.Int64("stock.bar_id", key.BarID),
		attribute.Int64("stock.product_id", key.ProductID),
	}
}
