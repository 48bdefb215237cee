// Package reports builds read-only sales aggregations from recorded sales.
package reports

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"barpos/internal/cache"
	"barpos/internal/domain"
)

type Engine struct {
	cache    cache.ReportCache
	cacheTTL time.Duration
	logger   *zap.Logger

	// generation advances on every Invalidate. A report built from reads
	// taken under an older generation is never left in the cache.
	generation atomic.Uint64
}

func NewEngine(cacheStore cache.ReportCache, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

func CacheKey(scope domain.SalesScope, id int64) string {
	return fmt.Sprintf("sales:%s:%d", scope, id)
}

// Cached returns a stored report; cache failures count as misses.
func (e *Engine) Cached(ctx context.Context, scope domain.SalesScope, id int64) (*domain.SalesReport, bool) {
	report, ok, err := e.cache.Get(ctx, CacheKey(scope, id))
	if err != nil {
		e.logger.Warn("report cache read failed", zap.String("scope", string(scope)), zap.Int64("id", id), zap.Error(err))
		return nil, false
	}
	return report, ok
}

// Generation is taken before reading the sales a report is built from and
// handed back to Remember.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// Remember stores report unless an invalidation ran since gen was taken. The
// generation is checked again after the write so an Invalidate racing the
// Set cannot leave the stale report behind. Other processes sharing the
// cache only get the TTL bound.
func (e *Engine) Remember(ctx context.Context, report *domain.SalesReport, gen uint64) {
	if e.generation.Load() != gen {
		return
	}
	key := CacheKey(report.Scope, report.ScopeID)
	if err := e.cache.Set(ctx, key, report, e.cacheTTL); err != nil {
		e.logger.Warn("report cache write failed", zap.String("scope", string(report.Scope)), zap.Int64("id", report.ScopeID), zap.Error(err))
		return
	}
	if e.generation.Load() != gen {
		if err := e.cache.Delete(ctx, key); err != nil {
			e.logger.Warn("report cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate drops every cached report the sale contributes to.
func (e *Engine) Invalidate(ctx context.Context, sale domain.Sale) {
	e.generation.Add(1)
	keys := []string{
		CacheKey(domain.ScopeEvent, sale.EventID),
		CacheKey(domain.ScopeBar, sale.BarID),
		CacheKey(domain.ScopeCashier, sale.UserID),
	}
	if err := e.cache.Delete(ctx, keys...); err != nil {
		e.logger.Warn("report cache invalidation failed", zap.Int64("sale_id", sale.ID), zap.Error(err))
	}
}

// Build aggregates sales. Cancelled sales only feed TotalCancelled; every
// breakdown counts active sales alone, and Net is Total minus TotalCancelled.
func (e *Engine) Build(
	scope domain.SalesScope,
	id int64,
	sales []domain.Sale,
	products map[int64]domain.Product,
	usernames map[int64]string,
) domain.SalesReport {
	report := domain.SalesReport{
		Scope:       scope,
		ScopeID:     id,
		Sales:       sales,
		GeneratedAt: time.Now().UTC(),
	}
	if report.Sales == nil {
		report.Sales = []domain.Sale{}
	}

	active := decimal.Zero
	cancelled := decimal.Zero
	tickets := 0
	byEvent := map[int64]*domain.SalesBreakdown{}
	byBar := map[int64]*domain.SalesBreakdown{}
	byCashier := map[int64]*domain.SalesBreakdown{}
	byProduct := map[int64]*domain.ProductSales{}

	for _, sale := range sales {
		if sale.Cancelled {
			cancelled = cancelled.Add(sale.Total)
			continue
		}
		active = active.Add(sale.Total)
		tickets++

		units := 0
		for _, item := range sale.Items {
			units += item.Quantity

			p, ok := byProduct[item.ProductID]
			if !ok {
				p = &domain.ProductSales{ProductID: item.ProductID, Name: products[item.ProductID].Name, Revenue: decimal.Zero}
				byProduct[item.ProductID] = p
			}
			p.Quantity += item.Quantity
			p.Revenue = p.Revenue.Add(item.Subtotal())
		}

		accumulate(byEvent, sale.EventID, "", sale.Total, units)
		accumulate(byBar, sale.BarID, "", sale.Total, units)
		accumulate(byCashier, sale.UserID, usernames[sale.UserID], sale.Total, units)
	}

	average := decimal.Zero
	if tickets > 0 {
		average = active.Div(decimal.NewFromInt(int64(tickets))).Round(2)
	}
	report.Totals = domain.SalesTotals{
		Total:          active,
		TotalCancelled: cancelled,
		Net:            active.Sub(cancelled),
		Tickets:        tickets,
		AverageTicket:  average,
	}
	report.ByEvent = flatten(byEvent)
	report.ByBar = flatten(byBar)
	report.ByCashier = flatten(byCashier)

	report.Products = make([]domain.ProductSales, 0, len(byProduct))
	for _, p := range byProduct {
		report.Products = append(report.Products, *p)
	}
	slices.SortFunc(report.Products, func(a, b domain.ProductSales) int {
		if c := cmp.Compare(b.Quantity, a.Quantity); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})

	return report
}

func accumulate(into map[int64]*domain.SalesBreakdown, id int64, label string, total decimal.Decimal, units int) {
	b, ok := into[id]
	if !ok {
		b = &domain.SalesBreakdown{ID: id, Label: label, Total: decimal.Zero}
		into[id] = b
	}
	b.Total = b.Total.Add(total)
	b.Quantity += units
}

func flatten(in map[int64]*domain.SalesBreakdown) []domain.SalesBreakdown {
	out := make([]domain.SalesBreakdown, 0, len(in))
	for _, b := range in {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b domain.SalesBreakdown) int {
		if c := b.Total.Cmp(a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
