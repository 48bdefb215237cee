package service

import (
	"context"

	"barpos/internal/domain"
)

func (s *Service) SalesByEvent(ctx context.Context, eventID int64) (domain.SalesReport, error) {
	return s.salesReport(ctx, domain.ScopeEvent, eventID, domain.SaleFilter{EventID: eventID})
}

func (s *Service) SalesByBar(ctx context.Context, barID int64) (domain.SalesReport, error) {
	return s.salesReport(ctx, domain.ScopeBar, barID, domain.SaleFilter{BarID: barID})
}

func (s *Service) SalesByCashier(ctx context.Context, userID int64) (domain.SalesReport, error) {
	return s.salesReport(ctx, domain.ScopeCashier, userID, domain.SaleFilter{UserID: userID})
}

func (s *Service) salesReport(ctx context.Context, scope domain.SalesScope, id int64, filter domain.SaleFilter) (domain.SalesReport, error) {
	if id <= 0 {
		return domain.SalesReport{}, invalidArgument("%s id is required", scope)
	}
	if cached, ok := s.reporter.Cached(ctx, scope, id); ok {
		return *cached, nil
	}

	gen := s.reporter.Generation()
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SalesReport{}, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.SalesReport{}, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return domain.SalesReport{}, err
	}

	productMap := make(map[int64]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	usernames := make(map[int64]string, len(users))
	for _, u := range users {
		usernames[u.ID] = u.Username
	}

	report := s.reporter.Build(scope, id, sales, productMap, usernames)
	s.reporter.Remember(ctx, &report, gen)
	return report, nil
}
