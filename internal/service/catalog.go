package service

import (
	"context"
	"strings"

	"barpos/internal/domain"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" {
		return domain.Product{}, invalidArgument("name is required")
	}
	if req.Price.IsNegative() || req.Cost.IsNegative() {
		return domain.Product{}, invalidArgument("price and cost cannot be negative")
	}
	if req.Unit == "" {
		req.Unit = "unit"
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:     req.Name,
		Category: req.Category,
		Price:    req.Price.Round(2),
		Cost:     req.Cost.Round(2),
		Unit:     req.Unit,
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

// UpdateProduct edits the catalog only; recorded sale lines keep their price.
func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, invalidArgument("productId is required")
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, invalidArgument("name cannot be empty")
		}
		product.Name = name
	}
	if req.Category != nil {
		product.Category = strings.TrimSpace(*req.Category)
	}
	if req.Unit != nil && strings.TrimSpace(*req.Unit) != "" {
		product.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return domain.Product{}, invalidArgument("price cannot be negative")
		}
		product.Price = req.Price.Round(2)
	}
	if req.Cost != nil {
		if req.Cost.IsNegative() {
			return domain.Product{}, invalidArgument("cost cannot be negative")
		}
		product.Cost = req.Cost.Round(2)
	}

	updated, err := s.repo.UpdateProduct(ctx, *product)
	if err != nil {
		return domain.Product{}, err
	}
	return *updated, nil
}
