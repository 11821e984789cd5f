package users

import (
	"context"

	"github.com/vigil-grc/vigil/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, tenantID string, limit, offset int) ([]User, int, error)
	ListActiveIdentities(ctx context.Context) ([][2]string, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns one page of a tenant's users with pagination
// metadata. Page and per-page values outside the valid range fall back
// to defaults.
func (s *Service) ListUsers(ctx context.Context, tenantID string, page, perPage int) ([]User, shared.Pagination, error) {
	norm := shared.NewPagination(page, perPage, 0)
	offset := (norm.Page - 1) * norm.PerPage

	users, total, err := s.repo.ListUsers(ctx, tenantID, norm.PerPage, offset)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(norm.Page, norm.PerPage, total), nil
}

// ListActiveIdentities returns every active user+tenant pair.
func (s *Service) ListActiveIdentities(ctx context.Context) ([][2]string, error) {
	return s.repo.ListActiveIdentities(ctx)
}
