package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Service exposes catalog lookups to drafts and repricing to management.
type Service struct {
	repo    Repository
	auditor shared.Auditor
	logger  *slog.Logger
}

// NewService constructs a catalog Service.
func NewService(repo Repository, auditor shared.Auditor, logger *slog.Logger) *Service {
	if auditor == nil {
		auditor = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger}
}

func (s *Service) ListItems(ctx context.Context, req ListItemsRequest) ([]Item, int, error) {
	return s.repo.ListItems(ctx, req)
}

func (s *Service) GetItem(ctx context.Context, id int64) (*Item, error) {
	return s.repo.GetItem(ctx, id)
}

func (s *Service) ListDiscounts(ctx context.Context, activeOnly bool) ([]Discount, error) {
	return s.repo.ListDiscounts(ctx, activeOnly)
}

func (s *Service) GetDiscount(ctx context.Context, id int64) (*Discount, error) {
	return s.repo.GetDiscount(ctx, id)
}

func (s *Service) ListTiers(ctx context.Context) ([]CostTier, error) {
	return s.repo.ListTiers(ctx)
}

func (s *Service) GetTier(ctx context.Context, id int64) (*CostTier, error) {
	return s.repo.GetTier(ctx, id)
}

// TierForAmount returns the active tier containing amount, or nil.
func (s *Service) TierForAmount(ctx context.Context, amount decimal.Decimal) (*CostTier, error) {
	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cost tiers: %w", err)
	}
	return TierFor(tiers, amount), nil
}

// UpdateJobRate reprices a job rate. Existing proposals and invoices keep their frozen amounts.
func (s *Service) UpdateJobRate(ctx context.Context, actor authz.Principal, id int64, hourlyRate decimal.Decimal) (*JobRate, error) {
	if err := authz.Require(actor, authz.Management); err != nil {
		return nil, err
	}
	if hourlyRate.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "amount", "hourly rate cannot be negative")
	}
	if err := s.repo.UpdateJobRate(ctx, id, hourlyRate); err != nil {
		return nil, fmt.Errorf("update job rate %d: %w", id, err)
	}
	s.audit(ctx, actor, "job_rate", id, hourlyRate)
	return s.repo.GetJobRate(ctx, id)
}

// UpdateBaseRate reprices a base setting.
func (s *Service) UpdateBaseRate(ctx context.Context, actor authz.Principal, id int64, baseRate decimal.Decimal) (*BaseSetting, error) {
	if err := authz.Require(actor, authz.Management); err != nil {
		return nil, err
	}
	if baseRate.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "amount", "base rate cannot be negative")
	}
	if err := s.repo.UpdateBaseRate(ctx, id, baseRate); err != nil {
		return nil, fmt.Errorf("update base setting %d: %w", id, err)
	}
	s.audit(ctx, actor, "base_setting", id, baseRate)
	return s.repo.GetBaseSetting(ctx, id)
}

func (s *Service) audit(ctx context.Context, actor authz.Principal, entity string, id int64, amount decimal.Decimal) {
	err := s.auditor.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   shared.AuditCatalogRepriced,
		Entity:   entity,
		EntityID: shared.EntityRef(id),
		Meta:     map[string]any{"amount": amount.StringFixed(2)},
	})
	if err != nil {
		s.logger.Warn("audit catalog reprice", slog.String("entity", entity), slog.Int64("id", id), slog.Any("error", err))
	}
}
