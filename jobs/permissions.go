package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// PlanSetter applies tenant plan changes. *rbac.Service satisfies it.
type PlanSetter interface {
	SetTenantPlan(ctx context.Context, tenantID uuid.UUID, tier catalog.Tier, addOns []string) error
}

// PlanChangeJob applies plan changes published by the billing system.
type PlanChangeJob struct {
	Plans  PlanSetter
	Logger *slog.Logger
}

// Handle processes TaskPlanChange tasks. Payloads that can never succeed are
// dropped without retry. A committed change whose generations are still
// queued for the mirror is not retried: a second run would be a no-op.
func (j *PlanChangeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Plans == nil {
		return errors.New("plan change: handler not configured")
	}

	var payload PlanChangePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("plan change: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tier, err := catalog.ParseTier(payload.PlanTier)
	if err != nil {
		return fmt.Errorf("plan change: %v: %w", err, asynq.SkipRetry)
	}

	logger := logOrDefault(j.Logger).With(
		slog.String("tenant_id", payload.TenantID.String()),
		slog.String("plan_tier", tier.String()))
	ctx = shared.ContextWithActor(ctx, "billing")
	if err := j.Plans.SetTenantPlan(ctx, payload.TenantID, tier, payload.AddOns); err != nil {
		if errors.Is(err, rbac.ErrNotFound) || errors.Is(err, rbac.ErrUnknownAddOn) || errors.Is(err, rbac.ErrInvalidInput) {
			logger.Error("plan change rejected", slog.Any("error", err))
			return fmt.Errorf("plan change: %v: %w", err, asynq.SkipRetry)
		}
		if errors.Is(err, permcache.ErrNotPropagated) {
			logger.Warn("plan change applied, generations queued for replay", slog.Any("error", err))
			return nil
		}
		logger.Warn("plan change failed, will retry", slog.Any("error", err))
		return err
	}
	logger.Info("plan change applied", slog.Any("add_ons", payload.AddOns))
	return nil
}

// CatalogReloader reloads the permission catalog. *catalog.Catalog satisfies it.
type CatalogReloader interface {
	Reload(ctx context.Context) (bool, error)
	Version() uint64
}

// ReloadObserver records catalog reload outcomes.
type ReloadObserver interface {
	ObserveCatalogReload(version uint64, err error)
}

// CatalogReloadJob periodically re-reads the catalog seed.
type CatalogReloadJob struct {
	Catalog  CatalogReloader
	Logger   *slog.Logger
	Observer ReloadObserver
}

// Handle processes TaskCatalogReload tasks. A rejected reload keeps the
// previous catalog and is not retried.
func (j *CatalogReloadJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Catalog == nil {
		return errors.New("catalog reload: handler not configured")
	}

	changed, err := j.Catalog.Reload(ctx)
	if j.Observer != nil {
		j.Observer.ObserveCatalogReload(j.Catalog.Version(), err)
	}
	if err != nil {
		if errors.Is(err, catalog.ErrCatalogShrink) || errors.Is(err, catalog.ErrInvalidSeed) {
			return fmt.Errorf("catalog reload: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if changed {
		logOrDefault(j.Logger).Info("catalog reloaded", slog.Uint64("version", j.Catalog.Version()))
	}
	return nil
}

func logOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
