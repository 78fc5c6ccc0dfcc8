package storage

import (
	"context"

	"github.com/careslot/careslot/libs/db"
	"github.com/careslot/careslot/services/appointment-service/internal/model"
)

// CatalogRepository reads the per-organization appointment type catalog.
// Catalog CRUD lives elsewhere; the orchestrator only needs lookups.
type CatalogRepository struct {
	pool *db.Pool
}

func NewCatalogRepository(pool *db.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

func (r *CatalogRepository) AppointmentType(ctx context.Context, organizationID, typeID string) (model.AppointmentType, error) {
	var t model.AppointmentType
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, organization_id::text, name, requires_payment,
		       COALESCE(stripe_price_id, ''), COALESCE(payment_mode, 'one_time'),
		       COALESCE(duration_minutes, 30), created_at
		FROM appointment_types
		WHERE id = $1 AND organization_id = $2
	`, typeID, organizationID).Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.RequiresPayment,
		&t.StripePriceID,
		&t.PaymentMode,
		&t.DurationMinutes,
		&t.CreatedAt,
	)
	if err != nil {
		return model.AppointmentType{}, err
	}
	return t, nil
}

// TenantConfigRepository reads per-organization processor credentials.
// The secret columns stay inside this process; nothing here is ever
// serialized into a response or a log line.
type TenantConfigRepository struct {
	pool *db.Pool
}

func NewTenantConfigRepository(pool *db.Pool) *TenantConfigRepository {
	return &TenantConfigRepository{pool: pool}
}

func (r *TenantConfigRepository) PaymentConfig(ctx context.Context, organizationID string) (model.TenantPaymentConfig, error) {
	var cfg model.TenantPaymentConfig
	err := r.pool.QueryRow(ctx, `
		SELECT organization_id::text, enabled,
		       COALESCE(stripe_secret_key, ''), COALESCE(stripe_webhook_secret, ''),
		       COALESCE(stripe_publishable_key, ''), updated_at
		FROM tenant_payment_configs
		WHERE organization_id = $1
	`, organizationID).Scan(
		&cfg.OrganizationID,
		&cfg.Enabled,
		&cfg.SecretKey,
		&cfg.WebhookSecret,
		&cfg.PublishableKey,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return model.TenantPaymentConfig{}, err
	}
	return cfg, nil
}
