package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

// ErrNoSlot is returned by ConsumeSlot when the conditional increment did not
// match a row (unknown code, revoked code, or exhausted activations). Callers
// classify by reloading the code.
var ErrNoSlot = errors.New("no activation slot consumed")

const promoColumns = `id, code, batch_id, campaign_name, days, traffic_gb,
	max_activations, current_activations, active, created_at`

type PromoRepository struct {
	pool *pgxpool.Pool
}

func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// InsertCode inserts a new promo code and fills in its assigned id
func (r *PromoRepository) InsertCode(ctx context.Context, p *models.PromoCode) error {
	query := `
		INSERT INTO vpncore.promo_codes (
			code, batch_id, campaign_name, days, traffic_gb,
			max_activations, current_activations, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		p.Code, p.BatchID, p.CampaignName, p.Days, p.TrafficGB,
		p.MaxActivations, p.CurrentActivations, p.Active,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert promo code: %w", err)
	}

	return nil
}

// CodeExists reports whether a code string is already present, active or not
func (r *PromoRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM vpncore.promo_codes WHERE code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check promo code: %w", err)
	}
	return exists, nil
}

// GetByCode retrieves a promo code by its code string
func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	query := `SELECT ` + promoColumns + ` FROM vpncore.promo_codes WHERE code = $1`
	return r.scanCode(r.pool.QueryRow(ctx, query, code))
}

// ConsumeSlot atomically claims one activation slot. The increment-and-check
// is a single conditional UPDATE so concurrent redeemers can never push
// current_activations past max_activations.
func (r *PromoRepository) ConsumeSlot(ctx context.Context, code string) (*models.PromoCode, error) {
	query := `
		UPDATE vpncore.promo_codes
		SET current_activations = current_activations + 1
		WHERE code = $1 AND active = true AND current_activations < max_activations
		RETURNING ` + promoColumns

	p, err := r.scanCode(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoSlot
		}
		return nil, err
	}

	return p, nil
}

// ReleaseSlot returns a previously consumed slot (creation unwind)
func (r *PromoRepository) ReleaseSlot(ctx context.Context, code string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE vpncore.promo_codes
		SET current_activations = current_activations - 1
		WHERE code = $1 AND current_activations > 0
	`, code)
	if err != nil {
		return fmt.Errorf("release promo slot: %w", err)
	}
	return nil
}

// RecordActivation appends an activation record for audit
func (r *PromoRepository) RecordActivation(ctx context.Context, a *models.PromoActivation) error {
	query := `
		INSERT INTO vpncore.promo_activations (promo_code_id, telegram_id, marzban_username)
		VALUES ($1, $2, $3)
		RETURNING id, activated_at
	`

	err := r.pool.QueryRow(ctx, query,
		a.PromoCodeID, a.TelegramID, a.MarzbanUsername,
	).Scan(&a.ID, &a.ActivatedAt)
	if err != nil {
		return fmt.Errorf("insert promo activation: %w", err)
	}

	return nil
}

// RevokeBatch deactivates every code in a batch and returns how many it touched
func (r *PromoRepository) RevokeBatch(ctx context.Context, batchID string) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE vpncore.promo_codes SET active = false WHERE batch_id = $1`, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteBatch removes every code of a batch. Used to roll back a partially
// inserted generation run.
func (r *PromoRepository) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM vpncore.promo_codes WHERE batch_id = $1`, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RevokeCode deactivates a single code
func (r *PromoRepository) RevokeCode(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE vpncore.promo_codes SET active = false WHERE code = $1`, code,
	)
	if err != nil {
		return fmt.Errorf("revoke code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBatches returns the aggregate view of all batches, newest first
func (r *PromoRepository) ListBatches(ctx context.Context) ([]*models.PromoBatch, error) {
	query := `
		SELECT batch_id, campaign_name,
		       count(*) AS codes_count,
		       coalesce(sum(current_activations), 0) AS total_activations,
		       count(*) FILTER (WHERE active) AS active_codes,
		       min(created_at) AS created_at
		FROM vpncore.promo_codes
		WHERE batch_id IS NOT NULL
		GROUP BY batch_id, campaign_name
		ORDER BY min(created_at) DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.PromoBatch
	for rows.Next() {
		b := &models.PromoBatch{}
		err := rows.Scan(
			&b.BatchID, &b.CampaignName, &b.CodesCount,
			&b.TotalActivations, &b.ActiveCodes, &b.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}

// ListCodes returns codes, optionally filtered by batch, newest first
func (r *PromoRepository) ListCodes(ctx context.Context, batchID string, activeOnly bool, offset, limit int) ([]*models.PromoCode, error) {
	query := `SELECT ` + promoColumns + `
		FROM vpncore.promo_codes
		WHERE ($1 = '' OR batch_id = $1) AND (NOT $2 OR active)
		ORDER BY created_at DESC
		OFFSET $3 LIMIT $4`

	rows, err := r.pool.Query(ctx, query, batchID, activeOnly, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query promo codes: %w", err)
	}
	defer rows.Close()

	var codes []*models.PromoCode
	for rows.Next() {
		p := &models.PromoCode{}
		err := rows.Scan(
			&p.ID, &p.Code, &p.BatchID, &p.CampaignName, &p.Days, &p.TrafficGB,
			&p.MaxActivations, &p.CurrentActivations, &p.Active, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan promo code row: %w", err)
		}
		codes = append(codes, p)
	}

	return codes, rows.Err()
}

// Stats returns the ledger-wide summary
func (r *PromoRepository) Stats(ctx context.Context) (*models.PromoStatsResponse, error) {
	stats := &models.PromoStatsResponse{}
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE active),
		       coalesce(sum(current_activations), 0),
		       count(DISTINCT batch_id) FILTER (WHERE batch_id IS NOT NULL)
		FROM vpncore.promo_codes
	`).Scan(&stats.TotalCodes, &stats.ActiveCodes, &stats.TotalActivations, &stats.BatchesCount)
	if err != nil {
		return nil, fmt.Errorf("query promo stats: %w", err)
	}

	return stats, nil
}

// CampaignStats returns the per-campaign funnel for the flyer view
func (r *PromoRepository) CampaignStats(ctx context.Context, todayStart time.Time) ([]models.CampaignStats, error) {
	query := `
		SELECT c.campaign_name,
		       count(DISTINCT c.id) AS codes_issued,
		       count(a.id) AS activations_total,
		       count(a.id) FILTER (WHERE a.activated_at >= $1) AS activations_today
		FROM vpncore.promo_codes c
		LEFT JOIN vpncore.promo_activations a ON a.promo_code_id = c.id
		WHERE c.campaign_name IS NOT NULL
		GROUP BY c.campaign_name
		ORDER BY count(a.id) DESC
	`

	rows, err := r.pool.Query(ctx, query, todayStart)
	if err != nil {
		return nil, fmt.Errorf("query campaign stats: %w", err)
	}
	defer rows.Close()

	var campaigns []models.CampaignStats
	for rows.Next() {
		var c models.CampaignStats
		err := rows.Scan(&c.CampaignName, &c.CodesIssued, &c.ActivationsTotal, &c.ActivationsToday)
		if err != nil {
			return nil, fmt.Errorf("scan campaign stats: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	return campaigns, rows.Err()
}

func (r *PromoRepository) scanCode(row pgx.Row) (*models.PromoCode, error) {
	p := &models.PromoCode{}
	err := row.Scan(
		&p.ID, &p.Code, &p.BatchID, &p.CampaignName, &p.Days, &p.TrafficGB,
		&p.MaxActivations, &p.CurrentActivations, &p.Active, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan promo code: %w", err)
	}
	return p, nil
}
