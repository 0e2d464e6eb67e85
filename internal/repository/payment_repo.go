package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

const paymentColumns = `id, subscription_id, telegram_id, amount, currency,
	payment_system, external_payment_id, plan_type, status, created_at, completed_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// Create inserts a payment record
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO vpncore.payments (
			id, subscription_id, telegram_id, amount, currency,
			payment_system, external_payment_id, plan_type, status, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.SubscriptionID, p.TelegramID, p.Amount, p.Currency,
		p.PaymentSystem, p.ExternalPaymentID, p.PlanType, p.Status, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	return nil
}

// ListPage retrieves a page of payments, optionally filtered by status
func (r *PaymentRepository) ListPage(ctx context.Context, status string, offset, limit int) ([]*models.Payment, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM vpncore.payments WHERE ($1 = '' OR status = $1)`, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	query := `SELECT ` + paymentColumns + `
		FROM vpncore.payments
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`

	rows, err := r.pool.Query(ctx, query, status, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	payments, err := r.scanPayments(rows)
	return payments, total, err
}

// ListByTelegramID retrieves all payments for one user, newest first
func (r *PaymentRepository) ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM vpncore.payments
		WHERE telegram_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, telegramID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	return r.scanPayments(rows)
}

// RevenueByPlan sums completed payment amounts grouped by plan type
func (r *PaymentRepository) RevenueByPlan(ctx context.Context) (map[string]models.PlanStats, int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT plan_type, count(*), coalesce(sum(amount), 0)
		FROM vpncore.payments
		WHERE status = 'completed'
		GROUP BY plan_type
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("query revenue: %w", err)
	}
	defer rows.Close()

	byPlan := make(map[string]models.PlanStats)
	totalPayments := 0
	for rows.Next() {
		var plan string
		var stats models.PlanStats
		if err := rows.Scan(&plan, &stats.Count, &stats.RevenueStars); err != nil {
			return nil, 0, fmt.Errorf("scan revenue row: %w", err)
		}
		byPlan[plan] = stats
		totalPayments += stats.Count
	}

	return byPlan, totalPayments, rows.Err()
}

func (r *PaymentRepository) scanPayments(rows pgx.Rows) ([]*models.Payment, error) {
	var payments []*models.Payment
	for rows.Next() {
		p := &models.Payment{}
		err := rows.Scan(
			&p.ID, &p.SubscriptionID, &p.TelegramID, &p.Amount, &p.Currency,
			&p.PaymentSystem, &p.ExternalPaymentID, &p.PlanType, &p.Status,
			&p.CreatedAt, &p.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
