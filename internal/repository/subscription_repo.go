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

const subscriptionColumns = `id, telegram_id, plan_type, protocol, status,
	marzban_username, subscription_url, node_id, traffic_limit_gb, traffic_used_bytes,
	started_at, expires_at, created_at, updated_at`

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Create inserts a new subscription record
func (r *SubscriptionRepository) Create(ctx context.Context, s *models.Subscription) error {
	query := `
		INSERT INTO vpncore.subscriptions (
			id, telegram_id, plan_type, protocol, status,
			marzban_username, subscription_url, node_id, traffic_limit_gb, traffic_used_bytes,
			started_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.TelegramID, s.PlanType, s.Protocol, s.Status,
		s.MarzbanUsername, s.SubscriptionURL, s.NodeID, s.TrafficLimitGB, s.TrafficUsedBytes,
		s.StartedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	return nil
}

// GetByID retrieves a subscription by id
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM vpncore.subscriptions WHERE id = $1`
	return r.scanSubscription(r.pool.QueryRow(ctx, query, id))
}

// ListPage retrieves a page of subscriptions, optionally filtered by status and plan
func (r *SubscriptionRepository) ListPage(ctx context.Context, status, planType string, offset, limit int) ([]*models.Subscription, int, error) {
	where := `WHERE ($1 = '' OR status = $1) AND ($2 = '' OR plan_type = $2)`

	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM vpncore.subscriptions `+where, status, planType,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", err)
	}

	query := `SELECT ` + subscriptionColumns + `
		FROM vpncore.subscriptions ` + where + `
		ORDER BY created_at DESC
		OFFSET $3 LIMIT $4`

	rows, err := r.pool.Query(ctx, query, status, planType, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	subs, err := r.scanSubscriptions(rows)
	return subs, total, err
}

// ListByTelegramID retrieves all subscriptions for one user, newest first
func (r *SubscriptionRepository) ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM vpncore.subscriptions
		WHERE telegram_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, telegramID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	return r.scanSubscriptions(rows)
}

// ListActiveByNode retrieves active subscriptions pinned to a node
func (r *SubscriptionRepository) ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM vpncore.subscriptions
		WHERE node_id = $1 AND status IN ('pending', 'active')
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query node subscriptions: %w", err)
	}
	defer rows.Close()

	return r.scanSubscriptions(rows)
}

// ListSweepCandidates retrieves active subscriptions that are past expiry or
// out of quota as of now
func (r *SubscriptionRepository) ListSweepCandidates(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM vpncore.subscriptions
		WHERE status = 'active'
		  AND (
			(expires_at IS NOT NULL AND expires_at < $1)
			OR (traffic_limit_gb > 0 AND traffic_used_bytes >= traffic_limit_gb::bigint * 1073741824)
		  )
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	defer rows.Close()

	return r.scanSubscriptions(rows)
}

// Update persists the mutable fields of a subscription
func (r *SubscriptionRepository) Update(ctx context.Context, s *models.Subscription) error {
	query := `
		UPDATE vpncore.subscriptions SET
			status = $1,
			subscription_url = $2,
			node_id = $3,
			traffic_limit_gb = $4,
			started_at = $5,
			expires_at = $6,
			updated_at = now()
		WHERE id = $7
	`

	tag, err := r.pool.Exec(ctx, query,
		s.Status, s.SubscriptionURL, s.NodeID, s.TrafficLimitGB,
		s.StartedAt, s.ExpiresAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// AddTraffic accumulates a usage delta and returns the new consumed total.
// The increment happens in a single statement so concurrent reports never
// lose updates.
func (r *SubscriptionRepository) AddTraffic(ctx context.Context, id string, delta int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		UPDATE vpncore.subscriptions
		SET traffic_used_bytes = traffic_used_bytes + $1, updated_at = now()
		WHERE id = $2
		RETURNING traffic_used_bytes
	`, delta, id).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("add traffic: %w", err)
	}

	return total, nil
}

// ResetTraffic zeroes the consumed counter (administrative correction)
func (r *SubscriptionRepository) ResetTraffic(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE vpncore.subscriptions
		SET traffic_used_bytes = 0, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reset traffic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a subscription record (creation unwind only)
func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM vpncore.subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CountActiveByNode counts pending/active subscriptions pinned to one node
func (r *SubscriptionRepository) CountActiveByNode(ctx context.Context, nodeID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM vpncore.subscriptions
		WHERE node_id = $1 AND status IN ('pending', 'active')
	`, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count node subscriptions: %w", err)
	}

	return count, nil
}

// ActiveCountsByNode returns the pending/active subscription count per node
func (r *SubscriptionRepository) ActiveCountsByNode(ctx context.Context) (map[int64]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT node_id, count(*) FROM vpncore.subscriptions
		WHERE node_id IS NOT NULL AND status IN ('pending', 'active')
		GROUP BY node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query node counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var nodeID int64
		var count int
		if err := rows.Scan(&nodeID, &count); err != nil {
			return nil, fmt.Errorf("scan node count: %w", err)
		}
		counts[nodeID] = count
	}

	return counts, rows.Err()
}

// CountByStatus counts subscriptions in one status
func (r *SubscriptionRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM vpncore.subscriptions WHERE status = $1`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// CountAll counts every subscription record
func (r *SubscriptionRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM vpncore.subscriptions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// CountExpiringBefore counts active subscriptions expiring before the deadline
func (r *SubscriptionRepository) CountExpiringBefore(ctx context.Context, deadline time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM vpncore.subscriptions
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
	`, deadline).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count expiring subscriptions: %w", err)
	}
	return count, nil
}

// CountCreatedSince counts subscriptions created at or after the cutoff
func (r *SubscriptionRepository) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM vpncore.subscriptions WHERE created_at >= $1`, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count new subscriptions: %w", err)
	}
	return count, nil
}

// CountActiveByProtocol breaks active subscriptions down by protocol
func (r *SubscriptionRepository) CountActiveByProtocol(ctx context.Context) (map[string]int, error) {
	return r.countActiveGrouped(ctx, "protocol")
}

// CountActiveByPlan breaks active subscriptions down by plan type
func (r *SubscriptionRepository) CountActiveByPlan(ctx context.Context) (map[string]int, error) {
	return r.countActiveGrouped(ctx, "plan_type")
}

func (r *SubscriptionRepository) countActiveGrouped(ctx context.Context, column string) (map[string]int, error) {
	// column is a fixed identifier chosen by the caller, never user input
	query := fmt.Sprintf(`
		SELECT %s, count(*) FROM vpncore.subscriptions
		WHERE status = 'active'
		GROUP BY %s
	`, column, column)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query grouped counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan grouped count: %w", err)
		}
		counts[key] = count
	}

	return counts, rows.Err()
}

// CreatedPerDay returns the daily creation counts for the last N days
func (r *SubscriptionRepository) CreatedPerDay(ctx context.Context, days int) ([]models.ChartDataPoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(created_at::date, 'YYYY-MM-DD') AS day, count(*)
		FROM vpncore.subscriptions
		WHERE created_at >= now() - ($1 || ' days')::interval
		GROUP BY day
		ORDER BY day
	`, days)
	if err != nil {
		return nil, fmt.Errorf("query daily creations: %w", err)
	}
	defer rows.Close()

	var points []models.ChartDataPoint
	for rows.Next() {
		var p models.ChartDataPoint
		if err := rows.Scan(&p.Date, &p.Value); err != nil {
			return nil, fmt.Errorf("scan chart point: %w", err)
		}
		points = append(points, p)
	}

	return points, rows.Err()
}

func (r *SubscriptionRepository) scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.TelegramID, &s.PlanType, &s.Protocol, &s.Status,
		&s.MarzbanUsername, &s.SubscriptionURL, &s.NodeID, &s.TrafficLimitGB, &s.TrafficUsedBytes,
		&s.StartedAt, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return s, nil
}

func (r *SubscriptionRepository) scanSubscriptions(rows pgx.Rows) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	for rows.Next() {
		s := &models.Subscription{}
		err := rows.Scan(
			&s.ID, &s.TelegramID, &s.PlanType, &s.Protocol, &s.Status,
			&s.MarzbanUsername, &s.SubscriptionURL, &s.NodeID, &s.TrafficLimitGB, &s.TrafficUsedBytes,
			&s.StartedAt, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
