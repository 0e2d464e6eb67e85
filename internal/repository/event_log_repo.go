package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

type EventLogRepository struct {
	pool *pgxpool.Pool
}

func NewEventLogRepository(pool *pgxpool.Pool) *EventLogRepository {
	return &EventLogRepository{pool: pool}
}

// Create appends a lifecycle event entry
func (r *EventLogRepository) Create(ctx context.Context, e *models.EventLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO vpncore.event_logs (id, subscription_id, event, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.SubscriptionID, e.Event, e.Status, e.Message, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// GetBySubscriptionID retrieves events for a subscription, newest first
func (r *EventLogRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]*models.EventLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, subscription_id, event, status, message, metadata, created_at
		FROM vpncore.event_logs
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event logs: %w", err)
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		e := &models.EventLog{}
		err := rows.Scan(
			&e.ID, &e.SubscriptionID, &e.Event, &e.Status,
			&e.Message, &e.Metadata, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LogEvent is a helper to record an event without metadata
func (r *EventLogRepository) LogEvent(ctx context.Context, subscriptionID, event, status, message string) error {
	return r.Create(ctx, &models.EventLog{
		SubscriptionID: subscriptionID,
		Event:          event,
		Status:         status,
		Message:        message,
	})
}

// LogEventWithMetadata is a helper to record an event with metadata
func (r *EventLogRepository) LogEventWithMetadata(ctx context.Context, subscriptionID, event, status, message string, metadata map[string]interface{}) error {
	return r.Create(ctx, &models.EventLog{
		SubscriptionID: subscriptionID,
		Event:          event,
		Status:         status,
		Message:        message,
		Metadata:       metadata,
	})
}
