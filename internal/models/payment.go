package models

import "time"

// Payment status constants
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Payment system constants
const (
	PaymentSystemTelegramStars = "telegram_stars"
	PaymentSystemYookassa      = "yookassa"
)

// Payment links a completed charge to a subscription creation or extension.
// The core records the linkage for audit; the gateway protocol lives elsewhere.
type Payment struct {
	ID             string
	SubscriptionID *string
	TelegramID     int64

	Amount           int64 // smallest units (stars/kopeks)
	Currency         string
	PaymentSystem    string
	ExternalPaymentID *string

	PlanType string
	Status   string

	CreatedAt   time.Time
	CompletedAt *time.Time
}
