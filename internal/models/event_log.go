package models

import "time"

// Lifecycle event name constants
const (
	EventActivated   = "activated"
	EventExtended    = "extended"
	EventDisabled    = "disabled"
	EventExpired     = "expired"
	EventMigrated    = "migrated"
	EventQuotaReset  = "quota_reset"
	EventCreateFailed = "create_failed"
)

// EventLog is a lifecycle event entry for a subscription
type EventLog struct {
	ID             string
	SubscriptionID string
	Event          string
	Status         string
	Message        string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}
