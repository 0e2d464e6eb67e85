package models

import "time"

// Subscription status constants
const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Protocol constants
const (
	ProtocolVless       = "vless"
	ProtocolShadowsocks = "shadowsocks"
)

// Plan type constants
const (
	PlanMonth1 = "month_1"
	PlanMonth3 = "month_3"
	PlanYear1  = "year_1"
	PlanPromo  = "promo"
)

const GB = int64(1024 * 1024 * 1024)

// Plan describes the duration and traffic allowance of a plan type
type Plan struct {
	Type       string
	Days       int
	TrafficGB  int // 0 = unlimited
	PriceStars int64
}

// Plans is the plan catalogue keyed by plan type
var Plans = map[string]Plan{
	PlanMonth1: {Type: PlanMonth1, Days: 30, TrafficGB: 100, PriceStars: 60},
	PlanMonth3: {Type: PlanMonth3, Days: 90, TrafficGB: 300, PriceStars: 150},
	PlanYear1:  {Type: PlanYear1, Days: 365, TrafficGB: 1200, PriceStars: 500},
}

// Subscription represents a VPN subscription record
type Subscription struct {
	ID         string
	TelegramID int64

	PlanType string
	Protocol string
	Status   string

	// Panel account reference
	MarzbanUsername string
	SubscriptionURL *string

	// Fleet placement
	NodeID *int64

	// Quota: limit in whole GB (0 = unlimited), consumed in bytes
	TrafficLimitGB   int
	TrafficUsedBytes int64

	StartedAt *time.Time
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrafficLimitBytes returns the allowance in bytes, 0 meaning unlimited
func (s *Subscription) TrafficLimitBytes() int64 {
	return int64(s.TrafficLimitGB) * GB
}

// QuotaExhausted reports whether consumed traffic has reached the allowance
func (s *Subscription) QuotaExhausted() bool {
	limit := s.TrafficLimitBytes()
	return limit > 0 && s.TrafficUsedBytes >= limit
}

// TrafficPercent returns consumed/allowance as a percentage, 0 when unlimited
func (s *Subscription) TrafficPercent() float64 {
	limit := s.TrafficLimitBytes()
	if limit <= 0 {
		return 0.0
	}
	pct := (float64(s.TrafficUsedBytes) / float64(limit)) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// DaysRemaining returns whole days until expiry, nil when no expiry is set
func (s *Subscription) DaysRemaining(now time.Time) *int {
	if s.ExpiresAt == nil {
		return nil
	}
	days := int(s.ExpiresAt.Sub(now).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}
