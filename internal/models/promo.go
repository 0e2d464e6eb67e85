package models

import "time"

// PromoCode represents a single redeemable code in the ledger
type PromoCode struct {
	ID                 int64
	Code               string
	BatchID            *string
	CampaignName       *string
	Days               int
	TrafficGB          int // 0 = unlimited
	MaxActivations     int
	CurrentActivations int
	Active             bool
	CreatedAt          time.Time
}

// RemainingActivations returns how many redemption slots are left
func (p *PromoCode) RemainingActivations() int {
	left := p.MaxActivations - p.CurrentActivations
	if left < 0 {
		return 0
	}
	return left
}

// PromoActivation records one successful redemption of a code
type PromoActivation struct {
	ID              int64
	PromoCodeID     int64
	TelegramID      int64
	MarzbanUsername *string
	ActivatedAt     time.Time
}

// PromoBatch is the aggregate view of codes generated together
type PromoBatch struct {
	BatchID          string
	CampaignName     *string
	CodesCount       int
	TotalActivations int
	ActiveCodes      int
	CreatedAt        time.Time
}

// PromoGrant is what a successful redemption grants the subscriber
type PromoGrant struct {
	Days      int `json:"days"`
	TrafficGB int `json:"traffic_gb"`
}
