package models

import "time"

// ==================== Subscription DTOs ====================

// CreateSubscriptionRequest is the console/bot request to provision a subscription
type CreateSubscriptionRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	PlanType   string `json:"plan_type"`
	Protocol   string `json:"protocol"`
	PromoCode  string `json:"promo_code,omitempty"`

	// Payment linkage (optional, recorded for audit)
	PaymentSystem     string `json:"payment_system,omitempty"`
	PaymentAmount     int64  `json:"payment_amount,omitempty"`
	ExternalPaymentID string `json:"payment_id,omitempty"`
}

// SubscriptionResponse is the wire shape the console tables render
type SubscriptionResponse struct {
	ID              string     `json:"id"`
	TelegramID      int64      `json:"telegram_id"`
	PlanType        string     `json:"plan_type"`
	Protocol        string     `json:"protocol"`
	Status          string     `json:"status"`
	MarzbanUsername string     `json:"marzban_username"`
	SubscriptionURL *string    `json:"subscription_url"`
	NodeID          *int64     `json:"node_id"`
	TrafficLimitGB  int        `json:"traffic_limit_gb"`
	TrafficUsedGB   float64    `json:"traffic_used_gb"`
	StartedAt       *time.Time `json:"started_at"`
	ExpiresAt       *time.Time `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DaysRemaining   *int       `json:"days_remaining"`
	TrafficPercent  float64    `json:"traffic_percent"`
}

// SubscriptionListResponse pages subscriptions for the console table
type SubscriptionListResponse struct {
	Data  []SubscriptionResponse `json:"data"`
	Total int                    `json:"total"`
}

// SubscriptionToResponse converts a record to its wire shape
func SubscriptionToResponse(s *Subscription, now time.Time) SubscriptionResponse {
	return SubscriptionResponse{
		ID:              s.ID,
		TelegramID:      s.TelegramID,
		PlanType:        s.PlanType,
		Protocol:        s.Protocol,
		Status:          s.Status,
		MarzbanUsername: s.MarzbanUsername,
		SubscriptionURL: s.SubscriptionURL,
		NodeID:          s.NodeID,
		TrafficLimitGB:  s.TrafficLimitGB,
		TrafficUsedGB:   float64(s.TrafficUsedBytes) / float64(GB),
		StartedAt:       s.StartedAt,
		ExpiresAt:       s.ExpiresAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		DaysRemaining:   s.DaysRemaining(now),
		TrafficPercent:  s.TrafficPercent(),
	}
}

// UsageReportRequest is the data-plane usage report for a subscription
type UsageReportRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
	BytesDelta     int64  `json:"bytes_delta"`
}

// UsageSnapshot is returned after a usage report is applied
type UsageSnapshot struct {
	SubscriptionID string  `json:"subscription_id"`
	TrafficLimitGB int     `json:"traffic_limit_gb"`
	TrafficUsedGB  float64 `json:"traffic_used_gb"`
	TrafficPercent float64 `json:"traffic_percent"`
	Exhausted      bool    `json:"exhausted"`
}

// VPNUserProfileResponse aggregates everything the console shows for one user
type VPNUserProfileResponse struct {
	TelegramID            int64                  `json:"telegram_id"`
	TotalSubscriptions    int                    `json:"total_subscriptions"`
	TotalPayments         int                    `json:"total_payments"`
	TotalSpentStars       int64                  `json:"total_spent_stars"`
	HasActiveSubscription bool                   `json:"has_active_subscription"`
	ActiveSubscription    *SubscriptionResponse  `json:"active_subscription"`
	Subscriptions         []SubscriptionResponse `json:"subscriptions"`
	Payments              []PaymentResponse      `json:"payments"`
}

// ==================== Payment DTOs ====================

// PaymentResponse is the wire shape of a payment record
type PaymentResponse struct {
	ID             string     `json:"id"`
	TelegramID     int64      `json:"telegram_id"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	PaymentSystem  string     `json:"payment_system"`
	PaymentID      *string    `json:"payment_id"`
	PlanType       string     `json:"plan_type"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	SubscriptionID *string    `json:"subscription_id"`
}

// PaymentToResponse converts a record to its wire shape
func PaymentToResponse(p *Payment) PaymentResponse {
	return PaymentResponse{
		ID:             p.ID,
		TelegramID:     p.TelegramID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		PaymentSystem:  p.PaymentSystem,
		PaymentID:      p.ExternalPaymentID,
		PlanType:       p.PlanType,
		Status:         p.Status,
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
		SubscriptionID: p.SubscriptionID,
	}
}

// PaymentListResponse pages payments for the console table
type PaymentListResponse struct {
	Data  []PaymentResponse `json:"data"`
	Total int               `json:"total"`
}

// ==================== Node DTOs ====================

// NodeCreateRequest registers a new relay node
type NodeCreateRequest struct {
	Name             string  `json:"name" binding:"required"`
	Address          string  `json:"address" binding:"required"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
}

// NodeResponse is the wire shape of a registered node
type NodeResponse struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	Port                int       `json:"port"`
	APIPort             int       `json:"api_port"`
	UsageCoefficient    float64   `json:"usage_coefficient"`
	Status              string    `json:"status"`
	Message             *string   `json:"message"`
	Version             *string   `json:"version"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	CreatedAt           time.Time `json:"created_at"`
}

// NodeToResponse converts a node to its wire shape
func NodeToResponse(n *Node, activeSubscriptions int) NodeResponse {
	return NodeResponse{
		ID:                  n.ID,
		Name:                n.Name,
		Address:             n.Address,
		Port:                n.Port,
		APIPort:             n.APIPort,
		UsageCoefficient:    n.UsageCoefficient,
		Status:              n.Status,
		Message:             n.LastError,
		Version:             n.Version,
		ActiveSubscriptions: activeSubscriptions,
		CreatedAt:           n.CreatedAt,
	}
}

// NodeListResponse carries fleet-level stats plus all nodes
type NodeListResponse struct {
	SystemStats NodeSystemStats `json:"system_stats"`
	Nodes       []NodeResponse  `json:"nodes"`
}

// NodeSystemStats is the fleet summary shown above the node table
type NodeSystemStats struct {
	TotalNodes     int     `json:"total_nodes"`
	ConnectedNodes int     `json:"connected_nodes"`
	TotalWeight    float64 `json:"total_weight"`
}

// NodeDeleteResponse reports the outcome of a node removal
type NodeDeleteResponse struct {
	NodeID                int64  `json:"node_id"`
	MigratedSubscriptions int    `json:"migrated_subscriptions"`
	Message               string `json:"message"`
}

// ==================== Promo DTOs ====================

// PromoGenerateRequest asks the ledger for a batch of codes
type PromoGenerateRequest struct {
	Prefix         string `json:"prefix" binding:"required"`
	Count          int    `json:"count" binding:"required,min=1,max=1000"`
	Days           int    `json:"days" binding:"required,min=1"`
	TrafficGB      int    `json:"traffic_gb"`
	MaxActivations int    `json:"max_activations"`
	CampaignName   string `json:"campaign_name,omitempty"`
}

// PromoGenerateResponse returns the batch id and every generated code so the
// caller can reconcile without a follow-up read
type PromoGenerateResponse struct {
	BatchID      string   `json:"batch_id"`
	Codes        []string `json:"codes"`
	Count        int      `json:"count"`
	CampaignName string   `json:"campaign_name,omitempty"`
}

// PromoCodeResponse is the wire shape of a single code
type PromoCodeResponse struct {
	ID                 int64     `json:"id"`
	Code               string    `json:"code"`
	BatchID            *string   `json:"batch_id"`
	CampaignName       *string   `json:"campaign_name"`
	Days               int       `json:"days"`
	TrafficGB          int       `json:"traffic_gb"`
	MaxActivations     int       `json:"max_activations"`
	CurrentActivations int       `json:"current_activations"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

// PromoCodeToResponse converts a record to its wire shape
func PromoCodeToResponse(p *PromoCode) PromoCodeResponse {
	return PromoCodeResponse{
		ID:                 p.ID,
		Code:               p.Code,
		BatchID:            p.BatchID,
		CampaignName:       p.CampaignName,
		Days:               p.Days,
		TrafficGB:          p.TrafficGB,
		MaxActivations:     p.MaxActivations,
		CurrentActivations: p.CurrentActivations,
		Active:             p.Active,
		CreatedAt:          p.CreatedAt,
	}
}

// PromoBatchResponse is the wire shape of a batch aggregate
type PromoBatchResponse struct {
	BatchID          string    `json:"batch_id"`
	CampaignName     *string   `json:"campaign_name"`
	CodesCount       int       `json:"codes_count"`
	TotalActivations int       `json:"total_activations"`
	ActiveCodes      int       `json:"active_codes"`
	CreatedAt        time.Time `json:"created_at"`
}

// PromoRevokeResponse reports how many codes a revocation touched
type PromoRevokeResponse struct {
	BatchID      string `json:"batch_id,omitempty"`
	Code         string `json:"code,omitempty"`
	RevokedCount int    `json:"revoked_count"`
	Message      string `json:"message"`
}

// PromoRedeemRequest redeems a code for a user
type PromoRedeemRequest struct {
	Code       string `json:"code" binding:"required"`
	TelegramID int64  `json:"telegram_id" binding:"required"`
}

// PromoStatsResponse is the ledger summary for the console
type PromoStatsResponse struct {
	TotalCodes       int `json:"total_codes"`
	ActiveCodes      int `json:"active_codes"`
	TotalActivations int `json:"total_activations"`
	BatchesCount     int `json:"batches_count"`
}

// ==================== Stats DTOs ====================

// VPNStatsResponse is the subscription dashboard summary
type VPNStatsResponse struct {
	ActiveSubscriptions int              `json:"active_subscriptions"`
	TotalSubscriptions  int              `json:"total_subscriptions"`
	ExpiringSoon        int              `json:"expiring_soon"`
	NewToday            int              `json:"new_today"`
	TotalRevenueStars   int64            `json:"total_revenue_stars"`
	TotalPayments       int              `json:"total_payments"`
	ByPlan              map[string]PlanStats `json:"by_plan"`
	ByProtocol          map[string]int   `json:"by_protocol"`
}

// PlanStats is the per-plan revenue breakdown
type PlanStats struct {
	Count        int   `json:"count"`
	RevenueStars int64 `json:"revenue_stars"`
}

// StatsResponse is the top-level dashboard summary
type StatsResponse struct {
	ActiveSubscriptions int `json:"active_subscriptions"`
	TotalSubscriptions  int `json:"total_subscriptions"`
	TotalNodes          int `json:"total_nodes"`
	ConnectedNodes      int `json:"connected_nodes"`
	ActivePromoCodes    int `json:"active_promo_codes"`
	PromoActivations    int `json:"promo_activations"`
	QueueLength         int64 `json:"queue_length"`
	SweepsRunning       int `json:"sweeps_running"`
}

// ChartDataPoint is one bucket of a time series
type ChartDataPoint struct {
	Date  string `json:"date"`
	Value int    `json:"value"`
}

// LoadChartResponse is the daily activations series
type LoadChartResponse struct {
	Data []ChartDataPoint `json:"data"`
}

// PlatformStatsResponse breaks active subscriptions down by protocol and plan
type PlatformStatsResponse struct {
	ByProtocol map[string]int `json:"by_protocol"`
	ByPlan     map[string]int `json:"by_plan"`
}

// NodePerformance is the per-node load row on the performance view
type NodePerformance struct {
	NodeID              int64   `json:"node_id"`
	Name                string  `json:"name"`
	Status              string  `json:"status"`
	UsageCoefficient    float64 `json:"usage_coefficient"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	ShareOfFleet        float64 `json:"share_of_fleet"`
}

// PerformanceResponse is the fleet performance view
type PerformanceResponse struct {
	Nodes []NodePerformance `json:"nodes"`
}

// CampaignStats is the per-campaign promo funnel row
type CampaignStats struct {
	CampaignName     string `json:"campaign_name"`
	CodesIssued      int    `json:"codes_issued"`
	ActivationsTotal int    `json:"activations_total"`
	ActivationsToday int    `json:"activations_today"`
}

// FlyerStatsResponse is the campaign funnel view
type FlyerStatsResponse struct {
	Campaigns        []CampaignStats `json:"campaigns"`
	TotalActivations int             `json:"total_activations"`
	ActivationsToday int             `json:"activations_today"`
}
