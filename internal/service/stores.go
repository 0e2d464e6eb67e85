package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/client"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

// NodeStore persists relay nodes
type NodeStore interface {
	Create(ctx context.Context, n *models.Node) error
	GetByID(ctx context.Context, id int64) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	UpdateHealth(ctx context.Context, id int64, status string, lastError, version *string) error
	Delete(ctx context.Context, id int64) error
}

// SubscriptionStore persists subscriptions
type SubscriptionStore interface {
	Create(ctx context.Context, s *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	ListPage(ctx context.Context, status, planType string, offset, limit int) ([]*models.Subscription, int, error)
	ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Subscription, error)
	ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.Subscription, error)
	ListSweepCandidates(ctx context.Context, now time.Time) ([]*models.Subscription, error)
	Update(ctx context.Context, s *models.Subscription) error
	AddTraffic(ctx context.Context, id string, delta int64) (int64, error)
	ResetTraffic(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	CountActiveByNode(ctx context.Context, nodeID int64) (int, error)
	ActiveCountsByNode(ctx context.Context) (map[int64]int, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	CountAll(ctx context.Context) (int, error)
	CountExpiringBefore(ctx context.Context, deadline time.Time) (int, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	CountActiveByProtocol(ctx context.Context) (map[string]int, error)
	CountActiveByPlan(ctx context.Context) (map[string]int, error)
	CreatedPerDay(ctx context.Context, days int) ([]models.ChartDataPoint, error)
}

// PromoStore persists promo codes and their activation counters
type PromoStore interface {
	InsertCode(ctx context.Context, p *models.PromoCode) error
	CodeExists(ctx context.Context, code string) (bool, error)
	GetByCode(ctx context.Context, code string) (*models.PromoCode, error)
	ConsumeSlot(ctx context.Context, code string) (*models.PromoCode, error)
	ReleaseSlot(ctx context.Context, code string) error
	RecordActivation(ctx context.Context, a *models.PromoActivation) error
	RevokeBatch(ctx context.Context, batchID string) (int, error)
	DeleteBatch(ctx context.Context, batchID string) (int, error)
	RevokeCode(ctx context.Context, code string) error
	ListBatches(ctx context.Context) ([]*models.PromoBatch, error)
	ListCodes(ctx context.Context, batchID string, activeOnly bool, offset, limit int) ([]*models.PromoCode, error)
	Stats(ctx context.Context) (*models.PromoStatsResponse, error)
	CampaignStats(ctx context.Context, todayStart time.Time) ([]models.CampaignStats, error)
}

// PaymentStore persists payment audit records
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	ListPage(ctx context.Context, status string, offset, limit int) ([]*models.Payment, int, error)
	ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Payment, error)
	RevenueByPlan(ctx context.Context) (map[string]models.PlanStats, int, error)
}

// EventStore persists subscription lifecycle events
type EventStore interface {
	LogEvent(ctx context.Context, subscriptionID, event, status, message string) error
	LogEventWithMetadata(ctx context.Context, subscriptionID, event, status, message string, metadata map[string]interface{}) error
	GetBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]*models.EventLog, error)
}

// Panel is the external VPN panel managing data-plane accounts
type Panel interface {
	CreateUser(ctx context.Context, req *client.CreateUserRequest) (*client.PanelUser, error)
	ModifyUser(ctx context.Context, username string, req *client.ModifyUserRequest) (*client.PanelUser, error)
	RemoveUser(ctx context.Context, username string) error
	ResetUserUsage(ctx context.Context, username string) error
}

// NodeProber checks a node's connectivity and reports its software version
type NodeProber interface {
	Probe(ctx context.Context, n *models.Node) (version string, err error)
}

// EligibleCache caches the eligible-node id list between health changes
type EligibleCache interface {
	GetEligible(ctx context.Context) ([]int64, bool)
	SetEligible(ctx context.Context, ids []int64) error
	Invalidate(ctx context.Context) error
}
