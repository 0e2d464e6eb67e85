package service

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/wenwu/saas-platform/vpn-core/internal/cache"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

// StatsService serves the read-only dashboard aggregates
type StatsService struct {
	subs   SubscriptionStore
	nodes  NodeStore
	promos PromoStore
	rdb    *redis.Client // nil when Redis is not configured

	sweepsRunning func() int
}

// NewStatsService creates a stats service. sweepsRunning reports how many
// background sweep passes are in flight right now; pass nil when not wired.
func NewStatsService(subs SubscriptionStore, nodes NodeStore, promos PromoStore, rdb *redis.Client, sweepsRunning func() int) *StatsService {
	return &StatsService{
		subs:          subs,
		nodes:         nodes,
		promos:        promos,
		rdb:           rdb,
		sweepsRunning: sweepsRunning,
	}
}

// Dashboard returns the top-level summary widgets
func (s *StatsService) Dashboard(ctx context.Context) (*models.StatsResponse, error) {
	active, err := s.subs.CountByStatus(ctx, models.SubscriptionStatusActive)
	if err != nil {
		return nil, err
	}
	total, err := s.subs.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	promoStats, err := s.promos.Stats(ctx)
	if err != nil {
		return nil, err
	}

	connected := 0
	for _, n := range nodes {
		if n.Status == models.NodeStatusConnected {
			connected++
		}
	}

	resp := &models.StatsResponse{
		ActiveSubscriptions: active,
		TotalSubscriptions:  total,
		TotalNodes:          len(nodes),
		ConnectedNodes:      connected,
		ActivePromoCodes:    promoStats.ActiveCodes,
		PromoActivations:    promoStats.TotalActivations,
	}
	if s.rdb != nil {
		resp.QueueLength = cache.QueueLength(ctx, s.rdb)
	}
	if s.sweepsRunning != nil {
		resp.SweepsRunning = s.sweepsRunning()
	}
	return resp, nil
}

// Chart returns the daily new-subscription series
func (s *StatsService) Chart(ctx context.Context, days int) (*models.LoadChartResponse, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	points, err := s.subs.CreatedPerDay(ctx, days)
	if err != nil {
		return nil, err
	}
	return &models.LoadChartResponse{Data: points}, nil
}

// Platforms breaks active subscriptions down by protocol and plan
func (s *StatsService) Platforms(ctx context.Context) (*models.PlatformStatsResponse, error) {
	byProtocol, err := s.subs.CountActiveByProtocol(ctx)
	if err != nil {
		return nil, err
	}
	byPlan, err := s.subs.CountActiveByPlan(ctx)
	if err != nil {
		return nil, err
	}
	return &models.PlatformStatsResponse{ByProtocol: byProtocol, ByPlan: byPlan}, nil
}

// Performance returns the per-node load table. ShareOfFleet is the node's
// weight relative to the connected fleet, which is also its expected share
// of new placements.
func (s *StatsService) Performance(ctx context.Context) (*models.PerformanceResponse, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.subs.ActiveCountsByNode(ctx)
	if err != nil {
		return nil, err
	}

	var totalWeight float64
	for _, n := range nodes {
		if n.Eligible() {
			totalWeight += n.UsageCoefficient
		}
	}

	resp := &models.PerformanceResponse{Nodes: make([]models.NodePerformance, 0, len(nodes))}
	for _, n := range nodes {
		share := 0.0
		if n.Eligible() && totalWeight > 0 {
			share = n.UsageCoefficient / totalWeight
		}
		resp.Nodes = append(resp.Nodes, models.NodePerformance{
			NodeID:              n.ID,
			Name:                n.Name,
			Status:              n.Status,
			UsageCoefficient:    n.UsageCoefficient,
			ActiveSubscriptions: counts[n.ID],
			ShareOfFleet:        share,
		})
	}
	return resp, nil
}
