package service

import (
	"context"
	"log"
	"sync"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

// FleetSelector places subscriptions on relay nodes using smooth weighted
// round-robin: each node's share of selections converges to
// weight_i / sum(weights) over the eligible fleet. Ties are broken by the
// lowest active-subscription count, then the lowest node id, so repeated
// runs against the same fleet are deterministic.
type FleetSelector struct {
	nodes NodeStore
	subs  SubscriptionStore
	cache EligibleCache // nil disables caching

	mu      sync.Mutex
	current map[int64]float64
}

// NewFleetSelector creates a fleet selector
func NewFleetSelector(nodes NodeStore, subs SubscriptionStore, cache EligibleCache) *FleetSelector {
	return &FleetSelector{
		nodes:   nodes,
		subs:    subs,
		cache:   cache,
		current: make(map[int64]float64),
	}
}

// Select picks an eligible node, skipping any node id present in exclude.
// Returns ErrNoCapacity when no connected node remains after exclusion.
func (s *FleetSelector) Select(ctx context.Context, exclude map[int64]bool) (*models.Node, error) {
	eligible, err := s.eligibleNodes(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]*models.Node, 0, len(eligible))
	for _, n := range eligible {
		if exclude[n.ID] {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	activeCounts, err := s.subs.ActiveCountsByNode(ctx)
	if err != nil {
		// Tie-breaks degrade to id order; selection itself still works.
		log.Printf("[FleetSelector] Failed to load active counts: %v", err)
		activeCounts = map[int64]int{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop round-robin state for nodes that left the candidate set so a
	// returning node does not start with a stale deficit or surplus.
	seen := make(map[int64]bool, len(candidates))
	for _, n := range candidates {
		seen[n.ID] = true
	}
	for id := range s.current {
		if !seen[id] {
			delete(s.current, id)
		}
	}

	var total float64
	var best *models.Node
	for _, n := range candidates {
		s.current[n.ID] += n.UsageCoefficient
		total += n.UsageCoefficient
		if best == nil || s.better(n, best, activeCounts) {
			best = n
		}
	}

	s.current[best.ID] -= total
	return best, nil
}

// better reports whether a should be picked over the current best b
func (s *FleetSelector) better(a, b *models.Node, activeCounts map[int64]int) bool {
	ca, cb := s.current[a.ID], s.current[b.ID]
	if ca != cb {
		return ca > cb
	}
	if activeCounts[a.ID] != activeCounts[b.ID] {
		return activeCounts[a.ID] < activeCounts[b.ID]
	}
	return a.ID < b.ID
}

// eligibleNodes returns the connected fleet, consulting the eligible-id
// cache when one is configured
func (s *FleetSelector) eligibleNodes(ctx context.Context) ([]*models.Node, error) {
	all, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if ids, ok := s.cache.GetEligible(ctx); ok {
			cached := make(map[int64]bool, len(ids))
			for _, id := range ids {
				cached[id] = true
			}
			eligible := make([]*models.Node, 0, len(ids))
			for _, n := range all {
				if cached[n.ID] {
					eligible = append(eligible, n)
				}
			}
			return eligible, nil
		}
	}

	eligible := make([]*models.Node, 0, len(all))
	ids := make([]int64, 0, len(all))
	for _, n := range all {
		if n.Eligible() {
			eligible = append(eligible, n)
			ids = append(ids, n.ID)
		}
	}

	if s.cache != nil {
		if err := s.cache.SetEligible(ctx, ids); err != nil {
			log.Printf("[FleetSelector] Failed to cache eligible nodes: %v", err)
		}
	}
	return eligible, nil
}
