package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
	"github.com/wenwu/saas-platform/vpn-core/internal/repository"
)

// Migrator moves subscriptions off a node onto the rest of the fleet
type Migrator interface {
	MigrateFromNode(ctx context.Context, nodeID int64) (int, error)
}

// NodeRegistry tracks relay nodes and their health. Health transitions
// invalidate the eligible-node cache consumed by the fleet selector.
type NodeRegistry struct {
	nodes    NodeStore
	subs     SubscriptionStore
	prober   NodeProber
	cache    EligibleCache // nil disables caching
	migrator Migrator
}

// NewNodeRegistry creates a node registry
func NewNodeRegistry(nodes NodeStore, subs SubscriptionStore, prober NodeProber, cache EligibleCache) *NodeRegistry {
	return &NodeRegistry{
		nodes:  nodes,
		subs:   subs,
		prober: prober,
		cache:  cache,
	}
}

// SetMigrator wires the subscription migrator. Done after construction
// because the subscription manager depends on the registry's fleet view.
func (r *NodeRegistry) SetMigrator(m Migrator) {
	r.migrator = m
}

// Register adds a node to the fleet and probes it once for an initial
// health status
func (r *NodeRegistry) Register(ctx context.Context, req *models.NodeCreateRequest) (*models.Node, error) {
	coefficient := req.UsageCoefficient
	if coefficient <= 0 {
		coefficient = 1.0
	}

	node := &models.Node{
		Name:             req.Name,
		Address:          req.Address,
		Port:             req.Port,
		APIPort:          req.APIPort,
		UsageCoefficient: coefficient,
		Status:           models.NodeStatusUnknown,
	}
	if err := r.nodes.Create(ctx, node); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	log.Printf("[NodeRegistry] Node registered: %s (id: %d, weight: %.2f)", node.Name, node.ID, node.UsageCoefficient)

	r.probeAndRecord(ctx, node)
	return node, nil
}

// Deregister removes a node. When the node still holds active subscriptions,
// migrate must be set or the call fails with ErrConflict; with migrate set,
// every pinned subscription is moved to another eligible node first.
// Returns the number of migrated subscriptions.
func (r *NodeRegistry) Deregister(ctx context.Context, id int64, migrate bool) (int, error) {
	node, err := r.nodes.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	activeCount, err := r.subs.CountActiveByNode(ctx, id)
	if err != nil {
		return 0, err
	}
	if activeCount > 0 && (!migrate || r.migrator == nil) {
		return 0, fmt.Errorf("%w: node %d holds %d active subscriptions", ErrConflict, id, activeCount)
	}

	// Take the node out of placement before draining it, so a concurrent
	// creation cannot land a subscription on it mid-removal.
	if node.Eligible() {
		reason := "draining for removal"
		if err := r.nodes.UpdateHealth(ctx, id, models.NodeStatusDegraded, &reason, nil); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return 0, ErrNotFound
			}
			return 0, err
		}
		r.invalidateCache(ctx)
	}

	migrated := 0
	if activeCount > 0 {
		migrated, err = r.migrator.MigrateFromNode(ctx, id)
		if err != nil {
			return migrated, fmt.Errorf("migrate subscriptions off node %d: %w", id, err)
		}
	}

	// A creation that picked this node before the drain took effect may
	// have slipped in; move it off before the row goes away.
	remaining, err := r.subs.CountActiveByNode(ctx, id)
	if err != nil {
		return migrated, err
	}
	if remaining > 0 {
		if !migrate || r.migrator == nil {
			return migrated, fmt.Errorf("%w: node %d holds %d active subscriptions", ErrConflict, id, remaining)
		}
		extra, err := r.migrator.MigrateFromNode(ctx, id)
		migrated += extra
		if err != nil {
			return migrated, fmt.Errorf("migrate subscriptions off node %d: %w", id, err)
		}
	}

	if err := r.nodes.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return migrated, ErrNotFound
		}
		return migrated, err
	}

	log.Printf("[NodeRegistry] Node %d removed (%d subscriptions migrated)", id, migrated)
	r.invalidateCache(ctx)
	return migrated, nil
}

// ReportHealth records a health transition for a node
func (r *NodeRegistry) ReportHealth(ctx context.Context, id int64, status string, detail, version *string) error {
	if err := r.nodes.UpdateHealth(ctx, id, status, detail, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	r.invalidateCache(ctx)
	return nil
}

// List returns every node ordered by id, with its active subscription count
func (r *NodeRegistry) List(ctx context.Context) ([]models.NodeResponse, error) {
	nodes, err := r.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.subs.ActiveCountsByNode(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, models.NodeToResponse(n, counts[n.ID]))
	}
	return out, nil
}

// Get returns a single node
func (r *NodeRegistry) Get(ctx context.Context, id int64) (*models.Node, error) {
	node, err := r.nodes.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return node, nil
}

// Reconnect re-probes a node on operator request and returns its fresh state
func (r *NodeRegistry) Reconnect(ctx context.Context, id int64) (*models.Node, error) {
	node, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.probeAndRecord(ctx, node)
	return r.Get(ctx, id)
}

// ProbeAll probes every registered node. A failing probe marks that node
// disconnected but never stops the rest of the pass.
func (r *NodeRegistry) ProbeAll(ctx context.Context) {
	nodes, err := r.nodes.List(ctx)
	if err != nil {
		log.Printf("[NodeRegistry] Probe pass failed to list nodes: %v", err)
		return
	}
	for _, n := range nodes {
		r.probeAndRecord(ctx, n)
	}
}

// probeAndRecord probes one node and persists the health transition when
// the status changed
func (r *NodeRegistry) probeAndRecord(ctx context.Context, n *models.Node) {
	version, err := r.prober.Probe(ctx, n)

	status := models.NodeStatusConnected
	var lastError *string
	var versionPtr *string
	if err != nil {
		status = models.NodeStatusDisconnected
		msg := err.Error()
		lastError = &msg
	} else if version != "" {
		versionPtr = &version
	}

	if status == n.Status && status == models.NodeStatusConnected {
		return
	}

	if err := r.nodes.UpdateHealth(ctx, n.ID, status, lastError, versionPtr); err != nil {
		log.Printf("[NodeRegistry] Failed to record health for node %d: %v", n.ID, err)
		return
	}
	if status != n.Status {
		log.Printf("[NodeRegistry] Node %d health: %s -> %s", n.ID, n.Status, status)
		r.invalidateCache(ctx)
	}
}

func (r *NodeRegistry) invalidateCache(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx); err != nil {
		log.Printf("[NodeRegistry] Failed to invalidate eligible-node cache: %v", err)
	}
}

// TCPProber checks node reachability with a TCP dial to the control port
type TCPProber struct {
	Timeout time.Duration
}

// Probe dials the node's API port
func (p *TCPProber) Probe(ctx context.Context, n *models.Node) (string, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", n.Address, n.APIPort)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.Close()
	return "", nil
}
