package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

type registryFixture struct {
	nodes    *fakeNodeStore
	subs     *fakeSubscriptionStore
	prober   *fakeProber
	cache    *fakeCache
	registry *NodeRegistry
}

func newRegistryFixture() *registryFixture {
	f := &registryFixture{
		nodes:  newFakeNodeStore(),
		subs:   newFakeSubscriptionStore(),
		prober: &fakeProber{down: make(map[int64]bool)},
		cache:  &fakeCache{},
	}
	f.registry = NewNodeRegistry(f.nodes, f.subs, f.prober, f.cache)
	return f
}

func TestRegisterProbesNewNode(t *testing.T) {
	f := newRegistryFixture()

	node, err := f.registry.Register(context.Background(), &models.NodeCreateRequest{
		Name:    "fra-1",
		Address: "10.1.0.1",
		Port:    443,
		APIPort: 62050,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if node.UsageCoefficient != 1.0 {
		t.Fatalf("coefficient = %v, want default 1.0", node.UsageCoefficient)
	}

	stored, err := f.nodes.GetByID(context.Background(), node.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != models.NodeStatusConnected {
		t.Fatalf("status = %s, want connected after the initial probe", stored.Status)
	}
	if stored.Version == nil || *stored.Version != "1.8.0" {
		t.Fatalf("version = %v, want 1.8.0", stored.Version)
	}
}

func TestRegisterUnreachableNodeMarkedDisconnected(t *testing.T) {
	f := newRegistryFixture()
	f.prober.down[1] = true

	node, err := f.registry.Register(context.Background(), &models.NodeCreateRequest{
		Name:    "down-1",
		Address: "10.1.0.2",
		Port:    443,
		APIPort: 62050,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	stored, _ := f.nodes.GetByID(context.Background(), node.ID)
	if stored.Status != models.NodeStatusDisconnected {
		t.Fatalf("status = %s, want disconnected", stored.Status)
	}
	if stored.LastError == nil {
		t.Fatal("probe failure not recorded in last_error")
	}
}

func TestDeregisterWithActiveSubscriptionsConflicts(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusConnected)
	f.subs.put(&models.Subscription{ID: "s1", Status: models.SubscriptionStatusActive, NodeID: &n.ID})

	_, err := f.registry.Deregister(context.Background(), n.ID, false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, err := f.nodes.GetByID(context.Background(), n.ID); err != nil {
		t.Fatal("node deleted despite conflict")
	}
}

func TestDeregisterMigratesWhenAsked(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusConnected)
	target := f.nodes.addNode(1.0, models.NodeStatusConnected)
	f.subs.put(&models.Subscription{ID: "s1", Status: models.SubscriptionStatusActive, NodeID: &n.ID})

	ledger := NewPromoLedger(newFakePromoStore())
	selector := NewFleetSelector(f.nodes, f.subs, nil)
	manager := NewSubscriptionManager(f.subs, &fakePaymentStore{}, &fakeEventStore{}, ledger, selector, newFakePanel())
	f.registry.SetMigrator(manager)

	migrated, err := f.registry.Deregister(context.Background(), n.ID, true)
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("migrated = %d, want 1", migrated)
	}
	if _, err := f.registry.Get(context.Background(), n.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("node still present after deregistration: err = %v", err)
	}
	moved := f.subs.get("s1")
	if moved.NodeID == nil || *moved.NodeID != target.ID {
		t.Fatalf("subscription on node %v, want %d", moved.NodeID, target.ID)
	}
	if f.cache.invalidated == 0 {
		t.Fatal("eligible-node cache not invalidated after deregistration")
	}
}

// drainCheckMigrator records what the migrator observes about the leaving
// node at migration time
type drainCheckMigrator struct {
	f            *registryFixture
	statusAtMove string
	cacheFlushes int
}

func (m *drainCheckMigrator) MigrateFromNode(ctx context.Context, nodeID int64) (int, error) {
	n, err := m.f.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	m.statusAtMove = n.Status
	m.cacheFlushes = m.f.cache.invalidated

	moved := 0
	for _, s := range m.f.subs.all() {
		if s.NodeID != nil && *s.NodeID == nodeID {
			s.NodeID = nil
			m.f.subs.put(s)
			moved++
		}
	}
	return moved, nil
}

func TestDeregisterDrainsNodeBeforeMigration(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusConnected)
	f.subs.put(&models.Subscription{ID: "s1", Status: models.SubscriptionStatusActive, NodeID: &n.ID})

	mig := &drainCheckMigrator{f: f}
	f.registry.SetMigrator(mig)

	migrated, err := f.registry.Deregister(context.Background(), n.ID, true)
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("migrated = %d, want 1", migrated)
	}
	if mig.statusAtMove != models.NodeStatusDegraded {
		t.Fatalf("node status during migration = %s, want degraded so the selector skips it", mig.statusAtMove)
	}
	if mig.cacheFlushes == 0 {
		t.Fatal("eligible-node cache still warm during migration")
	}
}

// lateArrivalMigrator simulates a creation racing the drain: a new
// subscription lands on the leaving node right after the first pass
type lateArrivalMigrator struct {
	f      *registryFixture
	nodeID int64
	calls  int
}

func (m *lateArrivalMigrator) MigrateFromNode(ctx context.Context, nodeID int64) (int, error) {
	m.calls++
	moved := 0
	for _, s := range m.f.subs.all() {
		if s.NodeID != nil && *s.NodeID == nodeID {
			s.NodeID = nil
			m.f.subs.put(s)
			moved++
		}
	}
	if m.calls == 1 {
		m.f.subs.put(&models.Subscription{ID: "late", Status: models.SubscriptionStatusActive, NodeID: &m.nodeID})
	}
	return moved, nil
}

func TestDeregisterCatchesLateArrivalBeforeDelete(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusConnected)
	f.subs.put(&models.Subscription{ID: "s1", Status: models.SubscriptionStatusActive, NodeID: &n.ID})

	mig := &lateArrivalMigrator{f: f, nodeID: n.ID}
	f.registry.SetMigrator(mig)

	migrated, err := f.registry.Deregister(context.Background(), n.ID, true)
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if migrated != 2 {
		t.Fatalf("migrated = %d, want the original and the late subscription", migrated)
	}
	if mig.calls != 2 {
		t.Fatalf("migrate passes = %d, want a second pass for the late arrival", mig.calls)
	}
	if _, err := f.registry.Get(context.Background(), n.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("node still present: err = %v", err)
	}
	if late := f.subs.get("late"); late.NodeID != nil {
		t.Fatalf("late subscription still pinned to node %d", *late.NodeID)
	}
}

func TestDeregisterEmptyNode(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusConnected)

	migrated, err := f.registry.Deregister(context.Background(), n.ID, false)
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if migrated != 0 {
		t.Fatalf("migrated = %d, want 0", migrated)
	}
	if _, err := f.registry.Deregister(context.Background(), n.ID, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second deregister: err = %v, want ErrNotFound", err)
	}
}

func TestProbeAllTransitionsInvalidateCache(t *testing.T) {
	f := newRegistryFixture()
	a := f.nodes.addNode(1.0, models.NodeStatusConnected)
	b := f.nodes.addNode(1.0, models.NodeStatusConnected)

	// Still-connected nodes cause no writes and no invalidation.
	f.registry.ProbeAll(context.Background())
	if f.cache.invalidated != 0 {
		t.Fatalf("cache invalidated %d times on a steady fleet", f.cache.invalidated)
	}

	f.prober.mu.Lock()
	f.prober.down[b.ID] = true
	f.prober.mu.Unlock()

	f.registry.ProbeAll(context.Background())
	if f.cache.invalidated != 1 {
		t.Fatalf("cache invalidated %d times, want 1", f.cache.invalidated)
	}

	stored, _ := f.nodes.GetByID(context.Background(), b.ID)
	if stored.Status != models.NodeStatusDisconnected {
		t.Fatalf("node %d status = %s, want disconnected", b.ID, stored.Status)
	}
	stored, _ = f.nodes.GetByID(context.Background(), a.ID)
	if stored.Status != models.NodeStatusConnected {
		t.Fatalf("node %d status = %s, want connected", a.ID, stored.Status)
	}
}

func TestReconnectReturnsFreshState(t *testing.T) {
	f := newRegistryFixture()
	n := f.nodes.addNode(1.0, models.NodeStatusDisconnected)

	node, err := f.registry.Reconnect(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if node.Status != models.NodeStatusConnected {
		t.Fatalf("status = %s, want connected", node.Status)
	}

	if _, err := f.registry.Reconnect(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown node: err = %v, want ErrNotFound", err)
	}
}

func TestListIncludesActiveCounts(t *testing.T) {
	f := newRegistryFixture()
	a := f.nodes.addNode(2.0, models.NodeStatusConnected)
	f.nodes.addNode(1.0, models.NodeStatusDisconnected)
	f.subs.put(&models.Subscription{ID: "s1", Status: models.SubscriptionStatusActive, NodeID: &a.ID})
	f.subs.put(&models.Subscription{ID: "s2", Status: models.SubscriptionStatusPending, NodeID: &a.ID})

	nodes, err := f.registry.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("listed %d nodes, want 2", len(nodes))
	}
	if nodes[0].ActiveSubscriptions != 2 {
		t.Fatalf("node %d active subscriptions = %d, want 2", nodes[0].ID, nodes[0].ActiveSubscriptions)
	}
	if nodes[1].ActiveSubscriptions != 0 {
		t.Fatalf("node %d active subscriptions = %d, want 0", nodes[1].ID, nodes[1].ActiveSubscriptions)
	}
}

func TestTCPProberUnreachable(t *testing.T) {
	p := &TCPProber{Timeout: 200 * time.Millisecond}
	_, err := p.Probe(context.Background(), &models.Node{Address: "127.0.0.1", APIPort: 1})
	if err == nil {
		t.Fatal("probe of a closed port succeeded")
	}
}
