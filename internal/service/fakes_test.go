package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/client"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
	"github.com/wenwu/saas-platform/vpn-core/internal/repository"
)

// ---- node store ----

type fakeNodeStore struct {
	mu     sync.Mutex
	nodes  map[int64]*models.Node
	nextID int64
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: make(map[int64]*models.Node)}
}

func (f *fakeNodeStore) addNode(weight float64, status string) *models.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	n := &models.Node{
		ID:               f.nextID,
		Name:             fmt.Sprintf("node-%d", f.nextID),
		Address:          fmt.Sprintf("10.0.0.%d", f.nextID),
		Port:             443,
		APIPort:          62050,
		UsageCoefficient: weight,
		Status:           status,
		CreatedAt:        time.Now(),
	}
	f.nodes[n.ID] = n
	return n
}

func (f *fakeNodeStore) Create(ctx context.Context, n *models.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	n.ID = f.nextID
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	f.nodes[n.ID] = &cp
	return nil
}

func (f *fakeNodeStore) GetByID(ctx context.Context, id int64) (*models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodeStore) List(ctx context.Context) ([]*models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		cp := *f.nodes[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeNodeStore) UpdateHealth(ctx context.Context, id int64, status string, lastError, version *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return repository.ErrNotFound
	}
	n.Status = status
	n.LastError = lastError
	if version != nil {
		n.Version = version
	}
	return nil
}

func (f *fakeNodeStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.nodes, id)
	return nil
}

// ---- subscription store ----

type fakeSubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*models.Subscription
}

func newFakeSubscriptionStore() *fakeSubscriptionStore {
	return &fakeSubscriptionStore{subs: make(map[string]*models.Subscription)}
}

func (f *fakeSubscriptionStore) get(id string) *models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (f *fakeSubscriptionStore) put(s *models.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.subs[s.ID] = &cp
}

func (f *fakeSubscriptionStore) Create(ctx context.Context, s *models.Subscription) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	f.put(s)
	return nil
}

func (f *fakeSubscriptionStore) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	s := f.get(id)
	if s == nil {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubscriptionStore) all() []*models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeSubscriptionStore) ListPage(ctx context.Context, status, planType string, offset, limit int) ([]*models.Subscription, int, error) {
	var matched []*models.Subscription
	for _, s := range f.all() {
		if (status == "" || s.Status == status) && (planType == "" || s.PlanType == planType) {
			matched = append(matched, s)
		}
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (f *fakeSubscriptionStore) ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Subscription, error) {
	var out []*models.Subscription
	for _, s := range f.all() {
		if s.TelegramID == telegramID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriptionStore) ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.Subscription, error) {
	var out []*models.Subscription
	for _, s := range f.all() {
		if s.NodeID != nil && *s.NodeID == nodeID &&
			(s.Status == models.SubscriptionStatusActive || s.Status == models.SubscriptionStatusPending) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriptionStore) ListSweepCandidates(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	var out []*models.Subscription
	for _, s := range f.all() {
		if s.Status != models.SubscriptionStatusActive {
			continue
		}
		if (s.ExpiresAt != nil && s.ExpiresAt.Before(now)) || s.QuotaExhausted() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriptionStore) Update(ctx context.Context, s *models.Subscription) error {
	if f.get(s.ID) == nil {
		return repository.ErrNotFound
	}
	f.put(s)
	return nil
}

func (f *fakeSubscriptionStore) AddTraffic(ctx context.Context, id string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	s.TrafficUsedBytes += delta
	return s.TrafficUsedBytes, nil
}

func (f *fakeSubscriptionStore) ResetTraffic(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.TrafficUsedBytes = 0
	return nil
}

func (f *fakeSubscriptionStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeSubscriptionStore) CountActiveByNode(ctx context.Context, nodeID int64) (int, error) {
	subs, _ := f.ListActiveByNode(ctx, nodeID)
	return len(subs), nil
}

func (f *fakeSubscriptionStore) ActiveCountsByNode(ctx context.Context) (map[int64]int, error) {
	counts := make(map[int64]int)
	for _, s := range f.all() {
		if s.NodeID != nil && (s.Status == models.SubscriptionStatusActive || s.Status == models.SubscriptionStatusPending) {
			counts[*s.NodeID]++
		}
	}
	return counts, nil
}

func (f *fakeSubscriptionStore) CountByStatus(ctx context.Context, status string) (int, error) {
	count := 0
	for _, s := range f.all() {
		if s.Status == status {
			count++
		}
	}
	return count, nil
}

func (f *fakeSubscriptionStore) CountAll(ctx context.Context) (int, error) {
	return len(f.all()), nil
}

func (f *fakeSubscriptionStore) CountExpiringBefore(ctx context.Context, deadline time.Time) (int, error) {
	count := 0
	for _, s := range f.all() {
		if s.Status == models.SubscriptionStatusActive && s.ExpiresAt != nil && !s.ExpiresAt.After(deadline) {
			count++
		}
	}
	return count, nil
}

func (f *fakeSubscriptionStore) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	count := 0
	for _, s := range f.all() {
		if !s.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeSubscriptionStore) CountActiveByProtocol(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range f.all() {
		if s.Status == models.SubscriptionStatusActive {
			counts[s.Protocol]++
		}
	}
	return counts, nil
}

func (f *fakeSubscriptionStore) CountActiveByPlan(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range f.all() {
		if s.Status == models.SubscriptionStatusActive {
			counts[s.PlanType]++
		}
	}
	return counts, nil
}

func (f *fakeSubscriptionStore) CreatedPerDay(ctx context.Context, days int) ([]models.ChartDataPoint, error) {
	return nil, nil
}

// ---- promo store ----

type fakePromoStore struct {
	mu          sync.Mutex
	codes       map[string]*models.PromoCode
	activations []*models.PromoActivation
	nextID      int64
	insertLimit int // fail InsertCode after this many inserts; 0 disables
	inserts     int
}

func newFakePromoStore() *fakePromoStore {
	return &fakePromoStore{codes: make(map[string]*models.PromoCode)}
}

func (f *fakePromoStore) addCode(code string, days, trafficGB, maxActivations int, active bool) *models.PromoCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p := &models.PromoCode{
		ID:             f.nextID,
		Code:           code,
		Days:           days,
		TrafficGB:      trafficGB,
		MaxActivations: maxActivations,
		Active:         active,
		CreatedAt:      time.Now(),
	}
	f.codes[code] = p
	return p
}

func (f *fakePromoStore) InsertCode(ctx context.Context, p *models.PromoCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertLimit > 0 && f.inserts >= f.insertLimit {
		return fmt.Errorf("insert promo code: connection reset")
	}
	f.inserts++
	if _, ok := f.codes[p.Code]; ok {
		return fmt.Errorf("duplicate code %s", p.Code)
	}
	f.nextID++
	p.ID = f.nextID
	p.CreatedAt = time.Now()
	cp := *p
	f.codes[p.Code] = &cp
	return nil
}

func (f *fakePromoStore) CodeExists(ctx context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.codes[code]
	return ok, nil
}

func (f *fakePromoStore) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.codes[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ConsumeSlot mirrors the repository's conditional UPDATE: the check and the
// increment happen under one lock
func (f *fakePromoStore) ConsumeSlot(ctx context.Context, code string) (*models.PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.codes[code]
	if !ok || !p.Active || p.CurrentActivations >= p.MaxActivations {
		return nil, repository.ErrNoSlot
	}
	p.CurrentActivations++
	cp := *p
	return &cp, nil
}

func (f *fakePromoStore) ReleaseSlot(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.codes[code]
	if !ok {
		return repository.ErrNotFound
	}
	if p.CurrentActivations > 0 {
		p.CurrentActivations--
	}
	return nil
}

func (f *fakePromoStore) RecordActivation(ctx context.Context, a *models.PromoActivation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, a)
	return nil
}

func (f *fakePromoStore) RevokeBatch(ctx context.Context, batchID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revoked := 0
	for _, p := range f.codes {
		if p.BatchID != nil && *p.BatchID == batchID && p.Active {
			p.Active = false
			revoked++
		}
	}
	return revoked, nil
}

func (f *fakePromoStore) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for code, p := range f.codes {
		if p.BatchID != nil && *p.BatchID == batchID {
			delete(f.codes, code)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakePromoStore) RevokeCode(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.codes[code]
	if !ok {
		return repository.ErrNotFound
	}
	p.Active = false
	return nil
}

func (f *fakePromoStore) ListBatches(ctx context.Context) ([]*models.PromoBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byBatch := make(map[string]*models.PromoBatch)
	for _, p := range f.codes {
		if p.BatchID == nil {
			continue
		}
		b, ok := byBatch[*p.BatchID]
		if !ok {
			b = &models.PromoBatch{BatchID: *p.BatchID, CampaignName: p.CampaignName, CreatedAt: p.CreatedAt}
			byBatch[*p.BatchID] = b
		}
		b.CodesCount++
		b.TotalActivations += p.CurrentActivations
		if p.Active {
			b.ActiveCodes++
		}
	}
	out := make([]*models.PromoBatch, 0, len(byBatch))
	for _, b := range byBatch {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

func (f *fakePromoStore) ListCodes(ctx context.Context, batchID string, activeOnly bool, offset, limit int) ([]*models.PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PromoCode
	for _, p := range f.codes {
		if batchID != "" && (p.BatchID == nil || *p.BatchID != batchID) {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePromoStore) Stats(ctx context.Context) (*models.PromoStatsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.PromoStatsResponse{}
	batches := make(map[string]bool)
	for _, p := range f.codes {
		stats.TotalCodes++
		stats.TotalActivations += p.CurrentActivations
		if p.Active {
			stats.ActiveCodes++
		}
		if p.BatchID != nil {
			batches[*p.BatchID] = true
		}
	}
	stats.BatchesCount = len(batches)
	return stats, nil
}

func (f *fakePromoStore) CampaignStats(ctx context.Context, todayStart time.Time) ([]models.CampaignStats, error) {
	return nil, nil
}

// ---- payment store ----

type fakePaymentStore struct {
	mu       sync.Mutex
	payments []*models.Payment
}

func (f *fakePaymentStore) Create(ctx context.Context, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = fmt.Sprintf("payment-%d", len(f.payments)+1)
	}
	p.CreatedAt = time.Now()
	f.payments = append(f.payments, p)
	return nil
}

func (f *fakePaymentStore) ListPage(ctx context.Context, status string, offset, limit int) ([]*models.Payment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*models.Payment
	for _, p := range f.payments {
		if status == "" || p.Status == status {
			matched = append(matched, p)
		}
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (f *fakePaymentStore) ListByTelegramID(ctx context.Context, telegramID int64) ([]*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Payment
	for _, p := range f.payments {
		if p.TelegramID == telegramID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePaymentStore) RevenueByPlan(ctx context.Context) (map[string]models.PlanStats, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byPlan := make(map[string]models.PlanStats)
	for _, p := range f.payments {
		if p.Status != models.PaymentStatusCompleted {
			continue
		}
		s := byPlan[p.PlanType]
		s.Count++
		s.RevenueStars += p.Amount
		byPlan[p.PlanType] = s
	}
	return byPlan, len(f.payments), nil
}

// ---- event store ----

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.EventLog
}

func (f *fakeEventStore) LogEvent(ctx context.Context, subscriptionID, event, status, message string) error {
	return f.LogEventWithMetadata(ctx, subscriptionID, event, status, message, nil)
}

func (f *fakeEventStore) LogEventWithMetadata(ctx context.Context, subscriptionID, event, status, message string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, &models.EventLog{
		SubscriptionID: subscriptionID,
		Event:          event,
		Status:         status,
		Message:        message,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (f *fakeEventStore) GetBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]*models.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventLog
	for _, e := range f.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventStore) names(subscriptionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e.Event)
		}
	}
	return out
}

// ---- panel ----

type fakePanel struct {
	mu          sync.Mutex
	failCreate  bool
	failModify  bool
	onCreate    func(ctx context.Context)
	users       map[string]*client.PanelUser
	createCalls int
	modifyCalls int
	removeCalls int
	resetCalls  int
}

func newFakePanel() *fakePanel {
	return &fakePanel{users: make(map[string]*client.PanelUser)}
}

func (f *fakePanel) CreateUser(ctx context.Context, req *client.CreateUserRequest) (*client.PanelUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.onCreate != nil {
		f.onCreate(ctx)
	}
	if f.failCreate {
		return nil, fmt.Errorf("panel returned status 500")
	}
	u := &client.PanelUser{
		Username:        req.Username,
		Status:          "active",
		DataLimit:       req.DataLimit,
		Expire:          req.Expire,
		SubscriptionURL: "https://panel.example.com/sub/" + req.Username,
	}
	f.users[req.Username] = u
	cp := *u
	return &cp, nil
}

func (f *fakePanel) ModifyUser(ctx context.Context, username string, req *client.ModifyUserRequest) (*client.PanelUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifyCalls++
	if f.failModify {
		return nil, fmt.Errorf("panel returned status 500")
	}
	u, ok := f.users[username]
	if !ok {
		u = &client.PanelUser{Username: username}
		f.users[username] = u
	}
	if req.Status != "" {
		u.Status = req.Status
	}
	if req.Expire != nil {
		u.Expire = *req.Expire
	}
	if req.DataLimit != nil {
		u.DataLimit = *req.DataLimit
	}
	cp := *u
	return &cp, nil
}

func (f *fakePanel) RemoveUser(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	delete(f.users, username)
	return nil
}

func (f *fakePanel) ResetUserUsage(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

func (f *fakePanel) status(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return ""
	}
	return u.Status
}

// ---- prober ----

type fakeProber struct {
	mu   sync.Mutex
	down map[int64]bool
}

func (f *fakeProber) Probe(ctx context.Context, n *models.Node) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID] {
		return "", fmt.Errorf("dial %s: connection refused", n.Address)
	}
	return "1.8.0", nil
}

// ---- eligible cache ----

type fakeCache struct {
	mu          sync.Mutex
	ids         []int64
	set         bool
	invalidated int
}

func (f *fakeCache) GetEligible(ctx context.Context) ([]int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return nil, false
	}
	return append([]int64(nil), f.ids...), true
}

func (f *fakeCache) SetEligible(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append([]int64(nil), ids...)
	f.set = true
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = nil
	f.set = false
	f.invalidated++
	return nil
}
