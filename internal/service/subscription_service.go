package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/vpn-core/internal/client"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
	"github.com/wenwu/saas-platform/vpn-core/internal/repository"
)

// SubscriptionManager owns the subscription state machine. Every mutating
// transition on one subscription id runs inside that id's critical section,
// so a usage report crossing quota can never race an operator extend.
type SubscriptionManager struct {
	subs     SubscriptionStore
	payments PaymentStore
	events   EventStore
	promos   *PromoLedger
	selector *FleetSelector
	panel    Panel
	locks    *KeyLock

	nowFn func() time.Time
}

// NewSubscriptionManager creates a subscription manager
func NewSubscriptionManager(subs SubscriptionStore, payments PaymentStore, events EventStore, promos *PromoLedger, selector *FleetSelector, panel Panel) *SubscriptionManager {
	return &SubscriptionManager{
		subs:     subs,
		payments: payments,
		events:   events,
		promos:   promos,
		selector: selector,
		panel:    panel,
		locks:    NewKeyLock(),
		nowFn:    time.Now,
	}
}

func (m *SubscriptionManager) lock(id string) func() {
	key := "sub:" + id
	m.locks.Lock(key)
	return func() { m.locks.Unlock(key) }
}

// Create provisions a new subscription. When a promo code is supplied it is
// redeemed first and its grant stacks on top of the paid plan; a provisioning
// failure unwinds everything, including the consumed promo slot.
func (m *SubscriptionManager) Create(ctx context.Context, req *models.CreateSubscriptionRequest) (*models.SubscriptionResponse, error) {
	protocol := req.Protocol
	if protocol == "" {
		protocol = models.ProtocolVless
	}
	if protocol != models.ProtocolVless && protocol != models.ProtocolShadowsocks {
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	planType := req.PlanType
	days := 0
	trafficGB := 0
	unlimited := false

	if planType != "" {
		plan, ok := models.Plans[planType]
		if !ok {
			return nil, fmt.Errorf("%w: unknown plan type %q", ErrNotFound, planType)
		}
		days = plan.Days
		trafficGB = plan.TrafficGB
		unlimited = plan.TrafficGB == 0
	}

	username := fmt.Sprintf("tg%d_%s", req.TelegramID, strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]))

	promoCode := strings.ToUpper(strings.TrimSpace(req.PromoCode))
	if promoCode != "" {
		grant, err := m.promos.Redeem(ctx, promoCode, req.TelegramID, &username)
		if err != nil {
			return nil, err
		}
		days += grant.Days
		trafficGB += grant.TrafficGB
		unlimited = unlimited || grant.TrafficGB == 0
		if planType == "" {
			planType = models.PlanPromo
		}
	}

	if planType == "" {
		return nil, fmt.Errorf("plan_type or promo_code is required")
	}
	if unlimited {
		trafficGB = 0
	}

	node, err := m.selector.Select(ctx, nil)
	if err != nil {
		m.releasePromo(ctx, promoCode)
		return nil, err
	}

	now := m.nowFn().UTC()
	sub := &models.Subscription{
		ID:              uuid.NewString(),
		TelegramID:      req.TelegramID,
		PlanType:        planType,
		Protocol:        protocol,
		Status:          models.SubscriptionStatusPending,
		MarzbanUsername: username,
		NodeID:          &node.ID,
		TrafficLimitGB:  trafficGB,
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		m.releasePromo(ctx, promoCode)
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	expiresAt := now.AddDate(0, 0, days)
	panelUser, err := m.panel.CreateUser(ctx, &client.CreateUserRequest{
		Username:  username,
		Protocols: []string{protocol},
		DataLimit: int64(trafficGB) * models.GB,
		Expire:    expiresAt.Unix(),
	})
	if err != nil {
		m.unwindCreate(ctx, sub, promoCode, err)
		return nil, fmt.Errorf("%w: provision panel account: %v", ErrUpstreamFailure, err)
	}

	sub.Status = models.SubscriptionStatusActive
	sub.StartedAt = &now
	sub.ExpiresAt = &expiresAt
	if panelUser.SubscriptionURL != "" {
		sub.SubscriptionURL = &panelUser.SubscriptionURL
	}
	if err := m.subs.Update(ctx, sub); err != nil {
		m.unwindCreate(ctx, sub, promoCode, err)
		return nil, fmt.Errorf("activate subscription: %w", err)
	}

	m.recordPayment(ctx, sub, req)
	m.logEvent(ctx, sub.ID, models.EventActivated, "ok",
		fmt.Sprintf("plan %s, %d days, %d GB, node %d", planType, days, trafficGB, node.ID))

	log.Printf("[SubscriptionManager] Subscription %s activated for %d (plan: %s, node: %d)", sub.ID, sub.TelegramID, planType, node.ID)

	resp := models.SubscriptionToResponse(sub, now)
	return &resp, nil
}

// unwindTimeout bounds a creation rollback once it runs detached from the
// triggering request
const unwindTimeout = 30 * time.Second

// unwindCreate deletes a half-created subscription and returns the promo
// slot, leaving no pending record behind. The rollback runs on a detached
// context: the triggering request may already be canceled, and an aborted
// rollback would strand the record in pending where no sweep can reach it.
func (m *SubscriptionManager) unwindCreate(ctx context.Context, sub *models.Subscription, promoCode string, cause error) {
	log.Printf("[SubscriptionManager] Unwinding subscription %s: %v", sub.ID, cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
	defer cancel()

	if err := m.panel.RemoveUser(ctx, sub.MarzbanUsername); err != nil {
		log.Printf("[SubscriptionManager] Unwind: failed to remove panel user %s: %v", sub.MarzbanUsername, err)
	}
	if err := m.subs.Delete(ctx, sub.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Printf("[SubscriptionManager] Unwind: failed to delete subscription %s: %v", sub.ID, err)
	}
	m.releasePromo(ctx, promoCode)

	m.logEvent(ctx, sub.ID, models.EventCreateFailed, "error", cause.Error())
}

// releasePromo returns a consumed slot during rollback; the triggering
// context may already be canceled
func (m *SubscriptionManager) releasePromo(ctx context.Context, promoCode string) {
	if promoCode == "" {
		return
	}
	if err := m.promos.ReleaseActivation(context.WithoutCancel(ctx), promoCode); err != nil {
		log.Printf("[SubscriptionManager] Failed to release promo slot %s: %v", promoCode, err)
	}
}

func (m *SubscriptionManager) recordPayment(ctx context.Context, sub *models.Subscription, req *models.CreateSubscriptionRequest) {
	if req.PaymentSystem == "" && req.PaymentAmount == 0 {
		return
	}

	system := req.PaymentSystem
	if system == "" {
		system = models.PaymentSystemTelegramStars
	}
	var externalID *string
	if req.ExternalPaymentID != "" {
		externalID = &req.ExternalPaymentID
	}

	now := m.nowFn().UTC()
	payment := &models.Payment{
		SubscriptionID:    &sub.ID,
		TelegramID:        sub.TelegramID,
		Amount:            req.PaymentAmount,
		Currency:          "XTR",
		PaymentSystem:     system,
		ExternalPaymentID: externalID,
		PlanType:          sub.PlanType,
		Status:            models.PaymentStatusCompleted,
		CompletedAt:       &now,
	}
	if err := m.payments.Create(ctx, payment); err != nil {
		log.Printf("[SubscriptionManager] Failed to record payment for %s: %v", sub.ID, err)
	}
}

// Get returns one subscription
func (m *SubscriptionManager) Get(ctx context.Context, id string) (*models.SubscriptionResponse, error) {
	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := models.SubscriptionToResponse(sub, m.nowFn().UTC())
	return &resp, nil
}

// List returns a page of subscriptions, optionally filtered by status and
// plan type
func (m *SubscriptionManager) List(ctx context.Context, status, planType string, page, limit int) (*models.SubscriptionListResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	subs, total, err := m.subs.ListPage(ctx, status, planType, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	now := m.nowFn().UTC()
	out := make([]models.SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, models.SubscriptionToResponse(s, now))
	}
	return &models.SubscriptionListResponse{Data: out, Total: total}, nil
}

// Extend pushes the expiry forward by days: new expiry = max(now, current
// expiry) + days. An expired subscription is re-activated; a cancelled one
// fails with ErrInvalidState.
func (m *SubscriptionManager) Extend(ctx context.Context, id string, days int) (*models.SubscriptionResponse, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive")
	}

	defer m.lock(id)()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusExpired:
	default:
		return nil, fmt.Errorf("%w: cannot extend %s subscription", ErrInvalidState, sub.Status)
	}

	now := m.nowFn().UTC()
	base := now
	if sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
		base = sub.ExpiresAt.UTC()
	}
	newExpiry := base.AddDate(0, 0, days)
	reactivated := sub.Status == models.SubscriptionStatusExpired

	expireUnix := newExpiry.Unix()
	if _, err := m.panel.ModifyUser(ctx, sub.MarzbanUsername, &client.ModifyUserRequest{
		Expire: &expireUnix,
		Status: "active",
	}); err != nil {
		return nil, fmt.Errorf("%w: extend panel account: %v", ErrUpstreamFailure, err)
	}

	sub.ExpiresAt = &newExpiry
	sub.Status = models.SubscriptionStatusActive
	if err := m.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("+%d days, new expiry %s", days, newExpiry.Format(time.RFC3339))
	if reactivated {
		msg += " (re-activated)"
	}
	m.logEvent(ctx, sub.ID, models.EventExtended, "ok", msg)
	log.Printf("[SubscriptionManager] Subscription %s extended by %d days", sub.ID, days)

	resp := models.SubscriptionToResponse(sub, now)
	return &resp, nil
}

// Disable cancels a pending or active subscription and revokes panel access.
// Disabling an already cancelled subscription is a no-op success.
func (m *SubscriptionManager) Disable(ctx context.Context, id string) (*models.SubscriptionResponse, error) {
	defer m.lock(id)()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := m.nowFn().UTC()
	switch sub.Status {
	case models.SubscriptionStatusCancelled:
		resp := models.SubscriptionToResponse(sub, now)
		return &resp, nil
	case models.SubscriptionStatusActive, models.SubscriptionStatusPending:
	default:
		return nil, fmt.Errorf("%w: cannot disable %s subscription", ErrInvalidState, sub.Status)
	}

	if _, err := m.panel.ModifyUser(ctx, sub.MarzbanUsername, &client.ModifyUserRequest{Status: "disabled"}); err != nil {
		return nil, fmt.Errorf("%w: revoke panel access: %v", ErrUpstreamFailure, err)
	}

	sub.Status = models.SubscriptionStatusCancelled
	if err := m.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	m.logEvent(ctx, sub.ID, models.EventDisabled, "ok", "disabled by operator")
	log.Printf("[SubscriptionManager] Subscription %s cancelled", sub.ID)

	resp := models.SubscriptionToResponse(sub, now)
	return &resp, nil
}

// ReportUsage applies a traffic delta from the data plane and returns the
// updated snapshot. Reaching the allowance transitions the subscription to
// expired on this report.
func (m *SubscriptionManager) ReportUsage(ctx context.Context, subscriptionID string, bytesDelta int64) (*models.UsageSnapshot, error) {
	if bytesDelta < 0 {
		return nil, fmt.Errorf("bytes_delta must be non-negative, corrections go through usage reset")
	}

	defer m.lock(subscriptionID)()

	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil, fmt.Errorf("%w: subscription is %s", ErrInvalidState, sub.Status)
	}

	total, err := m.subs.AddTraffic(ctx, subscriptionID, bytesDelta)
	if err != nil {
		return nil, err
	}
	sub.TrafficUsedBytes = total

	if sub.QuotaExhausted() {
		if err := m.expireLocked(ctx, sub, "traffic allowance exhausted"); err != nil {
			log.Printf("[SubscriptionManager] Failed to expire %s on quota: %v", sub.ID, err)
		}
	}

	return &models.UsageSnapshot{
		SubscriptionID: sub.ID,
		TrafficLimitGB: sub.TrafficLimitGB,
		TrafficUsedGB:  float64(sub.TrafficUsedBytes) / float64(models.GB),
		TrafficPercent: sub.TrafficPercent(),
		Exhausted:      sub.QuotaExhausted(),
	}, nil
}

// ResetUsage zeroes the traffic counter, on both sides of the panel boundary
func (m *SubscriptionManager) ResetUsage(ctx context.Context, subscriptionID string) error {
	defer m.lock(subscriptionID)()

	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := m.subs.ResetTraffic(ctx, subscriptionID); err != nil {
		return err
	}
	if err := m.panel.ResetUserUsage(ctx, sub.MarzbanUsername); err != nil {
		return fmt.Errorf("%w: reset panel usage: %v", ErrUpstreamFailure, err)
	}

	m.logEvent(ctx, subscriptionID, models.EventQuotaReset, "ok", "traffic counter reset by operator")
	return nil
}

// expireLocked transitions an active subscription to expired. Caller holds
// the subscription's lock.
func (m *SubscriptionManager) expireLocked(ctx context.Context, sub *models.Subscription, reason string) error {
	sub.Status = models.SubscriptionStatusExpired
	if err := m.subs.Update(ctx, sub); err != nil {
		return err
	}
	if _, err := m.panel.ModifyUser(ctx, sub.MarzbanUsername, &client.ModifyUserRequest{Status: "disabled"}); err != nil {
		log.Printf("[SubscriptionManager] Failed to disable panel user %s: %v", sub.MarzbanUsername, err)
	}
	m.logEvent(ctx, sub.ID, models.EventExpired, "ok", reason)
	log.Printf("[SubscriptionManager] Subscription %s expired: %s", sub.ID, reason)
	return nil
}

// SweepExpirations expires every active subscription past its expiry time or
// traffic allowance. One bad record never stops the sweep; the number of
// expired subscriptions is returned.
func (m *SubscriptionManager) SweepExpirations(ctx context.Context) (int, error) {
	now := m.nowFn().UTC()
	candidates, err := m.subs.ListSweepCandidates(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		if err := m.sweepOne(ctx, candidate.ID, now); err != nil {
			log.Printf("[SubscriptionManager] Sweep: subscription %s failed: %v", candidate.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// sweepOne re-checks one candidate inside its critical section; a transition
// that happened between listing and locking makes it a no-op
func (m *SubscriptionManager) sweepOne(ctx context.Context, id string, now time.Time) error {
	defer m.lock(id)()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil
	}

	timedOut := sub.ExpiresAt != nil && now.After(*sub.ExpiresAt)
	if !timedOut && !sub.QuotaExhausted() {
		return nil
	}

	reason := "traffic allowance exhausted"
	if timedOut {
		reason = "subscription period ended"
	}
	return m.expireLocked(ctx, sub, reason)
}

// MigrateFromNode moves every active subscription off a node onto the rest
// of the fleet. Fails with ErrNoCapacity when no other eligible node exists,
// leaving already-migrated subscriptions on their new nodes.
func (m *SubscriptionManager) MigrateFromNode(ctx context.Context, nodeID int64) (int, error) {
	subs, err := m.subs.ListActiveByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	exclude := map[int64]bool{nodeID: true}
	migrated := 0
	for _, s := range subs {
		if err := m.migrateOne(ctx, s.ID, exclude); err != nil {
			return migrated, err
		}
		migrated++
	}

	if migrated > 0 {
		log.Printf("[SubscriptionManager] Migrated %d subscriptions off node %d", migrated, nodeID)
	}
	return migrated, nil
}

func (m *SubscriptionManager) migrateOne(ctx context.Context, id string, exclude map[int64]bool) error {
	defer m.lock(id)()

	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusActive || sub.NodeID == nil || !exclude[*sub.NodeID] {
		return nil
	}

	target, err := m.selector.Select(ctx, exclude)
	if err != nil {
		return err
	}

	from := *sub.NodeID
	sub.NodeID = &target.ID
	if err := m.subs.Update(ctx, sub); err != nil {
		return err
	}

	m.logEventMeta(ctx, sub.ID, models.EventMigrated, "ok",
		fmt.Sprintf("moved from node %d to node %d", from, target.ID),
		map[string]interface{}{"from_node_id": from, "to_node_id": target.ID})
	return nil
}

// UserProfile aggregates everything the console shows for one account
func (m *SubscriptionManager) UserProfile(ctx context.Context, telegramID int64) (*models.VPNUserProfileResponse, error) {
	subs, err := m.subs.ListByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}

	payments, err := m.payments.ListByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	now := m.nowFn().UTC()
	profile := &models.VPNUserProfileResponse{
		TelegramID:         telegramID,
		TotalSubscriptions: len(subs),
		TotalPayments:      len(payments),
		Subscriptions:      make([]models.SubscriptionResponse, 0, len(subs)),
		Payments:           make([]models.PaymentResponse, 0, len(payments)),
	}

	for _, s := range subs {
		resp := models.SubscriptionToResponse(s, now)
		profile.Subscriptions = append(profile.Subscriptions, resp)
		if s.Status == models.SubscriptionStatusActive && profile.ActiveSubscription == nil {
			active := resp
			profile.ActiveSubscription = &active
			profile.HasActiveSubscription = true
		}
	}
	for _, p := range payments {
		profile.Payments = append(profile.Payments, models.PaymentToResponse(p))
		if p.Status == models.PaymentStatusCompleted {
			profile.TotalSpentStars += p.Amount
		}
	}
	return profile, nil
}

// ListPayments returns a page of payment records
func (m *SubscriptionManager) ListPayments(ctx context.Context, status string, page, limit int) (*models.PaymentListResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	payments, total, err := m.payments.ListPage(ctx, status, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	out := make([]models.PaymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, models.PaymentToResponse(p))
	}
	return &models.PaymentListResponse{Data: out, Total: total}, nil
}

// VPNStats returns the subscription-side dashboard block
func (m *SubscriptionManager) VPNStats(ctx context.Context) (*models.VPNStatsResponse, error) {
	now := m.nowFn().UTC()

	active, err := m.subs.CountByStatus(ctx, models.SubscriptionStatusActive)
	if err != nil {
		return nil, err
	}
	total, err := m.subs.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	expiring, err := m.subs.CountExpiringBefore(ctx, now.AddDate(0, 0, 3))
	if err != nil {
		return nil, err
	}
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	newToday, err := m.subs.CountCreatedSince(ctx, todayStart)
	if err != nil {
		return nil, err
	}
	byProtocol, err := m.subs.CountActiveByProtocol(ctx)
	if err != nil {
		return nil, err
	}
	byPlan, totalPayments, err := m.payments.RevenueByPlan(ctx)
	if err != nil {
		return nil, err
	}

	var revenue int64
	for _, p := range byPlan {
		revenue += p.RevenueStars
	}

	return &models.VPNStatsResponse{
		ActiveSubscriptions: active,
		TotalSubscriptions:  total,
		ExpiringSoon:        expiring,
		NewToday:            newToday,
		TotalRevenueStars:   revenue,
		TotalPayments:       totalPayments,
		ByPlan:              byPlan,
		ByProtocol:          byProtocol,
	}, nil
}

// ActiveCountOnNode returns how many active subscriptions a node holds
func (m *SubscriptionManager) ActiveCountOnNode(ctx context.Context, nodeID int64) (int, error) {
	return m.subs.CountActiveByNode(ctx, nodeID)
}

// Events returns the lifecycle log of one subscription
func (m *SubscriptionManager) Events(ctx context.Context, subscriptionID string, limit int) ([]*models.EventLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.events.GetBySubscriptionID(ctx, subscriptionID, limit)
}

func (m *SubscriptionManager) logEvent(ctx context.Context, subscriptionID, event, status, message string) {
	if err := m.events.LogEvent(ctx, subscriptionID, event, status, message); err != nil {
		log.Printf("[SubscriptionManager] Failed to log %s for %s: %v", event, subscriptionID, err)
	}
}

func (m *SubscriptionManager) logEventMeta(ctx context.Context, subscriptionID, event, status, message string, metadata map[string]interface{}) {
	if err := m.events.LogEventWithMetadata(ctx, subscriptionID, event, status, message, metadata); err != nil {
		log.Printf("[SubscriptionManager] Failed to log %s for %s: %v", event, subscriptionID, err)
	}
}
