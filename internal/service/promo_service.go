package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
	"github.com/wenwu/saas-platform/vpn-core/internal/repository"
)

// codeAttempts bounds collision retries per generated code
const codeAttempts = 3

// PromoLedger issues code batches and redeems activation slots. Redemption
// serializes per code so the activation counter never overshoots its limit
// under concurrent redeemers.
type PromoLedger struct {
	promos PromoStore
	locks  *KeyLock
}

// NewPromoLedger creates a promo ledger
func NewPromoLedger(promos PromoStore) *PromoLedger {
	return &PromoLedger{
		promos: promos,
		locks:  NewKeyLock(),
	}
}

// GenerateBatch creates count unique codes sharing the batch's grant
// parameters. Codes look like PREFIX_A1B2C3; generation retries collisions
// a bounded number of times and fails with ErrConflict when the code space
// under the prefix is too crowded.
func (l *PromoLedger) GenerateBatch(ctx context.Context, req *models.PromoGenerateRequest) (*models.PromoGenerateResponse, error) {
	batchID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	prefix := strings.ToUpper(strings.TrimSpace(req.Prefix))

	maxActivations := req.MaxActivations
	if maxActivations <= 0 {
		maxActivations = 1
	}

	var campaign *string
	if req.CampaignName != "" {
		campaign = &req.CampaignName
	}

	codes := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		code, err := l.newUniqueCode(ctx, prefix)
		if err != nil {
			l.unwindBatch(ctx, batchID, len(codes))
			return nil, err
		}

		promo := &models.PromoCode{
			Code:           code,
			BatchID:        &batchID,
			CampaignName:   campaign,
			Days:           req.Days,
			TrafficGB:      req.TrafficGB,
			MaxActivations: maxActivations,
			Active:         true,
		}
		if err := l.promos.InsertCode(ctx, promo); err != nil {
			l.unwindBatch(ctx, batchID, len(codes))
			return nil, fmt.Errorf("insert code %s: %w", code, err)
		}
		codes = append(codes, code)
	}

	log.Printf("[PromoLedger] Generated batch %s: %d codes (prefix: %s, days: %d)", batchID, len(codes), prefix, req.Days)

	return &models.PromoGenerateResponse{
		BatchID:      batchID,
		Codes:        codes,
		Count:        len(codes),
		CampaignName: req.CampaignName,
	}, nil
}

// unwindBatch deletes the codes already inserted when a generation run
// fails partway. A caller that never saw the batch id must not be left
// with redeemable codes under it.
func (l *PromoLedger) unwindBatch(ctx context.Context, batchID string, inserted int) {
	if inserted == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
	defer cancel()

	deleted, err := l.promos.DeleteBatch(ctx, batchID)
	if err != nil {
		log.Printf("[PromoLedger] Failed to unwind batch %s (%d codes stranded): %v", batchID, inserted, err)
		return
	}
	log.Printf("[PromoLedger] Unwound batch %s: %d codes deleted", batchID, deleted)
}

// newUniqueCode draws random codes under the prefix until one is unused
func (l *PromoLedger) newUniqueCode(ctx context.Context, prefix string) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		raw := make([]byte, 3)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		code := prefix + "_" + strings.ToUpper(hex.EncodeToString(raw))

		exists, err := l.promos.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: code space under prefix %s exhausted after %d attempts", ErrConflict, prefix, codeAttempts)
}

// Redeem consumes one activation slot of a code and returns its grant.
// Fails with ErrNotFound, ErrInactive or ErrActivationLimitReached.
func (l *PromoLedger) Redeem(ctx context.Context, code string, telegramID int64, marzbanUsername *string) (*models.PromoGrant, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	l.locks.Lock("promo:" + code)
	defer l.locks.Unlock("promo:" + code)

	promo, err := l.promos.ConsumeSlot(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNoSlot) {
			return nil, l.classifyNoSlot(ctx, code)
		}
		return nil, err
	}

	if err := l.promos.RecordActivation(ctx, &models.PromoActivation{
		PromoCodeID:     promo.ID,
		TelegramID:      telegramID,
		MarzbanUsername: marzbanUsername,
		ActivatedAt:     time.Now().UTC(),
	}); err != nil {
		// The slot is consumed; a lost audit row must not fail the grant.
		log.Printf("[PromoLedger] Failed to record activation of %s: %v", code, err)
	}

	log.Printf("[PromoLedger] Code %s redeemed by %d (%d/%d activations)", code, telegramID, promo.CurrentActivations, promo.MaxActivations)

	return &models.PromoGrant{Days: promo.Days, TrafficGB: promo.TrafficGB}, nil
}

// classifyNoSlot maps a failed slot acquisition to the precise cause
func (l *PromoLedger) classifyNoSlot(ctx context.Context, code string) error {
	promo, err := l.promos.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !promo.Active {
		return ErrInactive
	}
	return ErrActivationLimitReached
}

// ReleaseActivation returns a consumed slot, used when subscription creation
// unwinds after a successful redemption
func (l *PromoLedger) ReleaseActivation(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	l.locks.Lock("promo:" + code)
	defer l.locks.Unlock("promo:" + code)

	if err := l.promos.ReleaseSlot(ctx, code); err != nil {
		return err
	}
	log.Printf("[PromoLedger] Released activation slot of %s", code)
	return nil
}

// RevokeBatch deactivates every code in a batch and returns how many were
// still active. Grants already redeemed stay granted.
func (l *PromoLedger) RevokeBatch(ctx context.Context, batchID string) (int, error) {
	revoked, err := l.promos.RevokeBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if revoked == 0 {
		return 0, ErrNotFound
	}
	log.Printf("[PromoLedger] Batch %s revoked: %d codes deactivated", batchID, revoked)
	return revoked, nil
}

// RevokeCode deactivates a single code
func (l *PromoLedger) RevokeCode(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := l.promos.RevokeCode(ctx, code); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	log.Printf("[PromoLedger] Code %s revoked", code)
	return nil
}

// ListBatches returns all batches with aggregate activation stats
func (l *PromoLedger) ListBatches(ctx context.Context) ([]*models.PromoBatch, error) {
	return l.promos.ListBatches(ctx)
}

// ListCodes returns codes, optionally filtered to one batch or to active
// codes only
func (l *PromoLedger) ListCodes(ctx context.Context, batchID string, activeOnly bool, offset, limit int) ([]*models.PromoCode, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.promos.ListCodes(ctx, batchID, activeOnly, offset, limit)
}

// Stats returns ledger-wide counters
func (l *PromoLedger) Stats(ctx context.Context) (*models.PromoStatsResponse, error) {
	return l.promos.Stats(ctx)
}

// FlyerStats returns per-campaign redemption stats for printed-flyer
// campaigns
func (l *PromoLedger) FlyerStats(ctx context.Context) (*models.FlyerStatsResponse, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	campaigns, err := l.promos.CampaignStats(ctx, todayStart)
	if err != nil {
		return nil, err
	}

	resp := &models.FlyerStatsResponse{Campaigns: campaigns}
	for _, c := range campaigns {
		resp.TotalActivations += c.ActivationsTotal
		resp.ActivationsToday += c.ActivationsToday
	}
	return resp, nil
}
