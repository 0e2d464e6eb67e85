package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

func TestGenerateBatchUniqueCodes(t *testing.T) {
	store := newFakePromoStore()
	ledger := NewPromoLedger(store)

	resp, err := ledger.GenerateBatch(context.Background(), &models.PromoGenerateRequest{
		Prefix:         "summer",
		Count:          50,
		Days:           14,
		TrafficGB:      10,
		MaxActivations: 3,
		CampaignName:   "Summer flyers",
	})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if resp.Count != 50 || len(resp.Codes) != 50 {
		t.Fatalf("generated %d codes, want 50", len(resp.Codes))
	}
	if len(resp.BatchID) != 8 {
		t.Fatalf("batch id %q, want 8 characters", resp.BatchID)
	}

	seen := make(map[string]bool)
	for _, code := range resp.Codes {
		if !strings.HasPrefix(code, "SUMMER_") {
			t.Fatalf("code %q missing upper-cased prefix", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true

		p, err := store.GetByCode(context.Background(), code)
		if err != nil {
			t.Fatalf("GetByCode(%s): %v", code, err)
		}
		if p.Days != 14 || p.TrafficGB != 10 || p.MaxActivations != 3 || !p.Active {
			t.Fatalf("code %s stored with wrong grant: %+v", code, p)
		}
		if p.BatchID == nil || *p.BatchID != resp.BatchID {
			t.Fatalf("code %s not linked to batch %s", code, resp.BatchID)
		}
	}
}

func TestGenerateBatchUnwindsOnPartialFailure(t *testing.T) {
	store := newFakePromoStore()
	store.insertLimit = 3
	ledger := NewPromoLedger(store)

	_, err := ledger.GenerateBatch(context.Background(), &models.PromoGenerateRequest{
		Prefix: "flaky",
		Count:  10,
		Days:   7,
	})
	if err == nil {
		t.Fatal("expected an error when inserts fail mid-batch")
	}

	codes, err := store.ListCodes(context.Background(), "", false, 0, 100)
	if err != nil {
		t.Fatalf("ListCodes: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("%d codes left behind from a failed batch, want none", len(codes))
	}
}

func TestRedeemGrantAndAccounting(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("WELCOME_AAA", 7, 5, 10, true)
	ledger := NewPromoLedger(store)

	grant, err := ledger.Redeem(context.Background(), "  welcome_aaa ", 42, nil)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if grant.Days != 7 || grant.TrafficGB != 5 {
		t.Fatalf("grant = %+v, want 7 days / 5 GB", grant)
	}

	p, _ := store.GetByCode(context.Background(), "WELCOME_AAA")
	if p.CurrentActivations != 1 {
		t.Fatalf("current activations = %d, want 1", p.CurrentActivations)
	}
	if len(store.activations) != 1 || store.activations[0].TelegramID != 42 {
		t.Fatalf("activation audit row missing or wrong: %+v", store.activations)
	}
}

func TestRedeemClassifiesFailures(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("DEAD_AAA", 7, 0, 5, false)
	spent := store.addCode("SPENT_AAA", 7, 0, 1, true)
	spent.CurrentActivations = 1

	ledger := NewPromoLedger(store)

	if _, err := ledger.Redeem(context.Background(), "NOPE_AAA", 1, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code: err = %v, want ErrNotFound", err)
	}
	if _, err := ledger.Redeem(context.Background(), "DEAD_AAA", 1, nil); !errors.Is(err, ErrInactive) {
		t.Fatalf("revoked code: err = %v, want ErrInactive", err)
	}
	if _, err := ledger.Redeem(context.Background(), "SPENT_AAA", 1, nil); !errors.Is(err, ErrActivationLimitReached) {
		t.Fatalf("spent code: err = %v, want ErrActivationLimitReached", err)
	}
}

func TestRedeemConcurrentNeverOvershoots(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("RACE_AAA", 30, 0, 5, true)
	ledger := NewPromoLedger(store)

	const racers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, limitHits := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := ledger.Redeem(context.Background(), "RACE_AAA", id, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrActivationLimitReached):
				limitHits++
			default:
				t.Errorf("unexpected redemption error: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	if successes != 5 {
		t.Fatalf("successes = %d, want exactly 5", successes)
	}
	if limitHits != racers-5 {
		t.Fatalf("limit hits = %d, want %d", limitHits, racers-5)
	}
	p, _ := store.GetByCode(context.Background(), "RACE_AAA")
	if p.CurrentActivations != 5 {
		t.Fatalf("current activations = %d, want 5", p.CurrentActivations)
	}
}

func TestRedeemSingleSlotExactlyOneWinner(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("GOLDEN_AAA", 30, 0, 1, true)
	ledger := NewPromoLedger(store)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := ledger.Redeem(context.Background(), "GOLDEN_AAA", id, nil)
			results <- err
		}(int64(i))
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrActivationLimitReached) {
			t.Fatalf("unexpected redemption error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}

func TestReleaseActivationReopensSlot(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("ONE_AAA", 7, 0, 1, true)
	ledger := NewPromoLedger(store)

	if _, err := ledger.Redeem(context.Background(), "ONE_AAA", 1, nil); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := ledger.Redeem(context.Background(), "ONE_AAA", 2, nil); !errors.Is(err, ErrActivationLimitReached) {
		t.Fatalf("second redeem: err = %v, want ErrActivationLimitReached", err)
	}

	if err := ledger.ReleaseActivation(context.Background(), "ONE_AAA"); err != nil {
		t.Fatalf("ReleaseActivation: %v", err)
	}
	if _, err := ledger.Redeem(context.Background(), "ONE_AAA", 3, nil); err != nil {
		t.Fatalf("redeem after release: %v", err)
	}
}

func TestRevokeBatchStopsRedemption(t *testing.T) {
	store := newFakePromoStore()
	ledger := NewPromoLedger(store)

	resp, err := ledger.GenerateBatch(context.Background(), &models.PromoGenerateRequest{
		Prefix: "gone", Count: 3, Days: 7, MaxActivations: 1,
	})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}

	revoked, err := ledger.RevokeBatch(context.Background(), resp.BatchID)
	if err != nil {
		t.Fatalf("RevokeBatch: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("revoked = %d, want 3", revoked)
	}

	if _, err := ledger.Redeem(context.Background(), resp.Codes[0], 1, nil); !errors.Is(err, ErrInactive) {
		t.Fatalf("redeem of revoked code: err = %v, want ErrInactive", err)
	}

	// Revoking again finds nothing active.
	if _, err := ledger.RevokeBatch(context.Background(), resp.BatchID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second revoke: err = %v, want ErrNotFound", err)
	}
}

func TestRevokeCode(t *testing.T) {
	store := newFakePromoStore()
	store.addCode("SOLO_AAA", 7, 0, 1, true)
	ledger := NewPromoLedger(store)

	if err := ledger.RevokeCode(context.Background(), "solo_aaa"); err != nil {
		t.Fatalf("RevokeCode: %v", err)
	}
	if _, err := ledger.Redeem(context.Background(), "SOLO_AAA", 1, nil); !errors.Is(err, ErrInactive) {
		t.Fatalf("redeem of revoked code: err = %v, want ErrInactive", err)
	}
	if err := ledger.RevokeCode(context.Background(), "MISSING_AAA"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoke of unknown code: err = %v, want ErrNotFound", err)
	}
}
