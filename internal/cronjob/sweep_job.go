package cronjob

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/service"
)

// SweepJob expires active subscriptions past their time or traffic limits
type SweepJob struct {
	manager *service.SubscriptionManager
	running int32
}

// NewSweepJob creates a sweep job
func NewSweepJob(manager *service.SubscriptionManager) *SweepJob {
	return &SweepJob{manager: manager}
}

// Run executes one sweep pass. Overlapping passes are skipped.
func (j *SweepJob) Run() {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		log.Println("[SweepJob] Previous sweep still running, skipping")
		return
	}
	defer atomic.StoreInt32(&j.running, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := j.manager.SweepExpirations(ctx)
	if err != nil {
		log.Printf("[SweepJob] Sweep failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[SweepJob] Expired %d subscriptions", expired)
	}
}

// Running reports whether a sweep pass is in flight
func (j *SweepJob) Running() int {
	return int(atomic.LoadInt32(&j.running))
}
