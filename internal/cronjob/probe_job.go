package cronjob

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wenwu/saas-platform/vpn-core/internal/service"
)

// NodeProbeJob re-checks the health of every registered node
type NodeProbeJob struct {
	registry *service.NodeRegistry
	running  int32
}

// NewNodeProbeJob creates a probe job
func NewNodeProbeJob(registry *service.NodeRegistry) *NodeProbeJob {
	return &NodeProbeJob{registry: registry}
}

// Run probes the whole fleet. Overlapping passes are skipped.
func (j *NodeProbeJob) Run() {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&j.running, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	j.registry.ProbeAll(ctx)
}
