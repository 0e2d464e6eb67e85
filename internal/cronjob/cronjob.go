package cronjob

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/wenwu/saas-platform/vpn-core/internal/service"
)

// CronJob owns the background schedule: the expiration sweep and the node
// health probe
type CronJob struct {
	cron *cron.Cron

	sweep *SweepJob
	probe *NodeProbeJob
}

// New creates the background scheduler
func New(manager *service.SubscriptionManager, registry *service.NodeRegistry) *CronJob {
	return &CronJob{
		cron:  cron.New(),
		sweep: NewSweepJob(manager),
		probe: NewNodeProbeJob(registry),
	}
}

// Start registers the jobs and starts the scheduler. Specs use the
// robfig/cron "@every" form, e.g. "@every 1m".
func (c *CronJob) Start(sweepSpec, probeSpec string) error {
	if _, err := c.cron.AddJob(sweepSpec, c.sweep); err != nil {
		return err
	}
	if _, err := c.cron.AddJob(probeSpec, c.probe); err != nil {
		return err
	}
	c.cron.Start()
	log.Printf("[CronJob] Background jobs started (sweep: %s, probe: %s)", sweepSpec, probeSpec)
	return nil
}

// Stop stops the scheduler, waiting for a running job to finish
func (c *CronJob) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	log.Println("[CronJob] Background jobs stopped")
}

// SweepsRunning reports how many sweep passes are in flight
func (c *CronJob) SweepsRunning() int {
	return c.sweep.Running()
}
