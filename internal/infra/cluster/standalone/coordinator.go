// Package standalone provides a coordinator for single-replica deployments.
package standalone

import (
	"context"
	"sync"

	"github.com/ecloud/dps-notifier/internal/app/cluster"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator is always the leader while started.
type Coordinator struct {
	mu   sync.Mutex
	cb   func(isLeader bool)
	lead bool

	logger *logger.Logger
}

// NewCoordinator creates a standalone coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{logger: log.With("component", "standalone_coordinator")}
}

func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Start takes leadership immediately and holds it until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setLeader(ctx, true)
	<-ctx.Done()
	c.setLeader(context.Background(), false)
	return nil
}

func (c *Coordinator) Stop() error {
	c.setLeader(context.Background(), false)
	return nil
}

func (c *Coordinator) setLeader(ctx context.Context, lead bool) {
	c.mu.Lock()
	if c.lead == lead {
		c.mu.Unlock()
		return
	}
	c.lead = lead
	cb := c.cb
	c.mu.Unlock()

	c.logger.Info(ctx, "leadership changed", "is_leader", lead)
	if cb != nil {
		cb(lead)
	}
}
