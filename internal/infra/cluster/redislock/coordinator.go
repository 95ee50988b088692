// Package redislock provides leader election for deployments without
// Kubernetes, using a single Redis key as a lease.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/app/cluster"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// The lease value is the holder identity; only the holder may extend or delete it.
var (
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// Config configures the Redis lease.
type Config struct {
	Key           string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Key == "" {
		c.Key = "dps-notifier:leader"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = c.LeaseDuration / 3
	}
	return c
}

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator holds leadership while it owns the lease key. The lease is
// renewed every RetryPeriod; a failed renewal gives leadership up at once so
// two replicas never lead at the same time for longer than one lease.
type Coordinator struct {
	client redis.UniversalClient
	cfg    Config

	mu       sync.Mutex
	isLeader bool
	cb       func(isLeader bool)
	cancel   context.CancelFunc
	done     chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a Redis lease coordinator.
func NewCoordinator(client redis.UniversalClient, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}
	cfg = cfg.withDefaults()
	if cfg.RetryPeriod >= cfg.LeaseDuration {
		return nil, fmt.Errorf("retry period %s must be shorter than lease duration %s", cfg.RetryPeriod, cfg.LeaseDuration)
	}

	return &Coordinator{
		client: client,
		cfg:    cfg,
		logger: log.With("component", "redis_coordinator", "key", cfg.Key, "identity", cfg.Identity),
		tracer: tracer,
	}, nil
}

func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Start campaigns for the lease until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	defer close(done)

	c.logger.Info(ctx, "Starting redis leader election")

	ticker := time.NewTicker(c.cfg.RetryPeriod)
	defer ticker.Stop()

	for {
		c.tick(runCtx)
		select {
		case <-runCtx.Done():
			c.release()
			return nil
		case <-ticker.C:
		}
	}
}

// Stop releases the lease if held and waits for Start to return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Coordinator) tick(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "redis_coordinator.tick",
		trace.WithAttributes(attribute.String("identity", c.cfg.Identity)))
	defer span.End()

	c.mu.Lock()
	leading := c.isLeader
	c.mu.Unlock()

	var (
		held bool
		err  error
	)
	if leading {
		held, err = c.refresh(ctx)
	} else {
		held, err = c.acquire(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease operation failed")
		c.logger.Warn(ctx, "Lease operation failed", "leader", leading, "error", err)
	}
	span.SetAttributes(attribute.Bool("leader", held))
	c.setLeader(ctx, held)
}

func (c *Coordinator) acquire(ctx context.Context) (bool, error) {
	return c.client.SetNX(ctx, c.cfg.Key, c.cfg.Identity, c.cfg.LeaseDuration).Result()
}

func (c *Coordinator) refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, c.client, []string{c.cfg.Key}, c.cfg.Identity, c.cfg.LeaseDuration.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	leading := c.isLeader
	c.mu.Unlock()
	if !leading {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RetryPeriod)
	defer cancel()
	if err := releaseScript.Run(ctx, c.client, []string{c.cfg.Key}, c.cfg.Identity).Err(); err != nil {
		c.logger.Warn(ctx, "Failed to release lease", "error", err)
	}
	c.setLeader(ctx, false)
}

func (c *Coordinator) setLeader(ctx context.Context, lead bool) {
	c.mu.Lock()
	if c.isLeader == lead {
		c.mu.Unlock()
		return
	}
	c.isLeader = lead
	cb := c.cb
	c.mu.Unlock()

	if lead {
		c.logger.Info(ctx, "became leader")
	} else {
		c.logger.Info(ctx, "lost leadership")
	}
	if cb != nil {
		cb(lead)
	}
}
