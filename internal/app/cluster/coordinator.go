// Package cluster defines how notifier replicas agree on a single leader.
// Only the leader runs the completion reconciler; every replica consumes
// notifications.
package cluster

import "context"

// Coordinator manages leader election to ensure only one instance actively coordinates work.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination and gives up leadership if held.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	// It must be called before Start.
	OnLeadershipChange(cb func(isLeader bool))
}

// Modes accepted by the cluster.mode setting.
const (
	ModeStandalone = "standalone"
	ModeKubernetes = "kubernetes"
	ModeRedis      = "redis"
)
