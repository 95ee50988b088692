package kubernetes

import "time"

// K8sConfig configures lease based leader election.
type K8sConfig struct {
	Namespace    string
	LeaderLockID string
	Identity     string

	// KubeConfig is used outside the cluster; empty means in-cluster config
	// with a fallback to the user's default kubeconfig.
	KubeConfig string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c K8sConfig) withDefaults() K8sConfig {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
	return c
}
