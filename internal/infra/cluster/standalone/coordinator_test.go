package standalone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

func TestCoordinator_LeadsUntilCancelled(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(logger.Noop())

	var mu sync.Mutex
	var changes []bool
	c.OnLeadershipChange(func(isLeader bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, isLeader)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, c.Stop(), "stopping twice is a no-op")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}
