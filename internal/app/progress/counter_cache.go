package progress

import (
	"container/list"
	"sync"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
)

// defaultCacheSize bounds the number of task snapshots a processor keeps.
const defaultCacheSize = 4096

// counterCache is a bounded LRU of the last task snapshot (counters included)
// each processor committed or loaded. It is private to one processor and
// starts empty, so a recreated processor always reloads from storage. The
// snapshot answers "does the task exist" without a round trip; completion is
// always decided on the row returned by the counter update.
type counterCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[int64]*list.Element
}

func newCounterCache(capacity int) *counterCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &counterCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[int64]*list.Element, capacity),
	}
}

func (c *counterCache) get(taskID int64) (*domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[taskID]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*domain.Task).Clone(), true
}

// put stores a copy of task. An older snapshot never replaces a newer one.
func (c *counterCache) put(task *domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[task.ID()]; ok {
		cur := el.Value.(*domain.Task)
		if cur.TotalHandled() > task.TotalHandled() {
			c.ll.MoveToFront(el)
			return
		}
		el.Value = task.Clone()
		c.ll.MoveToFront(el)
		return
	}

	c.items[task.ID()] = c.ll.PushFront(task.Clone())
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*domain.Task).ID())
	}
}

func (c *counterCache) invalidate(taskID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[taskID]; ok {
		c.ll.Remove(el)
		delete(c.items, taskID)
	}
}

func (c *counterCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
