package pipeline

import (
	"sort"
	"sync"

	"github.com/habitushome/habitus/pkg/core"
)

// eventCache is the bounded replay buffer the miner reads from. Oldest
// events are evicted first.
type eventCache struct {
	mu    sync.Mutex
	buf   []core.Event
	head  int
	count int
	total uint64
}

func newEventCache(capacity int) *eventCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &eventCache{buf: make([]core.Event, capacity)}
}

func (c *eventCache) append(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := (c.head + c.count) % len(c.buf)
	c.buf[tail] = ev
	if c.count < len(c.buf) {
		c.count++
	} else {
		c.head = (c.head + 1) % len(c.buf)
	}
	c.total++
}

// snapshot returns the cached events in chronological order.
func (c *eventCache) snapshot() []core.Event {
	c.mu.Lock()
	out := make([]core.Event, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.buf[(c.head+i)%len(c.buf)])
	}
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMS < out[j].TimestampMS
	})
	return out
}

func (c *eventCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// since counts cached events with ts_ms >= fromMS.
func (c *eventCache) since(fromMS int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := 0; i < c.count; i++ {
		if c.buf[(c.head+i)%len(c.buf)].TimestampMS >= fromMS {
			n++
		}
	}
	return n
}
