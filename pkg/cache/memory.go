package cache

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"sync"
	"time"
)

type item struct {
	counts  pkg.LevelCounts
	expires time.Time
}

// Memory caches level counts in process for ttl.
type Memory struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]item
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, items: make(map[string]item), now: time.Now}
}

func (c *Memory) Get(_ context.Context, memberId string) (pkg.LevelCounts, bool) {
	c.mu.RLock()
	it, ok := c.items[memberId]
	c.mu.RUnlock()

	if !ok || !c.now().Before(it.expires) {
		return pkg.LevelCounts{}, false
	}
	return it.counts, true
}

func (c *Memory) Set(_ context.Context, memberId string, counts pkg.LevelCounts) {
	c.mu.Lock()
	c.items[memberId] = item{counts: counts, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Memory) Invalidate(_ context.Context, memberIds ...string) {
	c.mu.Lock()
	for _, id := range memberIds {
		delete(c.items, id)
	}
	c.mu.Unlock()
}
