package pkg

import (
	"context"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// LevelCounts holds the number of enrolled descendants per level, index 1..15.
type LevelCounts [MaxLevel + 1]int

func (c LevelCounts) At(level int) int {
	if level < 1 || level > MaxLevel {
		return 0
	}
	return c[level]
}

func (c LevelCounts) Total() (total int) {
	for level := 1; level <= MaxLevel; level++ {
		total += c[level]
	}
	return total
}

// Census counts descendants along the enrollment (sponsor) relation. Counts
// are cached per member until invalidated or expired.
type Census struct {
	members MemberStore
	cache   StatsCache
	group   singleflight.Group
}

func NewCensus(members MemberStore, cache StatsCache) *Census {
	return &Census{members: members, cache: cache}
}

func (c *Census) Levels(ctx context.Context, memberId string) (LevelCounts, error) {
	if c.cache != nil {
		if counts, ok := c.cache.Get(ctx, memberId); ok {
			return counts, nil
		}
	}

	v, err, _ := c.group.Do(memberId, func() (interface{}, error) {
		return c.Fresh(ctx, memberId)
	})
	if err != nil {
		return LevelCounts{}, err
	}

	return v.(LevelCounts), nil
}

// Fresh recounts bypassing the cache and stores the result.
func (c *Census) Fresh(ctx context.Context, memberId string) (LevelCounts, error) {
	counts, err := c.count(ctx, memberId)
	if err != nil {
		return LevelCounts{}, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, memberId, counts)
	}

	return counts, nil
}

func (c *Census) CountAtLevel(ctx context.Context, memberId string, level int) (int, error) {
	counts, err := c.Levels(ctx, memberId)
	if err != nil {
		return 0, err
	}
	return counts.At(level), nil
}

func (c *Census) TotalTeamSize(ctx context.Context, memberId string) (int, error) {
	counts, err := c.Levels(ctx, memberId)
	if err != nil {
		return 0, err
	}
	return counts.Total(), nil
}

func TeamFullyBuilt(counts LevelCounts) bool {
	return counts.Total() >= TeamBuiltThreshold
}

// DirectReferrals counts the active members enrolled by memberId.
func (c *Census) DirectReferrals(ctx context.Context, memberId string) (int, error) {
	direct, err := c.members.Sponsored(ctx, []string{memberId})
	if err != nil {
		return 0, errors.Wrap(err, "Sponsored")
	}

	var n int
	for _, m := range direct {
		if m.Active && m.ID != memberId {
			n++
		}
	}

	return n, nil
}

func (c *Census) Invalidate(ctx context.Context, memberIds ...string) {
	if c.cache != nil && len(memberIds) > 0 {
		c.cache.Invalidate(ctx, memberIds...)
	}
}

func (c *Census) count(ctx context.Context, memberId string) (LevelCounts, error) {
	var counts LevelCounts

	visited := map[string]struct{}{memberId: {}}
	frontier := []string{memberId}

	for level := 1; level <= MaxLevel && len(frontier) > 0; level++ {
		enrolled, err := c.members.Sponsored(ctx, frontier)
		if err != nil {
			return LevelCounts{}, errors.Wrap(err, "Sponsored")
		}

		next := make([]string, 0, len(enrolled))
		for _, m := range enrolled {
			if _, ok := visited[m.ID]; ok {
				continue
			}
			visited[m.ID] = struct{}{}
			next = append(next, m.ID)
		}

		counts[level] = len(next)
		frontier = next
	}

	return counts, nil
}
