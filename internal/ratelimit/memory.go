// Package ratelimit provides RateGovernor implementations: an
// in-process counter map for single-node deployments and tests, and a
// Redis-backed governor for shared quotas across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/MetaDevZone/secure-2fa/internal/util"
)

const shardCount = 16

type windowEntry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// MemoryGovernor keeps fixed-window counters in memory. It is an
// explicitly owned object with its own lifecycle (New -> background
// sweep -> Stop), never a package-level singleton, so independent
// engine instances can coexist in one process.
type MemoryGovernor struct {
	shards   [shardCount]*shard
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryGovernor starts the governor and its background sweep.
// The sweep goroutine exits on Stop and never blocks process shutdown.
func NewMemoryGovernor(sweepInterval time.Duration) *MemoryGovernor {
	g := &MemoryGovernor{
		done: make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[string]*windowEntry)}
	}

	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	go g.sweepLoop(sweepInterval)

	return g
}

// CheckLimit reports whether key is still under max for its current
// window. It never mutates the counter.
func (g *MemoryGovernor) CheckLimit(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.resetAt) {
		return true, nil
	}
	return entry.count < max, nil
}

// Increment records one issuance event against key. A new window is
// opened when the previous one has elapsed.
func (g *MemoryGovernor) Increment(_ context.Context, key string, window time.Duration) error {
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.resetAt) {
		s.entries[key] = &windowEntry{count: 1, resetAt: now.Add(window)}
		return nil
	}
	entry.count++
	return nil
}

func (g *MemoryGovernor) HealthCheck(_ context.Context) error {
	select {
	case <-g.done:
		return errStopped
	default:
		return nil
	}
}

// Stop terminates the background sweep. Counters become inert but
// remain readable until the governor is garbage collected.
func (g *MemoryGovernor) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
}

func (g *MemoryGovernor) shardFor(key string) *shard {
	return g.shards[murmur3.Sum32([]byte(key))%shardCount]
}

func (g *MemoryGovernor) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep drops entries whose window has fully elapsed so the map does
// not grow without bound over the process lifetime.
func (g *MemoryGovernor) sweep() {
	now := time.Now()
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if now.After(entry.resetAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		util.Debug("Rate limit windows swept", util.Int("removed", removed))
	}
}
