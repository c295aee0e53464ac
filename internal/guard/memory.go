package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"famsave.org/internal/obs"
)

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Guard is the in-process Limiter. Records are partitioned across shards by
// key hash, each with its own mutex, so unrelated keys never contend on one
// lock. State is lost on restart.
type Guard struct {
	cfg     Config
	shards  []*shard
	now     func() time.Time
	tracked atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ Limiter = (*Guard)(nil)

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New creates a Guard and starts its sweep loop when cfg.SweepInterval is
// positive. Call Stop to release the loop.
func New(cfg Config, opts ...Option) (*Guard, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	g := &Guard{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i] = &shard{records: make(map[string]*record)}
	}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.SweepInterval > 0 {
		go g.sweepLoop(cfg.SweepInterval)
	} else {
		close(g.done)
	}
	return g, nil
}

func (g *Guard) shardFor(key string) *shard {
	return g.shards[xxhash.Sum64String(key)%uint64(len(g.shards))]
}

// Admit implements Limiter.
func (g *Guard) Admit(_ context.Context, key string) (Decision, error) {
	now := g.now()
	s := g.shardFor(key)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &record{}
		s.records[key] = rec
		g.tracked.Add(1)
	}
	d := admit(rec, g.cfg, now)
	s.mu.Unlock()

	obs.GuardDecisions.WithLabelValues(outcome(d)).Inc()
	obs.GuardTrackedKeys.Set(float64(g.tracked.Load()))
	if d.Locked {
		obs.Logger().Warn("guard key locked",
			zap.Int("attempts", d.Attempts),
			zap.Duration("lockout", g.cfg.Lockout))
	}
	return d, nil
}

// Reset implements Limiter.
func (g *Guard) Reset(_ context.Context, key string) error {
	s := g.shardFor(key)
	s.mu.Lock()
	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		g.tracked.Add(-1)
	}
	s.mu.Unlock()
	obs.GuardTrackedKeys.Set(float64(g.tracked.Load()))
	return nil
}

// Sweep removes stale records and returns how many were dropped. Locked
// records are always kept.
func (g *Guard) Sweep() int {
	now := g.now()
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			if rec.stale(now) {
				delete(s.records, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	g.tracked.Add(-int64(removed))
	obs.GuardTrackedKeys.Set(float64(g.tracked.Load()))
	return removed
}

// Len returns the number of tracked keys.
func (g *Guard) Len() int {
	return int(g.tracked.Load())
}

// Stop ends the sweep loop and waits for it to exit.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	<-g.done
}

func (g *Guard) sweepLoop(interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				obs.Logger().Debug("guard sweep", zap.Int("removed", n), zap.Int("tracked", g.Len()))
			}
		case <-g.stopCh:
			return
		}
	}
}
