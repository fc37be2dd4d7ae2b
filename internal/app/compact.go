package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/kv"
)

// Compactor checkpoints and vacuums the store on a fixed interval.
type Compactor struct {
	store    *kv.Store
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewCompactor builds a stopped compactor; Start begins the timer.
func NewCompactor(store *kv.Store, interval time.Duration, log zerolog.Logger) *Compactor {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Compactor{store: store, interval: interval, log: log}
}

// Start begins the periodic compaction. Calling Start twice is a no-op.
func (c *Compactor) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.RunOnce(context.Background())
			}
		}
	}()
}

// Stop cancels the timer. Safe to call repeatedly, including before Start.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

// RunOnce performs a single compaction pass.
func (c *Compactor) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := c.store.Compact(ctx); err != nil {
		c.log.Error().Err(err).Msg("store compaction failed")
		return
	}
	c.log.Debug().Dur("duration", time.Since(start)).Msg("store compacted")
}
