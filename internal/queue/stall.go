package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/metrics"
)

// Stall detector event types, emitted in order:
// stallDetected → recoveryStarted → recoveryCompleted|recoveryFailed →
// unstalled, or maxRecoveryAttemptsReached once the ceiling is hit.
type EventType string

const (
	EventStallDetected              EventType = "stallDetected"
	EventRecoveryStarted            EventType = "recoveryStarted"
	EventRecoveryCompleted          EventType = "recoveryCompleted"
	EventRecoveryFailed             EventType = "recoveryFailed"
	EventUnstalled                  EventType = "unstalled"
	EventMaxRecoveryAttemptsReached EventType = "maxRecoveryAttemptsReached"
)

// Event is one stall detector notification.
type Event struct {
	Type     EventType
	At       time.Time
	Attempts int
	Err      error
}

// StallStatus is the detector's view of queue health.
type StallStatus struct {
	IsStalled        bool
	StallDuration    time.Duration
	OldestOpAge      time.Duration
	LockHeld         bool
	LockIsStale      bool
	RecoveryAttempts int
}

// StallDetectorConfig tunes detection and recovery.
type StallDetectorConfig struct {
	// Interval is the periodic check cadence.
	Interval time.Duration
	// StallThreshold is the oldest-pending-op age past which the queue is
	// considered stalled.
	StallThreshold time.Duration
	// MaxRecoveryAttempts bounds automatic recovery before operator action
	// is required.
	MaxRecoveryAttempts int
}

// DefaultStallDetectorConfig returns the production tuning.
func DefaultStallDetectorConfig() StallDetectorConfig {
	return StallDetectorConfig{
		Interval:            time.Minute,
		StallThreshold:      30 * time.Second,
		MaxRecoveryAttempts: 3,
	}
}

// RecoveryCallback nudges whatever consumes the queue.
type RecoveryCallback func(ctx context.Context) error

// StallDetector watches the oldest pending operation and the processing
// lease and self-heals a stalled queue: releases stale leases, rebuilds the
// ordering index, and invokes the registered recovery callback, all within a
// bounded attempt budget.
type StallDetector struct {
	queue   *Queue
	lock    *ProcessingLock
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Set
	cfg     StallDetectorConfig

	mu           sync.Mutex
	recovery     RecoveryCallback
	attempts     int
	stalledSince time.Time
	ceilingSent  bool
	subs         []chan Event
	running      bool
	stop         chan struct{}
	done         chan struct{}
}

// NewStallDetector builds a detector; Start begins the periodic timer.
func NewStallDetector(q *Queue, lk *ProcessingLock, clk clock.Clock, log zerolog.Logger, m *metrics.Set, cfg StallDetectorConfig) *StallDetector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.Interval <= 0 {
		cfg = DefaultStallDetectorConfig()
	}
	return &StallDetector{queue: q, lock: lk, clock: clk, log: log, metrics: m, cfg: cfg}
}

// SetRecoveryCallback registers the consumer nudge.
func (d *StallDetector) SetRecoveryCallback(fn RecoveryCallback) {
	d.mu.Lock()
	d.recovery = fn
	d.mu.Unlock()
}

// Subscribe returns a channel of detector events. Slow subscribers drop
// events rather than block detection.
func (d *StallDetector) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

func (d *StallDetector) emit(ev Event) {
	d.mu.Lock()
	subs := make([]chan Event, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Status computes the current stall view from the oldest pending-op age and
// the lock state.
func (d *StallDetector) Status(ctx context.Context) (StallStatus, error) {
	var st StallStatus
	now := d.clock.Now()

	oldest, has, err := d.queue.Index().OldestCreatedAt(ctx)
	if err != nil {
		return st, err
	}
	if has {
		st.OldestOpAge = now.Sub(oldest)
		st.IsStalled = st.OldestOpAge > d.cfg.StallThreshold
	}

	ls, held, err := d.lock.Holder(ctx)
	if err != nil {
		return st, err
	}
	st.LockHeld = held
	if held {
		st.LockIsStale = d.lock.IsStale(ls)
	}

	d.mu.Lock()
	st.RecoveryAttempts = d.attempts
	if st.IsStalled {
		if d.stalledSince.IsZero() {
			d.stalledSince = now
		}
		st.StallDuration = now.Sub(d.stalledSince)
	} else {
		d.stalledSince = time.Time{}
	}
	d.mu.Unlock()
	return st, nil
}

// ResetRecoveryAttempts clears the bounded-attempt counter once health is
// confirmed.
func (d *StallDetector) ResetRecoveryAttempts() {
	d.mu.Lock()
	d.attempts = 0
	d.ceilingSent = false
	d.mu.Unlock()
}

// Start begins the periodic check. Calling Start on a running detector is a
// no-op.
func (d *StallDetector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.RunOnce(context.Background())
			}
		}
	}()
}

// Stop cancels the periodic timer. Safe to call repeatedly, including on a
// detector that never started.
func (d *StallDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

// RunOnce performs a single detection-and-recovery pass. The periodic timer
// calls this; tests and operator tooling may call it directly.
func (d *StallDetector) RunOnce(ctx context.Context) {
	st, err := d.Status(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("stall status check failed")
		return
	}
	if !st.IsStalled {
		return
	}
	now := d.clock.Now()
	d.emit(Event{Type: EventStallDetected, At: now, Attempts: st.RecoveryAttempts})
	d.log.Warn().Dur("oldest_op_age", st.OldestOpAge).Bool("lock_stale", st.LockIsStale).
		Msg("queue stall detected")

	d.mu.Lock()
	if d.attempts >= d.cfg.MaxRecoveryAttempts {
		sent := d.ceilingSent
		d.ceilingSent = true
		attempts := d.attempts
		d.mu.Unlock()
		if !sent {
			d.emit(Event{Type: EventMaxRecoveryAttemptsReached, At: now, Attempts: attempts})
			d.log.Error().Int("attempts", attempts).Msg("stall recovery attempt ceiling reached")
		}
		return
	}
	d.attempts++
	attempts := d.attempts
	recovery := d.recovery
	d.mu.Unlock()

	d.emit(Event{Type: EventRecoveryStarted, At: d.clock.Now(), Attempts: attempts})
	err = d.recover(ctx, recovery)
	d.metrics.StallRecoveries.Inc()
	if err != nil {
		d.emit(Event{Type: EventRecoveryFailed, At: d.clock.Now(), Attempts: attempts, Err: err})
		d.log.Error().Err(err).Int("attempt", attempts).Msg("stall recovery failed")
		return
	}
	d.emit(Event{Type: EventRecoveryCompleted, At: d.clock.Now(), Attempts: attempts})

	after, err := d.Status(ctx)
	if err == nil && !after.IsStalled {
		d.emit(Event{Type: EventUnstalled, At: d.clock.Now(), Attempts: attempts})
		d.log.Info().Int("attempt", attempts).Msg("queue unstalled")
	}
}

func (d *StallDetector) recover(ctx context.Context, recovery RecoveryCallback) error {
	released, err := d.lock.ReleaseStale(ctx)
	if err != nil {
		return err
	}
	if released {
		d.log.Info().Msg("stale processing lock released")
	}
	n, err := d.queue.Index().Rebuild(ctx)
	if err != nil {
		return err
	}
	d.log.Info().Int("entries", n).Msg("pending index rebuilt")
	if recovery != nil {
		if err := recovery(ctx); err != nil {
			return err
		}
	}
	return nil
}
