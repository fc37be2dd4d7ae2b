// Package cache is the event-driven entity cache. There is no TTL:
// correctness depends on every mutation path notifying the invalidator, so
// each invalidation also goes out on a broadcast channel for anything else
// holding derived state.
package cache

import (
	"sync"
	"time"

	"github.com/carebridge/carestore/internal/clock"
)

// EventType identifies why an entry was invalidated.
type EventType string

const (
	EventWrite      EventType = "write"
	EventDelete     EventType = "delete"
	EventSync       EventType = "sync"
	EventRefresh    EventType = "refresh"
	EventEntityType EventType = "entity_type"
	EventAll        EventType = "all"
)

// Event is one invalidation notification.
type Event struct {
	Type       EventType
	EntityType string
	EntityIDs  []string
	At         time.Time
}

type entryKey struct {
	entityType string
	entityID   string
}

// Invalidator maps (entityType, entityId) to last-known values.
type Invalidator struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[entryKey]any
	subs    []chan Event
}

// New builds an empty invalidator.
func New(clk clock.Clock) *Invalidator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Invalidator{clock: clk, entries: make(map[entryKey]any)}
}

// Put stores a last-known value.
func (c *Invalidator) Put(entityType, entityID string, value any) {
	c.mu.Lock()
	c.entries[entryKey{entityType, entityID}] = value
	c.mu.Unlock()
}

// Get returns the cached value, if present.
func (c *Invalidator) Get(entityType, entityID string) (any, bool) {
	c.mu.RLock()
	v, ok := c.entries[entryKey{entityType, entityID}]
	c.mu.RUnlock()
	return v, ok
}

// Len returns the number of cached entries.
func (c *Invalidator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Subscribe returns a channel of invalidation events. Slow subscribers drop
// events rather than block writers.
func (c *Invalidator) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Invalidator) emit(ev Event) {
	ev.At = c.clock.Now()
	c.mu.RLock()
	subs := make([]chan Event, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// InvalidateOnWrite drops an entry after a record write.
func (c *Invalidator) InvalidateOnWrite(entityType, entityID string) {
	c.drop(entityType, entityID)
	c.emit(Event{Type: EventWrite, EntityType: entityType, EntityIDs: []string{entityID}})
}

// InvalidateOnDelete drops an entry after a record delete.
func (c *Invalidator) InvalidateOnDelete(entityType, entityID string) {
	c.drop(entityType, entityID)
	c.emit(Event{Type: EventDelete, EntityType: entityType, EntityIDs: []string{entityID}})
}

// InvalidateOnSync drops the entries touched by a completed sync batch.
func (c *Invalidator) InvalidateOnSync(entityType string, entityIDs []string) {
	for _, id := range entityIDs {
		c.drop(entityType, id)
	}
	c.emit(Event{Type: EventSync, EntityType: entityType, EntityIDs: entityIDs})
}

// InvalidateOnRefresh drops an entry after a forced refresh.
func (c *Invalidator) InvalidateOnRefresh(entityType, entityID string) {
	c.drop(entityType, entityID)
	c.emit(Event{Type: EventRefresh, EntityType: entityType, EntityIDs: []string{entityID}})
}

// InvalidateType drops every entry of one entity type.
func (c *Invalidator) InvalidateType(entityType string) {
	c.mu.Lock()
	for k := range c.entries {
		if k.entityType == entityType {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventEntityType, EntityType: entityType})
}

// InvalidateAll drops everything.
func (c *Invalidator) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[entryKey]any)
	c.mu.Unlock()
	c.emit(Event{Type: EventAll})
}

func (c *Invalidator) drop(entityType, entityID string) {
	c.mu.Lock()
	delete(c.entries, entryKey{entityType, entityID})
	c.mu.Unlock()
}
