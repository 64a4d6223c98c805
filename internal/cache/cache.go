// Package cache provides the bounded in-memory cache a storage node keeps in
// front of its persistent store.
package cache

import (
	"bytes"
	"container/list"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Strategy selects the eviction policy.
type Strategy string

const (
	StrategyNone Strategy = "none"
	StrategyFIFO Strategy = "fifo"
	StrategyLRU  Strategy = "lru"
)

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyNone, "":
		return StrategyNone, nil
	case StrategyFIFO:
		return StrategyFIFO, nil
	case StrategyLRU:
		return StrategyLRU, nil
	}
	return "", fmt.Errorf("unknown cache strategy %q", s)
}

// Cache is safe for concurrent use. All operations are O(1).
type Cache interface {
	Contains(key string) bool
	Get(key string) ([]byte, bool)
	Put(key string, value []byte)
	Delete(key string)
	Clear()
	Len() int
	Capacity() int
	Stats() Stats
}

// Stats holds cache statistics
type Stats struct {
	Strategy  Strategy
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// New builds a cache. A none strategy or a non-positive capacity yields a
// cache that stores nothing.
func New(strategy Strategy, capacity int, logger *zap.Logger) Cache {
	if strategy == StrategyNone || capacity <= 0 {
		return noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &bounded{
		strategy: strategy,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		logger:   logger,
	}
}

type entry struct {
	key   string
	value []byte
}

// bounded backs both FIFO and LRU. The front of order is the next victim.
// FIFO never reorders; LRU moves an entry to the back on every hit or put.
type bounded struct {
	mu       sync.Mutex
	strategy Strategy
	capacity int
	order    *list.List
	items    map[string]*list.Element
	logger   *zap.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

func (c *bounded) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *bounded) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	if c.strategy == StrategyLRU {
		c.order.MoveToBack(el)
	}
	return bytes.Clone(el.Value.(*entry).value), true
}

// Put stores a copy of value; Get hands out copies too, so callers never
// share the cached bytes.
func (c *bounded) Put(key string, value []byte) {
	value = bytes.Clone(value)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		if c.strategy == StrategyLRU {
			c.order.MoveToBack(el)
		}
		return
	}

	for c.order.Len() >= c.capacity {
		c.evictFront()
	}
	c.items[key] = c.order.PushBack(&entry{key: key, value: value})
}

func (c *bounded) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *bounded) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

func (c *bounded) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *bounded) Capacity() int {
	return c.capacity
}

func (c *bounded) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Strategy:  c.strategy,
		Entries:   c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *bounded) evictFront() {
	el := c.order.Front()
	if el == nil {
		return
	}
	victim := c.order.Remove(el).(*entry)
	delete(c.items, victim.key)
	c.evictions++

	c.logger.Debug("Evicted cache entry",
		zap.String("key", victim.key),
		zap.String("strategy", string(c.strategy)))
}

// noop is the none strategy: every lookup misses and writes are dropped.
type noop struct{}

func (noop) Contains(string) bool { return false }
func (noop) Get(string) ([]byte, bool) { return nil, false }
func (noop) Put(string, []byte) {}
func (noop) Delete(string) {}
func (noop) Clear() {}
func (noop) Len() int { return 0 }
func (noop) Capacity() int { return 0 }
func (noop) Stats() Stats { return Stats{Strategy: StrategyNone} }
