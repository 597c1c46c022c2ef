package ratelimit

import (
	"container/list"
	"sync"
)

// DefaultMaxKeys bounds KeyedLimiter state when no explicit bound is given.
const DefaultMaxKeys = 4096

// KeyedLimiter keeps one token bucket per key (for example a remote IP) and
// evicts the least recently used bucket once MaxKeys is reached, so a flood of
// distinct keys cannot grow memory without bound.
type KeyedLimiter struct {
	clock   Clock
	burst   int64
	rate    int64
	maxKeys int

	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	// Burst and Rate configure each per-key bucket. Rate <= 0 disables the
	// limiter entirely.
	Burst int64
	Rate  int64

	MaxKeys int

	// OnEvict runs once per evicted bucket, outside the limiter's lock.
	OnEvict func()
}

func NewKeyedLimiter(clock Clock, cfg KeyedConfig) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	return &KeyedLimiter{
		clock:   clock,
		burst:   cfg.Burst,
		rate:    cfg.Rate,
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Len reports how many keys currently hold a bucket.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		b := entry.bucket
		l.mu.Unlock()
		return b
	}

	if len(l.buckets) >= l.maxKeys {
		if back := l.lru.Back(); back != nil {
			l.lru.Remove(back)
			delete(l.buckets, back.Value.(string))
			evicted = true
		}
	}

	b := NewTokenBucket(l.clock, l.burst, l.rate)
	l.buckets[key] = &keyedEntry{bucket: b, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return b
}
