package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// Clock is the time source used by the limiters. Tests substitute a manual
// clock so refill is deterministic.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed burst.
//
// Tokens are tracked as fixed-point nano-tokens to avoid float rounding: one
// token is 1e9 nano-tokens, so a rate of X tokens/sec adds X nano-tokens per
// nanosecond elapsed.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	burst int64 // tokens
	rate  int64 // tokens/sec

	nanoTokens int64
	last       time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:      clock,
		burst:      burst,
		rate:       rate,
		nanoTokens: tokensToNano(burst),
		last:       clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := tokensToNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.nanoTokens < cost {
		return false
	}
	b.nanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.burst <= 0 {
		return
	}

	full := tokensToNano(b.burst)
	if b.nanoTokens >= full {
		b.nanoTokens = full
		return
	}

	// rate tokens/sec == rate nano-tokens/ns. Clamp before multiplying so
	// elapsed*rate cannot overflow.
	need := full - b.nanoTokens
	if elapsedToFill := need / b.rate; elapsedToFill <= 0 || elapsed >= elapsedToFill {
		b.nanoTokens = full
		return
	}
	b.nanoTokens += elapsed * b.rate
	if b.nanoTokens > full {
		b.nanoTokens = full
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
