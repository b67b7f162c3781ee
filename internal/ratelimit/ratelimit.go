// Package ratelimit bounds outbound per-host fetch politeness with a
// golang.org/x/time/rate token bucket and provides the keyed mutex that
// serializes refreshes of the same document.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out a per-host token-bucket limiter, creating one
// lazily on first use with the configured rate and burst.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewHostLimiter builds a HostLimiter; every host gets its own bucket at
// requestsPerSecond with the given burst.
func NewHostLimiter(requestsPerSecond float64, burst int) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      requestsPerSecond,
		burst:    burst,
	}
}

// Wait blocks until host's bucket has a token or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.limiterFor(host).Wait(ctx)
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.rps), h.burst)
		h.limiters[host] = l
	}
	return l
}

// KeyedMutex grants at most one holder per key at a time, used to enforce
// "at most one refresh per (agentId, documentId)".
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if necessary.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()
	if ok {
		l.Unlock()
	}
}

// TryLock attempts to acquire key's mutex without blocking, returning false
// if it is already held.
func (k *KeyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	return l.TryLock()
}
