package engine

import "math/rand"

// Option configures an Engine at construction, following the functional
// options pattern so new knobs never break existing callers.
type Option func(*Engine)

// WithCacheCapacity bounds the cache partition of the record store. At the
// bound the oldest-expiring learned entry is evicted; published records are
// never evicted. The default is 1024 entries.
func WithCacheCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheCapacity = n
		}
	}
}

// WithRand replaces the jitter source. The engine draws its probe and
// response delays from it, so a seeded source makes every run, and every
// test, deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = rng
	}
}

// WithIPv6 switches the engine's multicast destination to the IPv6 group
// ff02::fb per RFC 6762 §5. The adapter still owns interface selection.
func WithIPv6() Option {
	return func(e *Engine) {
		e.group = groupV6
	}
}
