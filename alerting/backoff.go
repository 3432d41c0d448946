package alerting

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Backoff computes retry delays: d = min(Base*2^n, Cap). Below the cap the
// delay is d/2 + jitter with jitter in [0, d/2); at the cap it is exactly Cap.
// Jitter is a hash of (key, n), so a given instance retries on a
// reproducible schedule while different instances spread out.
// Delays never decrease as n grows and never exceed Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the retry that follows n failed attempts.
func (b Backoff) Delay(key string, n int) time.Duration {
	d := b.ceiling(n)
	half := d / 2
	if d >= b.Cap || half <= 0 {
		return d
	}
	return d - half + time.Duration(jitter(key, n)%uint64(half))
}

func (b Backoff) ceiling(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

func jitter(key string, n int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key + ":" + strconv.Itoa(n)))
	return h.Sum64()
}
