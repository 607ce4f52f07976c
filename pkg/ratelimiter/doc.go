// Package ratelimiter implements a token bucket limiter over a pluggable Store.
//
// A bucket holds up to Capacity tokens and regains RefillRate tokens every
// RefillInterval. Each allowed call takes one token; a call that finds too few tokens is
// denied without consuming any.
//
//	store := ratelimiter.NewMemoryStore()
//	defer store.Close()
//
//	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       10,
//		RefillRate:     1,
//		RefillInterval: 6 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//
//	res, err := limiter.Allow(ctx, "checkout:"+ip)
//	if err == nil && !res.Allowed() {
//		// reply 429, res.RetryAfter() tells when to come back
//	}
//
// MemoryStore keeps buckets per process. The redis package provides a Store shared by
// every replica.
package ratelimiter
