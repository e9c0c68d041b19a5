// Package ratelimit guards the public API with two independent limiters.
//
// The Admitter is the order admission limiter: a fixed window per client
// address with a punitive lockout once the window cap is hit. It is anti-spam
// bookkeeping for order submission, not a security boundary, so store errors
// fail open. Entries live in a Store, in memory by default or in redis (see
// the redisstore subpackage) when several instances should share counts.
//
// The FloodGuard is a per-address token bucket over every public route. It
// stops a single address from flooding the process and keeps a bounded,
// self-evicting map of buckets.
//
// Neither protects against distributed abuse across many addresses. Client
// addresses come from httpmw.ClientIP, so both are only as good as the
// trusted-hop configuration in front of them.
package ratelimit
