// Package ratelimit provides the process-wide token bucket limiter shared by
// the access resolver and call admission.
//
// Each (key, window) pair owns a golang.org/x/time/rate limiter that refills
// at Limit/Period tokens per second up to Limit. Allow reserves one token in
// every capped window under a single lock and cancels all reservations if any
// window would have to wait, so a denied request consumes nothing.
package ratelimit
