// Package dedupe provides a time-based cache that also deduplicates
// concurrent lookups, so work for one key runs at most once per TTL window.
package dedupe
