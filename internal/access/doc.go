// Package access decides whether a principal may call a tool.
//
// Resolution order:
//
//  1. An explicit grant for the exact tool.
//  2. An explicit grant for the tool's server.
//  3. A role access rule for any of the principal's roles whose tool or
//     server glob matches.
//  4. Otherwise deny with "no access permission found".
//
// Explicit grants check expiry, allowed hours (UTC) and weekdays (0=Monday),
// then take one token from the grant's hourly and daily buckets in the
// shared ratelimit.Limiter. Role rules check their time window and report
// their caps without consuming them.
//
// CheckAccess always returns a Decision; Decision.Err converts a deny into
// a typed apperr error for callers that want one.
package access
