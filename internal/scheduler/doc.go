// Package scheduler runs the background reconciliation loops.
//
// Three goroutines run independently:
//
//	health   every 5m, recovery 1m: health-check enabled servers and restart
//	         unhealthy ones that have auto_start set
//	update   every 1h, recovery 5m: restart auto_update servers to rediscover tools
//	cleanup  every 24h, recovery 1h: delete usage past retention, purge expired
//	         grants, prune idle rate-limit buckets and stale health results
//
// A loop runs its task once at start, then waits for the schedule's next
// activation. A failed or panicking iteration is logged and the loop waits
// the recovery interval instead. Loops only exit when Stop cancels them.
package scheduler
