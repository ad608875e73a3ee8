// Package lifecycle is the server registry and lifecycle controller.
//
// Server status moves along
//
//	DISABLED -> STARTING -> ENABLED | ERROR
//	ENABLED/STARTING -> STOPPING -> DISABLED
//	any -> ERROR on a failed transition, counting consecutive_failures
//	ERROR -> DISABLED once consecutive_failures reaches max_failures
//
// Lifecycle operations return (bool, error): false means the transition
// failed and the reason is in last_startup_error; error is reserved for
// unknown servers and persistence failures. Built-in servers are backed by
// a builtins.Pack and never touch the remote client.
package lifecycle
