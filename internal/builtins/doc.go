// Package builtins provides the tool packs that run inside the control plane.
//
// Each Pack becomes a tool server with transport "builtin". Starting such a
// server never touches the network: the lifecycle controller flips it to
// enabled and syncs the pack's tools into the registry.
//
// Core Pack (builtin-core):
//
//   - echo: Echo a message back
//   - current_time: Current time, optionally in an IANA time zone
//   - generate_id: Generate a random UUID
//
// Status Pack (builtin-status):
//
//   - list_servers: List registered tool servers
//   - server_usage: Usage statistics for one server
//
// Handlers have the signature
//
//	func(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error)
package builtins
