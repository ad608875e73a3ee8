// Package gateway is the toolgate control plane context object.
//
// # Overview
//
// New builds every component once from a config.Config and wires them
// together; nothing is global. The graph, leaves first:
//
//	store.Store            sqlite or postgres
//	ledger.Ledger          synchronous usage writes
//	ledger.AsyncRecorder   bounded queue in front of the ledger for call tracking
//	remote.Client          retries, circuit breaking and discovery per server
//	events.Broadcaster     lifecycle and health events
//	builtins.Registry      core and status packs backing built-in servers
//	ratelimit.Limiter      shared by grants, role rules and ingress admission
//	access.Resolver        tool grant, server grant, role rule, deny
//	lifecycle.Controller   registry and server state machine
//	scheduler.Scheduler    health, auto-update and cleanup loops
//
// # Lifecycle
//
// Start registers built-in servers, starts every server marked auto_start or
// left enabled, launches the scheduler and, when server.http_addr is set, the
// operational HTTP listener:
//
//	GET /health        liveness
//	GET /health/ready  503 until startup loading is done
//	GET /metrics       Prometheus collectors (metrics.enabled)
//
// Stop reverses this: loops and listener first, then the usage queue is
// drained, connections are closed and the store is closed. Run combines
// Start, waiting for the context and Stop with a bounded timeout.
//
// # Operations
//
// Every operation takes an already-authenticated *auth.Principal. Reads need
// any principal; mutations of servers, tools, grants and role rules need
// Principal.IsAdmin. Denials are apperr.PermissionDenied.
//
// CallTool is the full request path: Admit takes a token from the caller's
// ingress budget, CheckAccess gates the tool, then the controller routes the
// call to a built-in pack or the remote client.
package gateway
