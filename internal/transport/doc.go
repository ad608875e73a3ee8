// Package transport abstracts how the control plane talks to tool servers.
//
// The remote client only sees Transport and Handle. MCP is the production
// implementation; it delegates the wire protocol to the MCP Go SDK and adds
// configured headers (including decrypted credentials) to HTTP requests.
// Package transporttest provides a scriptable fake for tests.
package transport
