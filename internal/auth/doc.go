// Package auth carries the caller's identity through the control plane.
//
// Authentication happens elsewhere. Every operation receives a *Principal
// whose Roles are matched against role access rules; admin and owner may
// perform mutating operations.
//
// JWTVerifier is used by the CLI and any fronting service to turn an HS256
// bearer token into a Principal. The token's "sub" claim is the principal id
// and its "roles" claim lists role names.
package auth
