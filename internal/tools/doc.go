// Package tools defines Handle, the single interface the lifecycle
// controller uses to run a tool, with one implementation per kind of tool
// server: Builtin for in-process packs and Remote for servers reached
// through the remote client.
package tools
