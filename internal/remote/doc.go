// Package remote is the reliability layer between the control plane and
// remote tool servers.
//
// A Client keeps one serverState per server name. Every network operation
// runs through withRetry: an open circuit fails immediately, otherwise the
// operation is attempted up to MaxRetries times with RetryDelayBase * 2^k
// between attempts. An operation that exhausts its retries counts as one
// breaker failure; CircuitBreakerThreshold consecutive failures open the
// circuit until a reconnect or ResetCircuit.
//
// Call sanitizes arguments, validates them against the tool's input schema
// when one was advertised, caps result size and hands a usage entry to the
// configured ledger.Recorder.
package remote
