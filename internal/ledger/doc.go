// Package ledger records tool invocations.
//
// Ledger.Record appends a ToolUsage row and updates the tool's call count,
// error count and moving-average latency (alpha 0.1, first sample seeds the
// average) in one transaction.
//
// AsyncRecorder sits in front of a Ledger on the tool-call path. It owns a
// bounded queue drained by one goroutine. When the queue is full new entries
// are dropped rather than blocking the caller; every drop is logged at WARN
// and counted.
package ledger
