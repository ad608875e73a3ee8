// Package store provides persistence for toolgate.
//
// # Overview
//
// The Store interface covers five entities:
//
//   - ToolServer: registered remote or built-in tool providers
//   - ServerTool: tools discovered on a server, with rolling call stats
//   - ToolUsage: append-only audit rows, pruned by age
//   - ToolPermission: per-user grants scoped to one tool or one server
//   - RoleAccessRule: wildcard rules applied to every holder of a role
//
// # Drivers
//
// SQLStore runs on SQLite (modernc.org/sqlite, pure Go) or Postgres
// (github.com/lib/pq). Queries are written with ? placeholders and rebound
// to $n for Postgres. Timestamps are stored as RFC3339 text in UTC so the
// same schema and comparisons work on both.
//
// # Transactions
//
// WithTx hands fn a Store bound to one transaction. Returning an error from
// fn rolls back every write made through that Store. Calling WithTx on a
// transaction-bound Store reuses the open transaction.
//
//	err := s.WithTx(ctx, func(tx store.Store) error {
//	    if err := tx.UpdateServer(ctx, srv); err != nil {
//	        return err
//	    }
//	    return tx.SetServerToolsAvailable(ctx, srv.ID, false)
//	})
//
// # Errors
//
// ErrNotFound and ErrConflict are returned unwrapped so callers can match
// them with errors.Is.
package store
