// ABOUTME: Append-only tool usage ledger persistence
// ABOUTME: Stores invocation audit rows, aggregates per-server stats, prunes by age

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a tool usage record.
func (s *SQLStore) SaveUsage(ctx context.Context, usage *ToolUsage) error {
	query := `
		INSERT INTO tool_usage (
			id, server_id, tool_id, tool_name, user_id, conversation_id,
			arguments, result_summary, latency_ms, success, error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.exec(ctx, query,
		usage.ID,
		usage.ServerID,
		nullString(usage.ToolID),
		usage.ToolName,
		nullString(usage.UserID),
		nullString(usage.ConversationID),
		nullString(usage.Arguments),
		nullString(usage.ResultSummary),
		usage.LatencyMs,
		usage.Success,
		nullString(usage.Error),
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved tool usage",
		"id", usage.ID,
		"server_id", usage.ServerID,
		"tool", usage.ToolName,
		"success", usage.Success,
		"latency_ms", usage.LatencyMs,
	)
	return nil
}

// ListUsage returns usage rows newest first.
func (s *SQLStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*ToolUsage, error) {
	query := `
		SELECT id, server_id, tool_id, tool_name, user_id, conversation_id,
		       arguments, result_summary, latency_ms, success, error, created_at
		FROM tool_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ServerID != "" {
		query += " AND server_id = ?"
		args = append(args, filter.ServerID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*ToolUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetServerUsageStats aggregates the usage ledger for one server.
func (s *SQLStore) GetServerUsageStats(ctx context.Context, serverID string) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COUNT(DISTINCT user_id)
		FROM tool_usage
		WHERE server_id = ?
	`

	var stats UsageStats
	err := s.queryRow(ctx, query, serverID).Scan(
		&stats.TotalCalls,
		&stats.TotalErrors,
		&stats.AvgLatencyMs,
		&stats.UniqueUsers,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

// DeleteUsageOlderThan prunes usage rows created before cutoff.
func (s *SQLStore) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM tool_usage WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func scanUsage(row rowScanner) (*ToolUsage, error) {
	var (
		usage                                      ToolUsage
		toolID, userID, convID, args, summary, msg sql.NullString
		createdAt                                  string
	)

	err := row.Scan(
		&usage.ID,
		&usage.ServerID,
		&toolID,
		&usage.ToolName,
		&userID,
		&convID,
		&args,
		&summary,
		&usage.LatencyMs,
		&usage.Success,
		&msg,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage: %w", err)
	}

	usage.ToolID = toolID.String
	usage.UserID = userID.String
	usage.ConversationID = convID.String
	usage.Arguments = args.String
	usage.ResultSummary = summary.String
	usage.Error = msg.String

	if usage.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &usage, nil
}
