// ABOUTME: Server tool persistence: discovery sync rows, availability and rolling stats
// ABOUTME: RecordToolCall folds latency into an exponential moving average in one statement

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const toolColumns = `
	id, server_id, name, description, input_schema, status, is_available,
	total_calls, total_errors, avg_latency_ms, last_used_at, created_at, updated_at`

// CreateTool inserts a tool row.
// Returns ErrConflict if the server already has a tool with the same name.
func (s *SQLStore) CreateTool(ctx context.Context, tool *ServerTool) error {
	query := `
		INSERT INTO server_tools (` + toolColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.exec(ctx, query,
		tool.ID,
		tool.ServerID,
		tool.Name,
		tool.Description,
		nullString(tool.InputSchema),
		string(tool.Status),
		tool.IsAvailable,
		tool.TotalCalls,
		tool.TotalErrors,
		tool.AvgLatencyMs,
		nullTime(tool.LastUsedAt),
		formatTime(tool.CreatedAt),
		formatTime(tool.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting tool: %w", err)
	}
	return nil
}

// GetTool retrieves a tool by ID.
func (s *SQLStore) GetTool(ctx context.Context, id string) (*ServerTool, error) {
	query := `SELECT ` + toolColumns + ` FROM server_tools WHERE id = ?`
	tool, err := scanTool(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}
	return tool, nil
}

// GetToolByName retrieves a tool by its name within a server.
func (s *SQLStore) GetToolByName(ctx context.Context, serverID, name string) (*ServerTool, error) {
	query := `SELECT ` + toolColumns + ` FROM server_tools WHERE server_id = ? AND name = ?`
	tool, err := scanTool(s.queryRow(ctx, query, serverID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool by name: %w", err)
	}
	return tool, nil
}

// ListTools returns all tools of a server ordered by name.
func (s *SQLStore) ListTools(ctx context.Context, serverID string) ([]*ServerTool, error) {
	query := `SELECT ` + toolColumns + ` FROM server_tools WHERE server_id = ? ORDER BY name ASC`
	rows, err := s.query(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []*ServerTool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

// UpdateTool writes description, schema, status and availability.
// Usage counters are owned by RecordToolCall and are not touched here.
func (s *SQLStore) UpdateTool(ctx context.Context, tool *ServerTool) error {
	query := `
		UPDATE server_tools SET
			description = ?, input_schema = ?, status = ?, is_available = ?, updated_at = ?
		WHERE id = ?
	`
	err := s.execOne(ctx, query,
		tool.Description,
		nullString(tool.InputSchema),
		string(tool.Status),
		tool.IsAvailable,
		formatTime(tool.UpdatedAt),
		tool.ID,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("updating tool: %w", err)
	}
	return nil
}

// SetServerToolsAvailable flips availability for every tool of a server.
func (s *SQLStore) SetServerToolsAvailable(ctx context.Context, serverID string, available bool) error {
	query := `UPDATE server_tools SET is_available = ?, updated_at = ? WHERE server_id = ?`
	if _, err := s.exec(ctx, query, available, formatTime(time.Now()), serverID); err != nil {
		return fmt.Errorf("updating tool availability: %w", err)
	}
	return nil
}

// RecordToolCall bumps the tool's counters and moving average latency.
func (s *SQLStore) RecordToolCall(ctx context.Context, toolID string, latencyMs int64, success bool, alpha float64, at time.Time) error {
	errInc := 0
	if !success {
		errInc = 1
	}
	latency := float64(latencyMs)

	query := `
		UPDATE server_tools SET
			avg_latency_ms = CASE
				WHEN total_calls = 0 THEN CAST(? AS DOUBLE PRECISION)
				ELSE CAST(? AS DOUBLE PRECISION) * CAST(? AS DOUBLE PRECISION)
					+ (1 - CAST(? AS DOUBLE PRECISION)) * avg_latency_ms
			END,
			total_calls = total_calls + 1,
			total_errors = total_errors + ?,
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	err := s.execOne(ctx, query,
		latency,
		alpha, latency, alpha,
		errInc,
		formatTime(at),
		formatTime(at),
		toolID,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("recording tool call: %w", err)
	}
	return nil
}

func scanTool(row rowScanner) (*ServerTool, error) {
	var (
		tool                         ServerTool
		schema, lastUsed             sql.NullString
		status, createdAt, updatedAt string
	)

	err := row.Scan(
		&tool.ID,
		&tool.ServerID,
		&tool.Name,
		&tool.Description,
		&schema,
		&status,
		&tool.IsAvailable,
		&tool.TotalCalls,
		&tool.TotalErrors,
		&tool.AvgLatencyMs,
		&lastUsed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	tool.InputSchema = schema.String
	tool.Status = ToolStatus(status)

	if tool.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	if tool.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tool.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tool, nil
}
