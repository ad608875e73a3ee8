// ABOUTME: Tool server persistence: CRUD, filtering and cascading delete
// ABOUTME: Connection descriptor lists and maps are stored as JSON text columns

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const serverColumns = `
	id, name, display_name, description, transport, url, command, args_json, env_json,
	headers_json, credentials, timeout_ms, status, is_builtin, auto_start, auto_update,
	last_health_check, health_status, last_startup_success, last_startup_error,
	consecutive_failures, max_failures, created_by, created_at, updated_at`

// CreateServer inserts a new tool server.
// Returns ErrConflict if a server with the same name exists.
func (s *SQLStore) CreateServer(ctx context.Context, server *ToolServer) error {
	args, err := marshalJSON(server.Args)
	if err != nil {
		return err
	}
	env, err := marshalJSON(server.Env)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(server.Headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tool_servers (` + serverColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		server.ID,
		server.Name,
		server.DisplayName,
		server.Description,
		server.Transport,
		nullString(server.URL),
		nullString(server.Command),
		args,
		env,
		headers,
		nullString(server.Credentials),
		server.TimeoutMs,
		string(server.Status),
		server.IsBuiltin,
		server.AutoStart,
		server.AutoUpdate,
		nullTime(server.LastHealthCheck),
		server.HealthStatus,
		nullTime(server.LastStartupSuccess),
		nullString(server.LastStartupError),
		server.ConsecutiveFailures,
		server.MaxFailures,
		server.CreatedBy,
		formatTime(server.CreatedAt),
		formatTime(server.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created tool server", "id", server.ID, "name", server.Name)
	return nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLStore) GetServer(ctx context.Context, id string) (*ToolServer, error) {
	query := `SELECT ` + serverColumns + ` FROM tool_servers WHERE id = ?`
	server, err := scanServer(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// GetServerByName retrieves a server by its unique name.
func (s *SQLStore) GetServerByName(ctx context.Context, name string) (*ToolServer, error) {
	query := `SELECT ` + serverColumns + ` FROM tool_servers WHERE name = ?`
	server, err := scanServer(s.queryRow(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server by name: %w", err)
	}
	return server, nil
}

// ListServers returns servers ordered by name.
// Built-in servers are excluded unless filter.IncludeBuiltin is set.
func (s *SQLStore) ListServers(ctx context.Context, filter ServerFilter) ([]*ToolServer, error) {
	query := `SELECT ` + serverColumns + ` FROM tool_servers WHERE 1=1`
	args := []any{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if !filter.IncludeBuiltin {
		query += " AND is_builtin = ?"
		args = append(args, false)
	}
	if filter.AutoStart != nil {
		query += " AND auto_start = ?"
		args = append(args, *filter.AutoStart)
	}
	if filter.AutoUpdate != nil {
		query += " AND auto_update = ?"
		args = append(args, *filter.AutoUpdate)
	}
	query += " ORDER BY name ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*ToolServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

// UpdateServer writes every mutable column of server.
// Returns ErrNotFound if the server doesn't exist, ErrConflict on a duplicate name.
func (s *SQLStore) UpdateServer(ctx context.Context, server *ToolServer) error {
	args, err := marshalJSON(server.Args)
	if err != nil {
		return err
	}
	env, err := marshalJSON(server.Env)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(server.Headers)
	if err != nil {
		return err
	}

	query := `
		UPDATE tool_servers SET
			name = ?, display_name = ?, description = ?, transport = ?, url = ?, command = ?,
			args_json = ?, env_json = ?, headers_json = ?, credentials = ?, timeout_ms = ?,
			status = ?, is_builtin = ?, auto_start = ?, auto_update = ?, last_health_check = ?,
			health_status = ?, last_startup_success = ?, last_startup_error = ?,
			consecutive_failures = ?, max_failures = ?, updated_at = ?
		WHERE id = ?
	`
	err = s.execOne(ctx, query,
		server.Name,
		server.DisplayName,
		server.Description,
		server.Transport,
		nullString(server.URL),
		nullString(server.Command),
		args,
		env,
		headers,
		nullString(server.Credentials),
		server.TimeoutMs,
		string(server.Status),
		server.IsBuiltin,
		server.AutoStart,
		server.AutoUpdate,
		nullTime(server.LastHealthCheck),
		server.HealthStatus,
		nullTime(server.LastStartupSuccess),
		nullString(server.LastStartupError),
		server.ConsecutiveFailures,
		server.MaxFailures,
		formatTime(server.UpdatedAt),
		server.ID,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("updating server: %w", err)
	}
	return nil
}

// DeleteServer removes a server and everything that references it.
func (s *SQLStore) DeleteServer(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx Store) error {
		t := tx.(*SQLStore)

		cascades := []struct {
			what  string
			query string
		}{
			{"tool permissions", `DELETE FROM tool_permissions WHERE tool_id IN (SELECT id FROM server_tools WHERE server_id = ?)`},
			{"server permissions", `DELETE FROM tool_permissions WHERE server_id = ?`},
			{"usage", `DELETE FROM tool_usage WHERE server_id = ?`},
			{"tools", `DELETE FROM server_tools WHERE server_id = ?`},
		}
		for _, c := range cascades {
			if _, err := t.exec(ctx, c.query, id); err != nil {
				return fmt.Errorf("deleting %s: %w", c.what, err)
			}
		}

		if err := t.execOne(ctx, `DELETE FROM tool_servers WHERE id = ?`, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("deleting server: %w", err)
		}
		return nil
	})
}

func scanServer(row rowScanner) (*ToolServer, error) {
	var (
		server                                ToolServer
		url, command, credentials, startupErr sql.NullString
		argsJSON, envJSON, headersJSON        sql.NullString
		lastHealth, lastSuccess               sql.NullString
		status, createdAt, updatedAt          string
	)

	err := row.Scan(
		&server.ID,
		&server.Name,
		&server.DisplayName,
		&server.Description,
		&server.Transport,
		&url,
		&command,
		&argsJSON,
		&envJSON,
		&headersJSON,
		&credentials,
		&server.TimeoutMs,
		&status,
		&server.IsBuiltin,
		&server.AutoStart,
		&server.AutoUpdate,
		&lastHealth,
		&server.HealthStatus,
		&lastSuccess,
		&startupErr,
		&server.ConsecutiveFailures,
		&server.MaxFailures,
		&server.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	server.URL = url.String
	server.Command = command.String
	server.Credentials = credentials.String
	server.LastStartupError = startupErr.String
	server.Status = ServerStatus(status)

	if err := unmarshalJSON(argsJSON, &server.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(envJSON, &server.Env); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(headersJSON, &server.Headers); err != nil {
		return nil, err
	}

	if server.LastHealthCheck, err = parseNullTime(lastHealth); err != nil {
		return nil, err
	}
	if server.LastStartupSuccess, err = parseNullTime(lastSuccess); err != nil {
		return nil, err
	}
	if server.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if server.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &server, nil
}
